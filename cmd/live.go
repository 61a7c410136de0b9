package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/andresmejia3/veil/internal/capture"
	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	liveOpts        Options
	livePreview     string
	liveInteractive bool
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the anonymization pipeline on a camera or video stream",
	Long: `Runs the pipeline until the stream ends, --duration elapses, or Ctrl+C.
With --interactive, commands are read from stdin (type "help").
Captures are stored in the media library only in interactive mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLive(cmd.Context(), liveOpts)
	},
}

func init() {
	addPipelineFlags(liveCmd, &liveOpts)
	liveCmd.Flags().StringVarP(&livePreview, "preview", "p", "", "Write the anonymized stream to this video file")
	liveCmd.Flags().BoolVar(&liveInteractive, "interactive", false, "Read control commands from stdin")
	rootCmd.AddCommand(liveCmd)
}

// addPipelineFlags registers the flags shared by every pipeline command.
func addPipelineFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.InputPath, "input", "i", "", "Video file or device overriding the configured default camera")
	cmd.Flags().StringVarP(&opts.InputFormat, "format", "f", "", "FFmpeg input format for --input (e.g. v4l2, avfoundation)")
	cmd.Flags().StringVarP(&opts.Mask, "mask", "m", "", "Mask type: none, blur, pixelate, color, noise")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "Anonymization domain: face, body, invert")
	cmd.Flags().StringVar(&opts.Facing, "facing", "", "Camera facing: back, front")
	cmd.Flags().StringVar(&opts.Lens, "lens", "", "Camera lens: normal, telephoto, wide")
	cmd.Flags().StringVar(&opts.Detector, "detector", "", "Face detector: pigo, worker, hints")
	cmd.Flags().StringVar(&opts.Watermark, "watermark", "", "PNG or JPEG stamped on captures")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (0 runs until the stream ends)")
	cmd.Flags().IntVar(&opts.BlurRadius, "blur-radius", 0, "Blur radius in pixels (0 keeps the configured value)")
	cmd.Flags().IntVar(&opts.PixelWidth, "pixel-width", 0, "Pixelation block width (0 keeps the configured value)")
	cmd.Flags().Float64Var(&opts.RegionPadding, "padding", 0, "Region padding fraction (0 keeps the configured value)")
}

func runLive(ctx context.Context, opts Options) error {
	ctx, cancel := withDuration(ctx, opts.Duration)
	defer cancel()

	initial, err := validateOptions(&opts, Cfg)
	if err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	var lib capture.Library
	if liveInteractive {
		if DB == nil {
			err := errors.New("interactive mode needs the media library")
			utils.ShowError("Library unavailable", err, nil)
			return err
		}
		lib = DB
	}

	engine, srcCfg, err := buildEngine(ctx, &opts, Cfg, initial, lib)
	if err != nil {
		utils.ShowError("Failed to build pipeline", err, nil)
		return err
	}
	defer engine.Close()

	obs := newConsoleObserver()
	engine.AddObserver(obs)

	if livePreview != "" {
		preview := utils.NewFFmpegEncoder(ctx, livePreview, srcCfg.FPS, srcCfg.Width, srcCfg.Height)
		sink, err := newPreviewSink(preview, srcCfg.Width, srcCfg.Height)
		if err != nil {
			utils.ShowError("Failed to start preview encoder", err, preview)
			return err
		}
		handle := engine.Effect().AddConsumer(sink)
		defer func() {
			engine.Effect().RemoveConsumer(handle)
			if err := sink.Close(); err != nil {
				utils.ShowError("Preview encoder failed", err, preview)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "🎥 Streaming as %s\n", initial)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return engine.Run(gctx)
	})
	if liveInteractive {
		g.Go(func() error {
			return readCommands(gctx, engine, os.Stdin, os.Stdout)
		})
	}
	err = g.Wait()
	if !stoppedCleanly(err) {
		utils.ShowError("Pipeline stopped", err, nil)
		return err
	}

	if engine.State().Current() != initial {
		fmt.Fprintf(os.Stderr, "ℹ️  Final state: %s\n", engine.State().Current())
	}
	fmt.Fprintf(os.Stderr, "✅ Stream finished after %d frames\n", obs.frames.Load())
	return nil
}

// readCommands feeds stdin lines to handleCommand until ctx ends or input closes.
func readCommands(ctx context.Context, engine *pipeline.Engine, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, err := handleCommand(ctx, engine, line)
			if err != nil {
				fmt.Fprintf(out, "⚠️  %v\n", err)
				continue
			}
			if msg != "" {
				fmt.Fprintln(out, msg)
			}
		}
	}
}

const commandHelp = `commands:
  mask <none|blur|pixelate|color|noise>   domain <face|body|invert>
  facing <back|front>                     lens <normal|telephoto|wide>
  blur <px>  pixel <px>  padding <fraction>
  photo  record  stop  cancel  pause  resume  status  history`

// handleCommand applies one interactive command to the engine and returns
// the line to print.
func handleCommand(ctx context.Context, engine *pipeline.Engine, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]
	arg := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%s expects one argument", verb)
		}
		return args[0], nil
	}

	switch verb {
	case "help", "?":
		return commandHelp, nil
	case "status":
		return engine.State().Current().String(), nil
	case "mask", "domain", "facing", "lens":
		v, err := arg()
		if err != nil {
			return "", err
		}
		return "", setState(ctx, engine, verb, v)
	case "blur", "pixel":
		v, err := arg()
		if err != nil {
			return "", err
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("%s expects a positive integer, got %q", verb, v)
		}
		if verb == "blur" {
			engine.SetBlurRadius(n)
		} else {
			engine.SetPixelWidth(n)
		}
		return "", nil
	case "padding":
		v, err := arg()
		if err != nil {
			return "", err
		}
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || p < 0 {
			return "", fmt.Errorf("padding expects a non-negative number, got %q", v)
		}
		engine.SetRegionPadding(p)
		return "", nil
	case "pause":
		engine.Pause()
		return "⏸️  paused", nil
	case "resume":
		engine.Resume()
		return "▶️  resumed", nil
	case "photo":
		item, err := engine.TakePhoto(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("📸 %s (%s)", item.FilePath, item.LibraryID), nil
	case "record":
		if err := engine.StartRecording(ctx); err != nil {
			return "", err
		}
		return "🔴 recording", nil
	case "stop":
		res := engine.StopRecording(ctx)
		if res.Err != nil {
			return "", res.Err
		}
		return "", nil
	case "cancel":
		res := engine.CancelRecording()
		if res.Err != nil {
			return "", res.Err
		}
		return "", nil
	case "history":
		items := engine.History()
		if len(items) == 0 {
			return "no captures yet", nil
		}
		var b strings.Builder
		for i, it := range items {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s\t%s", it.LibraryID, it.FilePath)
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("unknown command %q (try \"help\")", verb)
}

func setState(ctx context.Context, engine *pipeline.Engine, dim, v string) error {
	switch dim {
	case "mask":
		m, err := types.ParseMask(v)
		if err != nil {
			return err
		}
		return engine.SetMask(ctx, m)
	case "domain":
		d, err := types.ParseDomain(v)
		if err != nil {
			return err
		}
		return engine.SetDomain(ctx, d)
	case "facing":
		f, err := types.ParseFacing(v)
		if err != nil {
			return err
		}
		return engine.SetFacing(ctx, f)
	default:
		l, err := types.ParseLens(v)
		if err != nil {
			return err
		}
		return engine.SetLens(ctx, l)
	}
}

// previewSink pipes rendered frames into an ffmpeg encoder. Frames whose
// geometry differs from the encoder's are skipped.
type previewSink struct {
	mu     sync.Mutex
	cmd    *utils.SafeCommand
	stdin  io.WriteCloser
	w, h   int
	failed error
}

func newPreviewSink(cmd *utils.SafeCommand, w, h int) (*previewSink, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &previewSink{cmd: cmd, stdin: stdin, w: w, h: h}, nil
}

func (p *previewSink) ConsumeFrame(out *effect.Output) {
	if out.Image == nil {
		return
	}
	b := out.Image.Bounds()
	if b.Dx() != p.w || b.Dy() != p.h {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil || p.stdin == nil {
		return
	}
	if _, err := p.stdin.Write(out.Image.Pix); err != nil {
		p.failed = err
		log.Warn().Err(err).Msg("preview encoder rejected frame")
	}
}

func (p *previewSink) Close() error {
	p.mu.Lock()
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()
	if stdin == nil {
		return nil
	}
	stdin.Close()
	return p.cmd.Wait()
}
