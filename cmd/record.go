package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var recordOpts Options

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record an anonymized video into the media library",
	Long: `Records until --duration elapses or the input stream ends.
Ctrl+C discards the recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRecord(cmd.Context(), recordOpts)
	},
}

func init() {
	addPipelineFlags(recordCmd, &recordOpts)
	recordCmd.Flags().BoolVar(&recordOpts.DistortVoice, "distort-voice", false, "Pitch-shift the recorded audio")
	recordCmd.Flags().BoolVar(&recordOpts.NoAudio, "no-audio", false, "Record video only")
	recordCmd.Flags().BoolVar(&recordOpts.StripMetadata, "strip-metadata", false, "Do not store location with the video")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(ctx context.Context, opts Options) error {
	initial, err := validateOptions(&opts, Cfg)
	if err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	if opts.Duration == 0 && opts.InputPath == "" {
		err := errors.New("a live camera needs --duration")
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	engine, srcCfg, err := buildEngine(ctx, &opts, Cfg, initial, DB)
	if err != nil {
		utils.ShowError("Failed to build pipeline", err, nil)
		return err
	}
	defer engine.Close()

	obs := newConsoleObserver()
	engine.AddObserver(obs)

	run := startRun(ctx, engine)
	defer run.stop()

	if err := obs.waitFrames(ctx, 1, run); err != nil {
		utils.ShowError("Camera produced no frames", err, nil)
		return err
	}
	if err := engine.StartRecording(ctx); err != nil {
		utils.ShowError("Failed to start recording", err, nil)
		return err
	}

	bar := progressbar.NewOptions64(expectedFrames(ctx, &opts, srcCfg.FPS),
		progressbar.OptionSetDescription("Recording"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	obs.setHooks(func() { bar.Add(1) }, func(msg string) { bar.Describe(msg) })

	var limit <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		limit = timer.C
	}

	select {
	case <-ctx.Done():
		engine.CancelRecording()
		bar.Exit()
		fmt.Fprintln(os.Stderr, "\n🚫 Recording discarded")
		return nil
	case <-run.done:
		if run.err != nil && !stoppedCleanly(run.err) {
			engine.CancelRecording()
			bar.Exit()
			utils.ShowError("Pipeline stopped while recording", run.err, nil)
			return run.err
		}
	case <-limit:
	}

	obs.setHooks(nil, nil)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	spinner := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Finalizing"),
		progressbar.OptionSetWriter(os.Stderr),
	)
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				spinner.Add(1)
			}
		}
	}()
	// The save must finish even after Ctrl+C.
	res := engine.StopRecording(context.Background())
	close(done)
	spinner.Finish()
	fmt.Fprintln(os.Stderr)

	if res.Err != nil {
		utils.ShowError("Failed to save recording", res.Err, nil)
		return res.Err
	}
	printCaptured(types.AssetVideo, res.Item)
	return nil
}

// expectedFrames sizes the progress bar. -1 selects spinner mode.
func expectedFrames(ctx context.Context, opts *Options, fps float64) int64 {
	if opts.Duration > 0 && fps > 0 {
		return int64(opts.Duration.Seconds() * fps)
	}
	if opts.InputPath != "" && opts.InputFormat == "" {
		if n := utils.GetTotalFrames(ctx, opts.InputPath); n > 0 {
			return int64(n)
		}
	}
	return -1
}
