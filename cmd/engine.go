package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/capture"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/motion"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
)

// Options holds shared configuration for live, photo, and record commands
type Options struct {
	InputPath     string
	InputFormat   string
	Mask          string
	Domain        string
	Facing        string
	Lens          string
	Detector      string
	Watermark     string
	Duration      time.Duration
	BlurRadius    int
	PixelWidth    int
	RegionPadding float64
	DistortVoice  bool
	NoAudio       bool
	StripMetadata bool
}

// validateOptions merges flags over the configuration and returns the
// initial anonymization state.
func validateOptions(opts *Options, cfg *config.Config) (types.AnonState, error) {
	if opts.InputPath != "" && opts.InputFormat == "" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			return types.AnonState{}, fmt.Errorf("unable to access input: %w", err)
		}
		if info.IsDir() {
			return types.AnonState{}, fmt.Errorf("input path is a directory, expected a video file or --format for a device")
		}
	}

	defaults := cfg.Defaults
	override := func(dst *string, flag string) {
		if flag != "" {
			*dst = flag
		}
	}
	override(&defaults.Mask, opts.Mask)
	override(&defaults.Domain, opts.Domain)
	override(&defaults.Facing, opts.Facing)
	override(&defaults.Lens, opts.Lens)
	initial, err := defaults.State()
	if err != nil {
		return types.AnonState{}, err
	}

	if opts.Detector != "" {
		switch opts.Detector {
		case config.DetectorPigo, config.DetectorWorker, config.DetectorHints:
			cfg.Detector.Kind = opts.Detector
		default:
			return types.AnonState{}, fmt.Errorf("invalid detector '%s'. Must be one of: pigo, worker, hints", opts.Detector)
		}
	}
	if opts.Duration < 0 {
		return types.AnonState{}, fmt.Errorf("duration must not be negative, got %s", opts.Duration)
	}
	if opts.BlurRadius < 0 || opts.PixelWidth < 0 || opts.RegionPadding < 0 {
		return types.AnonState{}, fmt.Errorf("tuning values must not be negative")
	}
	if opts.Watermark != "" {
		cfg.Watermark = opts.Watermark
	}
	if opts.DistortVoice {
		cfg.Video.DistortAudio = true
	}
	if opts.NoAudio {
		cfg.Video.Audio = false
	}
	if opts.StripMetadata {
		cfg.StripMetadata = true
	}
	return initial, nil
}

// sourceConfig applies --input over the configured devices. File inputs are
// probed so frames are decoded at their native size and rate.
func sourceConfig(ctx context.Context, opts *Options, cfg source.Config) source.Config {
	if opts.InputPath == "" {
		return cfg
	}
	cfg.Devices = map[string]source.Device{
		"default": {Input: opts.InputPath, Format: opts.InputFormat},
	}
	if opts.InputFormat != "" {
		return cfg
	}
	if w, h, err := utils.GetVideoDimensions(ctx, opts.InputPath); err == nil && w > 0 && h > 0 {
		cfg.Width, cfg.Height = w&^1, h&^1
	}
	if fps, err := utils.GetVideoFPS(ctx, opts.InputPath); err == nil && fps > 0 {
		cfg.FPS = fps
	}
	return cfg
}

func newDetector(ctx context.Context, cfg *config.Config) (source.Detector, error) {
	switch cfg.Detector.Kind {
	case config.DetectorWorker:
		return worker.NewProcessWorker(ctx, 0, cfg.Detector.Worker)
	case config.DetectorHints:
		return source.HintDetector{Mirrored: cfg.Detector.HintsMirrored}, nil
	default:
		return source.NewPigoDetector(cfg.Detector.Pigo, log)
	}
}

// buildEngine assembles the pipeline from the configuration. lib may be nil
// when the command saves nothing.
func buildEngine(ctx context.Context, opts *Options, cfg *config.Config, initial types.AnonState, lib capture.Library) (*pipeline.Engine, source.Config, error) {
	srcCfg := sourceConfig(ctx, opts, cfg.Source)
	cfg.Source = srcCfg

	det, err := newDetector(ctx, cfg)
	if err != nil {
		return nil, srcCfg, fmt.Errorf("detector unavailable: %w", err)
	}

	eff := effect.New(cfg.EffectConfig(), log)
	if opts.BlurRadius > 0 {
		eff.SetBlurRadius(opts.BlurRadius)
	}
	if opts.PixelWidth > 0 {
		eff.SetPixelWidth(opts.PixelWidth)
	}
	if opts.RegionPadding > 0 {
		eff.SetRegionPadding(opts.RegionPadding)
	}

	deps := pipeline.Deps{
		Source: func(s types.AnonState) source.Source {
			return source.NewFFmpegSource(srcCfg, s, log)
		},
		Detector: det,
		Tracker:  tracker.New(cfg.TrackerConfig(), log),
		Effect:   eff,
		Motion:   motion.NewDebouncer(cfg.RotationDebounce),
		History:  capture.NewHistory(cfg.HistorySize),
		Log:      log,
	}
	if lib != nil {
		var audio capture.AudioRecorder
		if cfg.Video.Audio {
			audio = capture.FFmpegAudio{Format: cfg.Video.AudioFormat, Device: cfg.Video.AudioDevice}
		}
		deps.Library = lib
		deps.Photo = capture.NewPhotoWriter(cfg.PhotoConfig(), log)
		deps.Video = capture.NewVideoWriter(cfg.VideoConfig(), capture.FFmpegEncoder{}, audio, capture.FFmpegProcessor{}, log)
	}

	engine := pipeline.New(deps, pipeline.Config{Initial: initial, Metadata: cfg.Metadata()})
	if cfg.Watermark != "" {
		if err := engine.SetWatermark(cfg.Watermark); err != nil {
			engine.Close()
			return nil, srcCfg, err
		}
	}
	return engine, srcCfg, nil
}

// withDuration bounds ctx by d when d is positive.
func withDuration(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// stoppedCleanly reports whether Run ended because we asked it to.
func stoppedCleanly(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// consoleObserver prints engine notifications as status lines on stderr.
type consoleObserver struct {
	pipeline.NopObserver
	frames atomic.Int64

	mu       sync.Mutex
	onFrame  func()
	progress func(msg string)
}

// setHooks redirects frame ticks and HUD messages, e.g. to a progress bar.
func (c *consoleObserver) setHooks(onFrame func(), progress func(string)) {
	c.mu.Lock()
	c.onFrame, c.progress = onFrame, progress
	c.mu.Unlock()
}

func (c *consoleObserver) hooks() (func(), func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFrame, c.progress
}

func newConsoleObserver() *consoleObserver {
	return &consoleObserver{}
}

func (c *consoleObserver) OnFrame(*effect.Output) {
	c.frames.Add(1)
	if onFrame, _ := c.hooks(); onFrame != nil {
		onFrame()
	}
}

func (c *consoleObserver) OnStateTransition(from, to types.AnonState) {
	fmt.Fprintf(os.Stderr, "🔁 %s → %s\n", from, to)
}

func (c *consoleObserver) OnRotation(o types.Orientation) {
	fmt.Fprintf(os.Stderr, "📐 Orientation: %s\n", o)
}

func (c *consoleObserver) OnHUD(msg string) {
	if _, progress := c.hooks(); progress != nil {
		progress(msg)
		return
	}
	fmt.Fprintf(os.Stderr, "💬 %s\n", msg)
}

func (c *consoleObserver) OnCaptureComplete(res pipeline.CaptureResult) {
	switch {
	case res.Cancelled:
		fmt.Fprintf(os.Stderr, "🚫 %s discarded\n", res.Kind)
	case res.Err != nil:
		fmt.Fprintf(os.Stderr, "⚠️  %s save failed: %v\n", res.Kind, res.Err)
	default:
		fmt.Fprintf(os.Stderr, "💾 %s saved: %s (%s)\n", res.Kind, res.Item.FilePath, res.Item.LibraryID)
	}
}

// runHandle tracks an engine Run in the background.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startRun(ctx context.Context, engine *pipeline.Engine) *runHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = engine.Run(ctx)
	}()
	return h
}

// stop cancels the run and returns its error once Run has returned.
func (h *runHandle) stop() error {
	h.cancel()
	<-h.done
	return h.err
}

// waitFrames blocks until the engine rendered n frames or Run returned.
func (c *consoleObserver) waitFrames(ctx context.Context, n int64, run *runHandle) error {
	for c.frames.Load() < n {
		select {
		case <-run.done:
			if run.err != nil {
				return run.err
			}
			if c.frames.Load() == 0 {
				return errors.New("stream ended before the first frame")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
