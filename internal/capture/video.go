package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Recorder states.
const (
	StateIdle       = "idle"
	StateRecording  = "recording"
	StateFinalizing = "finalizing"
	StateDone       = "done"
	StateCancelled  = "cancelled"
)

// VideoConfig configures video capture.
type VideoConfig struct {
	TempDir      string
	OutputDir    string
	FPS          float64
	Audio        bool
	DistortVoice bool
	DistortCents int
	TrimLead     time.Duration
	// WatermarkPath is an image overlaid bottom-right on the final video.
	WatermarkPath   string
	WatermarkMargin int
}

func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		TempDir:         os.TempDir(),
		OutputDir:       "/data/videos",
		FPS:             30,
		Audio:           true,
		DistortCents:    DefaultDistortCents,
		TrimLead:        DefaultTrimLead,
		WatermarkMargin: 16,
	}
}

// RecordingSession is the state of one recording, from Start until it is
// finalized or cancelled.
type RecordingSession struct {
	ID                 string
	StartedAt          time.Time
	Width, Height      int
	RawVideoPath       string
	RawAudioPath       string
	ProcessedAudioPath string
	OutputPath         string

	durations map[types.Orientation]time.Duration
	lastTS    time.Duration
	started   bool
	frames    int
	dropped   int
	hasAudio  bool
}

func newSession(cfg VideoConfig, w, h int) *RecordingSession {
	id := uuid.NewString()
	tmp := func(suffix string) string { return filepath.Join(cfg.TempDir, "veil-"+id+suffix) }
	return &RecordingSession{
		ID:                 id,
		StartedAt:          time.Now(),
		Width:              w,
		Height:             h,
		RawVideoPath:       tmp("-video.mp4"),
		RawAudioPath:       tmp("-audio.wav"),
		ProcessedAudioPath: tmp("-audio-distorted.wav"),
		OutputPath:         filepath.Join(cfg.OutputDir, "video-"+id+".mp4"),
		durations:          make(map[types.Orientation]time.Duration),
	}
}

// TempFiles lists the intermediate files of the session.
func (s *RecordingSession) TempFiles() []string {
	return []string{s.RawVideoPath, s.RawAudioPath, s.ProcessedAudioPath}
}

// Duration returns the time accumulated in orientation o.
func (s *RecordingSession) Duration(o types.Orientation) time.Duration {
	if o == types.OrientationPortraitUpsideDown {
		o = types.OrientationPortrait
	}
	return s.durations[o]
}

// Dominant returns the orientation the recording spent the most time in.
// Ties go to portrait.
func (s *RecordingSession) Dominant() types.Orientation {
	best := types.OrientationPortrait
	for _, o := range []types.Orientation{types.OrientationLandscapeLeft, types.OrientationLandscapeRight} {
		if s.durations[o] > s.durations[best] {
			best = o
		}
	}
	return best
}

func (s *RecordingSession) Frames() int  { return s.frames }
func (s *RecordingSession) Dropped() int { return s.dropped }

// accept applies the monotonicity rule and accumulates orientation time.
func (s *RecordingSession) accept(ts time.Duration, o types.Orientation) bool {
	if s.started && ts < s.lastTS {
		s.dropped++
		return false
	}
	if o == types.OrientationPortraitUpsideDown {
		o = types.OrientationPortrait
	}
	if s.started {
		s.durations[o] += ts - s.lastTS
	}
	s.started = true
	s.lastTS = ts
	s.frames++
	return true
}

// VideoResult is the outcome of a recording. Cancelled results carry no
// Path and no Err.
type VideoResult struct {
	SessionID   string
	Path        string
	Orientation types.Orientation
	Frames      int
	Cancelled   bool
	Err         error
}

// VideoWriter records rendered frames and finalizes them into a video file.
type VideoWriter struct {
	cfg   VideoConfig
	enc   EncoderFactory
	audio AudioRecorder
	proc  Processor
	log   zerolog.Logger

	// abortMu guards the session context so Cancel can interrupt a blocked
	// AppendFrame or a running finalize without taking mu.
	abortMu sync.Mutex
	sessCtx context.Context
	abort   context.CancelFunc

	mu       sync.Mutex
	machine  *fsm.FSM
	session  *RecordingSession
	track    VideoTrack
	audioCap AudioCapture
}

// NewVideoWriter creates an idle writer. audio may be nil.
func NewVideoWriter(cfg VideoConfig, enc EncoderFactory, audio AudioRecorder, proc Processor, log zerolog.Logger) *VideoWriter {
	d := DefaultVideoConfig()
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}
	if cfg.TempDir == "" {
		cfg.TempDir = d.TempDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = d.OutputDir
	}
	if cfg.DistortCents == 0 {
		cfg.DistortCents = d.DistortCents
	}
	if cfg.TrimLead < 0 {
		cfg.TrimLead = 0
	}
	w := &VideoWriter{
		cfg:   cfg,
		enc:   enc,
		audio: audio,
		proc:  proc,
		log:   log.With().Str("component", "video").Logger(),
	}
	w.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "start", Src: []string{StateIdle, StateDone, StateCancelled}, Dst: StateRecording},
			{Name: "stop", Src: []string{StateRecording}, Dst: StateFinalizing},
			{Name: "finish", Src: []string{StateFinalizing}, Dst: StateDone},
			{Name: "cancel", Src: []string{StateRecording, StateFinalizing}, Dst: StateCancelled},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				w.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("recorder state")
			},
		},
	)
	return w
}

// State returns the recorder state name.
func (w *VideoWriter) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.Current()
}

// Recording reports whether frames are currently accepted.
func (w *VideoWriter) Recording() bool {
	return w.State() == StateRecording
}

// Session returns the active recording, or nil when not recording.
func (w *VideoWriter) Session() *RecordingSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.machine.Current() != StateRecording {
		return nil
	}
	return w.session
}

// SetWatermark sets the overlay image path for subsequent recordings.
func (w *VideoWriter) SetWatermark(path string) {
	w.mu.Lock()
	w.cfg.WatermarkPath = path
	w.mu.Unlock()
}

// Start opens a new recording of w x h frames. A failing microphone does not
// prevent recording; the video is then saved without audio.
func (w *VideoWriter) Start(ctx context.Context, width, height int) (*RecordingSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.machine.Can("start") {
		return nil, ErrAlreadyRecording
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid recording size %dx%d", width, height)
	}
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}

	sess := newSession(w.cfg, width, height)
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	track, err := w.enc.NewTrack(sctx, sess.RawVideoPath, width, height, w.cfg.FPS)
	if err != nil {
		cancel()
		w.log.Error().Err(err).Msg("could not open video track")
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	var audioCap AudioCapture
	if w.cfg.Audio && w.audio != nil {
		audioCap, err = w.audio.StartAudio(sctx, sess.RawAudioPath)
		if err != nil {
			w.log.Warn().Err(err).Msg("recording without audio")
			audioCap = nil
		}
	}
	sess.hasAudio = audioCap != nil

	if err := w.machine.Event(ctx, "start"); err != nil {
		track.Abort()
		if audioCap != nil {
			audioCap.Abort()
		}
		cancel()
		return nil, err
	}
	w.session, w.track, w.audioCap = sess, track, audioCap
	w.setAbort(sctx, cancel)
	w.log.Info().Str("session", sess.ID).Int("width", width).Int("height", height).Bool("audio", sess.hasAudio).Msg("recording started")
	return sess, nil
}

// AppendFrame adds a rendered frame. Frames older than the last accepted one
// are dropped.
func (w *VideoWriter) AppendFrame(img *image.RGBA, ts time.Duration, o types.Orientation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.machine.Current() != StateRecording {
		return ErrNotRecording
	}
	if !w.session.accept(ts, o) {
		return nil
	}
	return w.track.WriteFrame(img)
}

// ConsumeFrame lets the writer register as an effect.FrameConsumer.
func (w *VideoWriter) ConsumeFrame(out *effect.Output) {
	if out == nil || out.Image == nil {
		return
	}
	if err := w.AppendFrame(out.Image, out.Timestamp, out.Orientation); err != nil && !errors.Is(err, ErrNotRecording) {
		w.log.Warn().Err(err).Uint64("seq", out.Seq).Msg("frame not recorded")
	}
}

// Stop closes the tracks and finalizes the recording. It blocks until the
// output file is written or finalize fails. Cancel may interrupt it.
func (w *VideoWriter) Stop(ctx context.Context) VideoResult {
	w.mu.Lock()
	if w.machine.Current() != StateRecording {
		w.mu.Unlock()
		return VideoResult{Err: ErrNotRecording}
	}
	if err := w.machine.Event(ctx, "stop"); err != nil {
		w.mu.Unlock()
		return VideoResult{Err: err}
	}
	sess, track, audioCap := w.session, w.track, w.audioCap
	watermark := w.cfg.WatermarkPath
	w.track, w.audioCap = nil, nil
	w.mu.Unlock()

	sctx := w.sessionContext()
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopFinalize := context.AfterFunc(sctx, cancel)
	defer stopFinalize()

	res := VideoResult{SessionID: sess.ID, Orientation: sess.Dominant(), Frames: sess.frames}
	err := w.finalize(fctx, sess, track, audioCap, watermark)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.machine.Current() == StateCancelled || sctx.Err() != nil {
		// Cancel ran while finalizing.
		if w.machine.Can("cancel") {
			w.machine.Event(context.Background(), "cancel")
		}
		utils.RemoveFiles(append(sess.TempFiles(), sess.OutputPath)...)
		return VideoResult{SessionID: sess.ID, Cancelled: true}
	}
	w.machine.Event(context.Background(), "finish")
	w.clearAbort()
	if rmErr := utils.RemoveFiles(sess.TempFiles()...); rmErr != nil {
		w.log.Warn().Err(rmErr).Str("session", sess.ID).Msg("temp cleanup incomplete")
	}
	if err != nil {
		utils.RemoveFiles(sess.OutputPath)
		w.log.Error().Err(err).Str("session", sess.ID).Msg("finalize failed")
		res.Err = err
		return res
	}
	res.Path = sess.OutputPath
	w.log.Info().Str("session", sess.ID).Str("path", res.Path).Str("orientation", res.Orientation.String()).Int("frames", res.Frames).Int("dropped", sess.dropped).Msg("recording finalized")
	return res
}

func (w *VideoWriter) finalize(ctx context.Context, sess *RecordingSession, track VideoTrack, audioCap AudioCapture, watermark string) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(track.Close)
	var audioErr error
	if audioCap != nil {
		g.Go(func() error {
			audioErr = audioCap.Stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A lost audio track still leaves a usable video.
	if audioErr != nil {
		w.log.Warn().Err(audioErr).Str("session", sess.ID).Msg("audio track lost, saving video only")
		audioCap = nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.frames == 0 {
		return fmt.Errorf("no frames recorded")
	}

	audioPath := ""
	if audioCap != nil {
		audioPath = sess.RawAudioPath
		if w.cfg.DistortVoice {
			if err := w.proc.DistortVoice(ctx, sess.RawAudioPath, sess.ProcessedAudioPath, w.cfg.DistortCents); err != nil {
				return err
			}
			audioPath = sess.ProcessedAudioPath
		}
	}

	plan := MuxPlan{
		VideoPath:     sess.RawVideoPath,
		AudioPath:     audioPath,
		WatermarkPath: watermark,
		OutputPath:    sess.OutputPath,
		TrimStart:     w.cfg.TrimLead,
		Transform:     TransformFor(sess.Dominant(), sess.Width, sess.Height),
		Margin:        w.cfg.WatermarkMargin,
	}
	return w.proc.Mux(ctx, plan)
}

// Cancel stops ingestion immediately, kills child processes and deletes
// every file of the session. It is safe to call while Stop is finalizing.
func (w *VideoWriter) Cancel() VideoResult {
	w.abortMu.Lock()
	if w.abort != nil {
		w.abort()
	}
	w.abortMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.machine.Can("cancel") {
		return VideoResult{Cancelled: true}
	}
	w.machine.Event(context.Background(), "cancel")
	if w.track != nil {
		w.track.Abort()
	}
	if w.audioCap != nil {
		w.audioCap.Abort()
	}
	w.track, w.audioCap = nil, nil
	sess := w.session
	utils.RemoveFiles(append(sess.TempFiles(), sess.OutputPath)...)
	w.log.Info().Str("session", sess.ID).Msg("recording cancelled")
	return VideoResult{SessionID: sess.ID, Cancelled: true}
}

func (w *VideoWriter) setAbort(ctx context.Context, cancel context.CancelFunc) {
	w.abortMu.Lock()
	w.sessCtx, w.abort = ctx, cancel
	w.abortMu.Unlock()
}

func (w *VideoWriter) clearAbort() {
	w.abortMu.Lock()
	if w.abort != nil {
		w.abort()
	}
	w.sessCtx, w.abort = nil, nil
	w.abortMu.Unlock()
}

// sessionContext returns the context of the current session, which Cancel
// cancels.
func (w *VideoWriter) sessionContext() context.Context {
	w.abortMu.Lock()
	defer w.abortMu.Unlock()
	if w.sessCtx == nil {
		return context.Background()
	}
	return w.sessCtx
}
