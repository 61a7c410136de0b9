// Package pipeline wires the capture session, face tracking, effect rendering
// and capture writers into one Engine owned by the application root.
//
// Frames are processed on a single goroutine: detection and tracking run
// there, rendering is submitted to the effect pipeline and completed frames
// fan out to the capture writers. Observers are called on a separate UI
// goroutine so a slow observer never runs on the processing path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/capture"
	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/motion"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/state"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

// HUD messages.
const (
	HUDSaving     = "Saving…"
	HUDSaved      = "Saved"
	HUDRecording  = "Recording"
	HUDSaveFailed = "Save failed"
	HUDCancelled  = "Cancelled"
)

var (
	ErrRunning = errors.New("engine already running")
	ErrNoFrame = errors.New("no rendered frame yet")
)

// SourceFactory builds the capture session for a camera configuration.
type SourceFactory func(s types.AnonState) source.Source

// Observer receives engine notifications on the UI goroutine.
type Observer interface {
	OnFrame(out *effect.Output)
	OnRegionsUpdated(regions []types.TrackedRegion)
	OnStateTransition(from, to types.AnonState)
	OnRotation(o types.Orientation)
	OnCaptureComplete(res CaptureResult)
	OnHUD(msg string)
}

// NopObserver implements Observer with no-ops. Embed it to pick callbacks.
type NopObserver struct{}

func (NopObserver) OnFrame(*effect.Output)                 {}
func (NopObserver) OnRegionsUpdated([]types.TrackedRegion) {}
func (NopObserver) OnStateTransition(_, _ types.AnonState) {}
func (NopObserver) OnRotation(types.Orientation)           {}
func (NopObserver) OnCaptureComplete(CaptureResult)        {}
func (NopObserver) OnHUD(string)                           {}

// CaptureResult reports a finished photo or video capture.
type CaptureResult struct {
	Kind      types.AssetKind
	SessionID string
	Item      types.CapturedItem
	Cancelled bool
	Err       error
}

// Deps are the collaborators of an Engine. Tracker, Effect, Motion and
// History get defaults when nil; Photo, Video and Library may be nil when
// capture is not used.
type Deps struct {
	Source   SourceFactory
	Detector source.Detector
	Tracker  *tracker.Tracker
	Effect   *effect.Pipeline
	Motion   *motion.Debouncer
	Photo    *capture.PhotoWriter
	Video    *capture.VideoWriter
	Queue    *capture.VideoQueue
	Library  capture.Library
	History  *capture.History
	Log      zerolog.Logger
}

// Config holds engine settings.
type Config struct {
	Initial  types.AnonState
	Metadata capture.Metadata
	// UIBuffer is the number of pending observer callbacks before frame
	// notifications start being dropped.
	UIBuffer int
}

// Engine owns one camera pipeline.
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	newSource SourceFactory
	detector  source.Detector
	tracker   *tracker.Tracker
	effect    *effect.Pipeline
	state     *state.Controller
	motion    *motion.Debouncer
	photo     *capture.PhotoWriter
	video     *capture.VideoWriter
	queue     *capture.VideoQueue
	lib       capture.Library
	history   *capture.History

	paused       atomic.Bool
	resetTracker atomic.Bool
	recSecond    atomic.Int64

	srcMu   sync.Mutex
	runCtx  context.Context
	src     source.Source
	frames  <-chan *types.Frame
	swapped chan struct{}

	latestMu sync.RWMutex
	latest   *effect.Output
	location *types.Location

	obsMu     sync.RWMutex
	observers []Observer

	ui        chan func()
	quit      chan struct{}
	uiDone    chan struct{}
	closeOnce sync.Once
}

// New builds an Engine and starts its UI goroutine. Call Close when done.
func New(deps Deps, cfg Config) *Engine {
	if cfg.UIBuffer < 1 {
		cfg.UIBuffer = 64
	}
	log := deps.Log
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(tracker.DefaultConfig(), log)
	}
	if deps.Effect == nil {
		deps.Effect = effect.New(effect.DefaultConfig(), log)
	}
	if deps.Motion == nil {
		deps.Motion = motion.NewDebouncer(motion.DefaultConsistentSamples)
	}
	if deps.History == nil {
		deps.History = capture.NewHistory(0)
	}
	if deps.Detector == nil {
		deps.Detector = source.HintDetector{}
	}
	if deps.Queue == nil && deps.Video != nil && deps.Library != nil {
		deps.Queue = capture.NewVideoQueue(deps.Library, log)
	}

	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		newSource: deps.Source,
		detector:  deps.Detector,
		tracker:   deps.Tracker,
		effect:    deps.Effect,
		motion:    deps.Motion,
		photo:     deps.Photo,
		video:     deps.Video,
		queue:     deps.Queue,
		lib:       deps.Library,
		history:   deps.History,
		swapped:   make(chan struct{}, 1),
		ui:        make(chan func(), cfg.UIBuffer),
		quit:      make(chan struct{}),
		uiDone:    make(chan struct{}),
	}
	e.state = state.New(cfg.Initial, e, log)
	e.state.Subscribe(state.TransitionFunc(func(from, to types.AnonState) {
		e.emit(func(o Observer) { o.OnStateTransition(from, to) })
	}))
	e.effect.AddConsumer(e)
	if e.video != nil {
		e.effect.AddConsumer(e.video)
	}
	go e.uiLoop()
	return e
}

// State returns the state controller.
func (e *Engine) State() *state.Controller { return e.state }

// Effect returns the effect pipeline.
func (e *Engine) Effect() *effect.Pipeline { return e.effect }

// History returns the recent captures, newest first.
func (e *Engine) History() []types.CapturedItem { return e.history.Items() }

// AddObserver registers o for all notifications.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// Run opens the capture session and processes frames until ctx is done or
// the stream ends. Camera restarts swap the session underneath it.
func (e *Engine) Run(ctx context.Context) error {
	if e.newSource == nil {
		return fmt.Errorf("%w: no source configured", source.ErrNoSession)
	}
	e.srcMu.Lock()
	if e.runCtx != nil {
		e.srcMu.Unlock()
		return ErrRunning
	}
	src := e.newSource(e.state.Current())
	frames, err := src.Start(ctx)
	if err != nil {
		e.srcMu.Unlock()
		src.Close()
		return err
	}
	e.runCtx, e.src, e.frames = ctx, src, frames
	e.srcMu.Unlock()
	defer e.stopSource()

	e.log.Info().Str("state", e.state.Current().String()).Msg("pipeline running")
	for {
		src, frames := e.session()
		select {
		case <-ctx.Done():
			e.effect.Drain(context.Background())
			return ctx.Err()
		case <-e.swapped:
		case f, ok := <-frames:
			if !ok {
				if _, cur := e.session(); cur != frames {
					continue
				}
				e.effect.Drain(context.Background())
				e.log.Info().Msg("frame stream ended")
				return nil
			}
			e.process(ctx, src, f)
		}
	}
}

func (e *Engine) session() (source.Source, <-chan *types.Frame) {
	e.srcMu.Lock()
	defer e.srcMu.Unlock()
	return e.src, e.frames
}

func (e *Engine) stopSource() {
	e.srcMu.Lock()
	defer e.srcMu.Unlock()
	if e.src != nil {
		e.src.Close()
	}
	e.runCtx, e.src, e.frames = nil, nil, nil
}

// process runs detection, tracking and render submission for one frame.
func (e *Engine) process(ctx context.Context, src source.Source, f *types.Frame) {
	release := func() { src.Release(f) }
	if e.paused.Load() {
		release()
		return
	}
	if e.resetTracker.Swap(false) {
		e.tracker.Reset()
	}

	// One snapshot decides both detection and the rendered program.
	st := e.state.Current()
	var rects []types.Rect
	if st.DetectionActive() {
		dets, err := e.detector.Detect(ctx, f)
		if err != nil {
			e.log.Warn().Err(err).Uint64("seq", f.Seq).Msg("detection failed")
			dets = nil
		}
		tracked := e.tracker.Update(dets)
		rects = e.tracker.RenderRects()
		e.emit(func(o Observer) { o.OnRegionsUpdated(tracked) })
	}

	job := effect.Job{
		Frame:       f,
		Rects:       rects,
		State:       st,
		Orientation: e.motion.Current(),
		Release:     release,
	}
	if err := e.effect.Submit(ctx, job); err != nil {
		release()
	}
}

// Restart replaces the capture session for next. When the pipeline is not
// running there is nothing to restart; Run opens the right camera.
func (e *Engine) Restart(ctx context.Context, next types.AnonState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.srcMu.Lock()
	defer e.srcMu.Unlock()
	e.resetTracker.Store(true)
	if e.runCtx == nil {
		return nil
	}

	src := e.newSource(next)
	frames, err := src.Start(e.runCtx)
	if err != nil {
		src.Close()
		return err
	}
	old := e.src
	e.src, e.frames = src, frames
	select {
	case e.swapped <- struct{}{}:
	default:
	}
	if old != nil {
		old.Close()
	}
	e.log.Info().Str("state", next.String()).Msg("camera restarted")
	return nil
}

// ConsumeFrame receives every completed render.
func (e *Engine) ConsumeFrame(out *effect.Output) {
	if out == nil || out.Image == nil {
		return
	}
	e.latestMu.Lock()
	prev := e.latest
	if prev == nil || out.Seq >= prev.Seq {
		e.latest = out
	}
	e.latestMu.Unlock()

	size := out.Image.Rect.Size()
	if prev == nil || prev.Image.Rect.Size() != size {
		e.effect.CameraChanged(size.X, size.Y)
	}
	e.emitLossy(func(o Observer) { o.OnFrame(out) })

	if e.video != nil {
		if sess := e.video.Session(); sess != nil {
			sec := int64(time.Since(sess.StartedAt) / time.Second)
			if e.recSecond.Swap(sec) != sec {
				e.emit(func(o Observer) { o.OnHUD(Timecode(time.Duration(sec) * time.Second)) })
			}
		}
	}
}

// Latest returns the most recent rendered frame.
func (e *Engine) Latest() *effect.Output {
	e.latestMu.RLock()
	defer e.latestMu.RUnlock()
	return e.latest
}

// Timecode formats a recording duration as the HUD shows it.
func Timecode(d time.Duration) string {
	s := int(d / time.Second)
	return fmt.Sprintf("%s %02d:%02d", HUDRecording, s/60, s%60)
}

// --- Inbound events ---

func (e *Engine) SetMask(ctx context.Context, m types.MaskType) error {
	return e.state.SetMask(ctx, m)
}

func (e *Engine) SetDomain(ctx context.Context, d types.Domain) error {
	return e.state.SetDomain(ctx, d)
}

func (e *Engine) SetFacing(ctx context.Context, f types.Facing) error {
	return e.state.SetFacing(ctx, f)
}

func (e *Engine) SetLens(ctx context.Context, l types.Lens) error {
	return e.state.SetLens(ctx, l)
}

func (e *Engine) SetBlurRadius(r int)           { e.effect.SetBlurRadius(r) }
func (e *Engine) SetPixelWidth(w int)           { e.effect.SetPixelWidth(w) }
func (e *Engine) SetRegionPadding(pad float64) { e.effect.SetRegionPadding(pad) }

// Pause stops rendering; frames are released as they arrive.
func (e *Engine) Pause() { e.paused.Store(true) }

func (e *Engine) Resume() { e.paused.Store(false) }

func (e *Engine) Paused() bool { return e.paused.Load() }

// SetLocation sets the geotag recorded with new captures. nil clears it.
func (e *Engine) SetLocation(loc *types.Location) {
	e.latestMu.Lock()
	e.location = loc
	e.latestMu.Unlock()
}

func (e *Engine) metadata() capture.Metadata {
	e.latestMu.RLock()
	defer e.latestMu.RUnlock()
	m := e.cfg.Metadata
	if e.location != nil {
		m.Location = e.location
	}
	return m
}

// FeedAccelerometer feeds one gravity sample to the rotation debouncer.
func (e *Engine) FeedAccelerometer(x, y, z float64) {
	if o, changed := e.motion.Feed(x, y, z); changed {
		e.emit(func(obs Observer) { obs.OnRotation(o) })
	}
}

// SetWatermark loads a PNG or JPEG watermark for photos and videos. An
// empty path removes it.
func (e *Engine) SetWatermark(path string) error {
	var img image.Image
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open watermark: %w", err)
		}
		defer f.Close()
		if img, _, err = image.Decode(f); err != nil {
			return fmt.Errorf("decode watermark: %w", err)
		}
	}
	if e.photo != nil {
		e.photo.SetWatermark(img)
	}
	if e.video != nil {
		e.video.SetWatermark(path)
	}
	return nil
}

// TakePhoto composes the latest rendered frame and saves it to the library.
func (e *Engine) TakePhoto(ctx context.Context) (types.CapturedItem, error) {
	if e.photo == nil || e.lib == nil {
		return types.CapturedItem{}, capture.ErrNoSession
	}
	out := e.Latest()
	if out == nil {
		return types.CapturedItem{}, ErrNoFrame
	}
	img, err := e.photo.Capture(out.Image, out.Orientation)
	if err != nil {
		return types.CapturedItem{}, err
	}

	e.hud(HUDSaving)
	item, err := e.photo.Save(ctx, img, e.lib, e.metadata())
	res := CaptureResult{Kind: types.AssetPhoto, Item: item, Err: err}
	if err != nil {
		e.log.Error().Err(err).Msg("photo save failed")
		e.hud(HUDSaveFailed)
	} else {
		e.history.Add(item)
		e.hud(HUDSaved)
	}
	e.emit(func(o Observer) { o.OnCaptureComplete(res) })
	return item, err
}

// StartRecording begins a video at the size of the rendered frames.
func (e *Engine) StartRecording(ctx context.Context) error {
	if e.video == nil {
		return capture.ErrNoSession
	}
	out := e.Latest()
	if out == nil {
		return ErrNoFrame
	}
	size := out.Image.Rect.Size()
	if _, err := e.video.Start(ctx, size.X, size.Y); err != nil {
		return err
	}
	e.recSecond.Store(-1)
	e.hud(HUDRecording)
	return nil
}

// StopRecording finalizes the video and waits for the library save. Saves
// are serialized through the video queue.
func (e *Engine) StopRecording(ctx context.Context) CaptureResult {
	if e.video == nil {
		return CaptureResult{Kind: types.AssetVideo, Err: capture.ErrNoSession}
	}
	if !e.video.Recording() {
		return CaptureResult{Kind: types.AssetVideo, Err: capture.ErrNotRecording}
	}
	e.hud(HUDSaving)
	vr := e.video.Stop(ctx)
	res := CaptureResult{Kind: types.AssetVideo, SessionID: vr.SessionID, Cancelled: vr.Cancelled, Err: vr.Err}
	switch {
	case vr.Cancelled:
		e.hud(HUDCancelled)
	case vr.Err != nil:
		e.hud(HUDSaveFailed)
	case e.queue == nil:
		res.Err = capture.ErrQueueClosed
		e.hud(HUDSaveFailed)
	default:
		select {
		case sr := <-e.queue.Enqueue(vr.SessionID, vr.Path, e.metadata()):
			res.Err = sr.Err
			res.Item = types.CapturedItem{LibraryID: sr.LibraryID, FilePath: sr.Path}
		case <-ctx.Done():
			// The queue still completes the save in the background.
			res.Err = ctx.Err()
		}
		if res.Err != nil {
			e.hud(HUDSaveFailed)
		} else {
			e.history.Add(res.Item)
			e.hud(HUDSaved)
		}
	}
	e.emit(func(o Observer) { o.OnCaptureComplete(res) })
	return res
}

// CancelRecording discards the current recording and its files.
func (e *Engine) CancelRecording() CaptureResult {
	if e.video == nil {
		return CaptureResult{Kind: types.AssetVideo, Cancelled: true}
	}
	vr := e.video.Cancel()
	res := CaptureResult{Kind: types.AssetVideo, SessionID: vr.SessionID, Cancelled: true}
	e.hud(HUDCancelled)
	e.emit(func(o Observer) { o.OnCaptureComplete(res) })
	return res
}

// Close stops the UI goroutine after flushing pending notifications and
// waits for queued video saves.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.queue != nil {
			e.queue.Close()
		}
		close(e.quit)
		<-e.uiDone
	})
	return e.detector.Close()
}

// --- UI goroutine ---

func (e *Engine) hud(msg string) {
	e.emit(func(o Observer) { o.OnHUD(msg) })
}

func (e *Engine) snapshotObservers() []Observer {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	return append([]Observer(nil), e.observers...)
}

func (e *Engine) call(fn func(Observer)) func() {
	return func() {
		for _, o := range e.snapshotObservers() {
			fn(o)
		}
	}
}

// emit queues fn for the UI goroutine, blocking while the queue is full.
func (e *Engine) emit(fn func(Observer)) {
	select {
	case e.ui <- e.call(fn):
	case <-e.quit:
	}
}

// emitLossy queues fn unless the UI goroutine is behind.
func (e *Engine) emitLossy(fn func(Observer)) {
	select {
	case e.ui <- e.call(fn):
	default:
	}
}

func (e *Engine) uiLoop() {
	defer close(e.uiDone)
	for {
		select {
		case fn := <-e.ui:
			fn()
		case <-e.quit:
			for {
				select {
				case fn := <-e.ui:
					fn()
				default:
					return
				}
			}
		}
	}
}

// flushUI waits until every notification queued so far has been delivered.
func (e *Engine) flushUI() {
	done := make(chan struct{})
	select {
	case e.ui <- func() { close(done) }:
		<-done
	case <-e.quit:
	}
}
