// Package effect renders camera frames with the active redaction program.
//
// A frame goes through a YUV to RGB conversion and then the passes of the
// program selected for the current (mask, domain) pair. Programs live in a
// fixed arena built once by New. When a program could not be built, or one
// of its passes fails or times out on a frame, the plain converted image is
// emitted for that frame instead so the preview never stalls.
package effect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrPassTimeout is recorded on an Output whose effect passes overran PassTimeout.
var ErrPassTimeout = errors.New("effect pass timed out")

// rowsPerCheck is how often long passes poll for cancellation.
const rowsPerCheck = 32

// Config holds construction-time settings.
type Config struct {
	InFlightFrames int
	PassTimeout    time.Duration
	RemoveCount    int
	BlurRadius     int
	PixelWidth     int
	RegionPadding  float64
	FillColor      color.RGBA
	// MirrorFront flips the front camera image horizontally, like a selfie preview.
	MirrorFront bool
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		InFlightFrames: 3,
		PassTimeout:    2 * time.Second,
		RemoveCount:    4,
		BlurRadius:     6,
		PixelWidth:     16,
		RegionPadding:  0.02,
		FillColor:      color.RGBA{A: 255},
	}
}

// Params are the live tuning knobs, snapshotted per frame.
type Params struct {
	BlurRadius    int
	PixelWidth    int
	RegionPadding float64
	FillColor     color.RGBA
}

// Job is one frame submitted for rendering.
type Job struct {
	Frame       *types.Frame
	Rects       []types.Rect
	State       types.AnonState
	Orientation types.Orientation
	// Release, if set, is called once the frame's planes are no longer read.
	Release func()
}

// Output is a fully rendered frame.
type Output struct {
	Seq         uint64
	Timestamp   time.Duration
	Image       *image.RGBA
	Program     ProgramID
	Orientation types.Orientation
	Regions     int
	// Fallback is set when the base image was emitted instead of the program output.
	Fallback bool
	Err      error
}

// FrameConsumer receives every completed frame. Photo and video capture
// register here; ConsumeFrame must not retain Image past the call unless it copies it.
type FrameConsumer interface {
	ConsumeFrame(out *Output)
}

// ConsumerFunc adapts a function to FrameConsumer.
type ConsumerFunc func(out *Output)

func (f ConsumerFunc) ConsumeFrame(out *Output) { f(out) }

// Pipeline is the compositing engine. Safe for concurrent use.
type Pipeline struct {
	cfg   Config
	log   zerolog.Logger
	arena [numPrograms]*Program
	sem   *semaphore.Weighted

	mu        sync.RWMutex
	params    Params
	consumers map[int]FrameConsumer
	nextID    int
	layout    layoutState
}

// New builds the program arena. Programs that fail to build are logged and
// left empty; states that need them render with the base program.
func New(cfg Config, log zerolog.Logger) *Pipeline {
	d := DefaultConfig()
	if cfg.InFlightFrames < 1 {
		cfg.InFlightFrames = d.InFlightFrames
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = d.PassTimeout
	}
	if cfg.RemoveCount < 1 {
		cfg.RemoveCount = d.RemoveCount
	}
	if cfg.PixelWidth < 1 {
		cfg.PixelWidth = d.PixelWidth
	}
	if cfg.BlurRadius < 1 {
		cfg.BlurRadius = d.BlurRadius
	}

	p := &Pipeline{
		cfg: cfg,
		log: log.With().Str("component", "effect").Logger(),
		sem: semaphore.NewWeighted(int64(cfg.InFlightFrames)),
		params: Params{
			BlurRadius:    cfg.BlurRadius,
			PixelWidth:    cfg.PixelWidth,
			RegionPadding: cfg.RegionPadding,
			FillColor:     cfg.FillColor,
		},
		consumers: make(map[int]FrameConsumer),
	}

	for id, build := range builders {
		if build == nil {
			continue
		}
		prog, err := build(cfg)
		if err != nil {
			p.log.Warn().Err(err).Str("program", ProgramID(id).String()).Msg("program unavailable, base pass will be used")
			continue
		}
		p.arena[id] = prog
	}
	if p.arena[ProgramBase] == nil {
		p.arena[ProgramBase] = &Program{ID: ProgramBase}
	}
	return p
}

// Program returns the program that will actually render state s, which is
// the base program when the dedicated one is unavailable.
func (p *Pipeline) Program(s types.AnonState) *Program {
	if prog := p.arena[ProgramFor(s)]; prog != nil {
		return prog
	}
	return p.arena[ProgramBase]
}

// AddConsumer registers c and returns a handle for RemoveConsumer.
func (p *Pipeline) AddConsumer(c FrameConsumer) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.consumers[p.nextID] = c
	return p.nextID
}

// RemoveConsumer unregisters a consumer. Unknown handles are ignored.
func (p *Pipeline) RemoveConsumer(handle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, handle)
}

// Params returns the current tuning knobs.
func (p *Pipeline) Params() Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

// SetBlurRadius sets the base blur radius in pixels.
func (p *Pipeline) SetBlurRadius(r int) {
	if r < 1 {
		r = 1
	}
	p.mu.Lock()
	p.params.BlurRadius = r
	p.mu.Unlock()
}

// SetPixelWidth sets the pixelation block size in pixels.
func (p *Pipeline) SetPixelWidth(w int) {
	if w < 1 {
		w = 1
	}
	p.mu.Lock()
	p.params.PixelWidth = w
	p.mu.Unlock()
}

// SetRegionPadding grows every region by pad (fraction of the frame).
func (p *Pipeline) SetRegionPadding(pad float64) {
	if pad < 0 {
		pad = 0
	}
	p.mu.Lock()
	p.params.RegionPadding = pad
	p.mu.Unlock()
}

// SetFillColor sets the solid-fill color.
func (p *Pipeline) SetFillColor(c color.RGBA) {
	p.mu.Lock()
	p.params.FillColor = c
	p.mu.Unlock()
}

// Render blocks until an in-flight slot is free, renders job and returns the
// output after consumers have seen it.
func (p *Pipeline) Render(ctx context.Context, job Job) (*Output, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return p.execute(ctx, job)
}

// Submit waits for an in-flight slot and renders job asynchronously. At most
// InFlightFrames renders run at once; completions reach consumers in
// completion order, which may differ from submission order.
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go p.execute(ctx, job)
	return nil
}

// Drain waits until every in-flight render has completed.
func (p *Pipeline) Drain(ctx context.Context) error {
	n := int64(p.cfg.InFlightFrames)
	if err := p.sem.Acquire(ctx, n); err != nil {
		return err
	}
	p.sem.Release(n)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, job Job) (*Output, error) {
	out, err := p.render(ctx, job)
	if job.Release != nil {
		job.Release()
	}
	p.complete(out)
	return out, err
}

// complete is the completion callback: it frees the in-flight slot and is
// the only place finished frames are handed to consumers.
func (p *Pipeline) complete(out *Output) {
	defer p.sem.Release(1)
	if out == nil {
		return
	}
	p.mu.RLock()
	consumers := make([]FrameConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.RUnlock()
	for _, c := range consumers {
		c.ConsumeFrame(out)
	}
}

func (p *Pipeline) render(ctx context.Context, job Job) (*Output, error) {
	if job.Frame == nil {
		return nil, errors.New("nil frame")
	}
	mirror := p.cfg.MirrorFront && job.State.Facing == types.FacingFront
	base, err := convertNV12(job.Frame, mirror)
	if err != nil {
		p.log.Error().Err(err).Uint64("seq", job.Frame.Seq).Msg("frame conversion failed")
		return nil, err
	}

	prog := p.Program(job.State)
	params := p.Params()
	out := &Output{
		Seq:         job.Frame.Seq,
		Timestamp:   job.Frame.Timestamp,
		Image:       base,
		Program:     prog.ID,
		Orientation: job.Orientation,
		Regions:     len(job.Rects),
		Fallback:    prog.ID != ProgramFor(job.State),
	}
	if len(prog.passes) == 0 {
		return out, nil
	}

	work := image.NewRGBA(base.Rect)
	copy(work.Pix, base.Pix)
	in := &passInput{
		img:     work,
		frame:   job.Frame,
		regions: newRegionTable(job.Rects, params.RegionPadding, mirror, p.cfg.RemoveCount),
		params:  params,
		mirror:  mirror,
	}

	passCtx, cancel := context.WithTimeout(ctx, p.cfg.PassTimeout)
	defer cancel()
	for _, ps := range prog.passes {
		if err := ps.apply(passCtx, in); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrPassTimeout
			}
			p.log.Warn().Err(err).Str("program", prog.Name()).Str("pass", ps.name()).Uint64("seq", job.Frame.Seq).Msg("pass failed, emitting base frame")
			out.Fallback = true
			out.Err = err
			return out, nil
		}
	}
	out.Image = work
	return out, nil
}
