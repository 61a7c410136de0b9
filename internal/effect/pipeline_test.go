package effect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

// checkerFrame builds a w x h NV12 frame with an 8px black/white checkerboard.
func checkerFrame(w, h int, seq uint64) *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/8+y/8)%2 == 0 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	yp, uv := EncodeNV12(img)
	return &types.Frame{Seq: seq, Width: w, Height: h, Y: yp, UV: uv}
}

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return New(DefaultConfig(), zerolog.Nop())
}

func pixel(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func TestDispatchCoversEveryState(t *testing.T) {
	for _, m := range types.MaskTypes {
		for _, d := range types.Domains {
			id := ProgramFor(types.AnonState{Mask: m, Domain: d})
			if m == types.MaskNone && id != ProgramBase {
				t.Errorf("%v/%v: expected base program, got %v", m, d, id)
			}
			if m != types.MaskNone && id == ProgramBase {
				t.Errorf("%v/%v: expected a dedicated program", m, d)
			}
		}
	}
}

func TestArenaBuildsEveryProgram(t *testing.T) {
	p := newPipeline(t)
	for id := ProgramID(0); id < numPrograms; id++ {
		if p.arena[id] == nil {
			t.Errorf("program %v missing from arena", id)
		}
	}
}

func TestNoneRendersPlainImage(t *testing.T) {
	p := newPipeline(t)
	f := checkerFrame(64, 64, 1)
	out, err := p.Render(context.Background(), Job{Frame: f, Rects: []types.Rect{{X: 0, Y: 0, W: 1, H: 1}}})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out.Program != ProgramBase || out.Fallback {
		t.Errorf("Expected base program without fallback, got %v fallback=%v", out.Program, out.Fallback)
	}
	if c := pixel(out.Image, 1, 1); c.R < 200 {
		t.Errorf("Expected white top-left pixel, got %v", c)
	}
}

func TestColorFillOnlyInsideRegion(t *testing.T) {
	p := newPipeline(t)
	p.SetRegionPadding(0)
	f := checkerFrame(64, 64, 1)
	state := types.AnonState{Mask: types.MaskColor, Domain: types.DomainFace}
	rect := types.Rect{X: 0, Y: 0, W: 0.5, H: 0.5}

	out, err := p.Render(context.Background(), Job{Frame: f, Rects: []types.Rect{rect}, State: state})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if c := pixel(out.Image, 1, 1); c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("Expected black fill inside region, got %v", c)
	}
	if c := pixel(out.Image, 48, 48); c.R < 200 {
		t.Errorf("Expected untouched white pixel outside region, got %v", c)
	}
}

func TestPixelateUsesBlockTopLeft(t *testing.T) {
	p := newPipeline(t)
	p.SetRegionPadding(0)
	p.SetPixelWidth(16)
	f := checkerFrame(64, 64, 1)
	state := types.AnonState{Mask: types.MaskPixelate, Domain: types.DomainFace}

	out, err := p.Render(context.Background(), Job{Frame: f, Rects: []types.Rect{{X: 0, Y: 0, W: 1, H: 1}}, State: state})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	// (8,0) is black in the checkerboard but its 16px block starts at white (0,0).
	if c := pixel(out.Image, 8, 0); c.R < 200 {
		t.Errorf("Expected block colour of (0,0), got %v", c)
	}
}

func TestEmptyRegionsPassThrough(t *testing.T) {
	p := newPipeline(t)
	f := checkerFrame(32, 32, 1)
	for _, m := range []types.MaskType{types.MaskBlur, types.MaskPixelate, types.MaskColor, types.MaskNoise} {
		out, err := p.Render(context.Background(), Job{Frame: f, State: types.AnonState{Mask: m}})
		if err != nil {
			t.Fatalf("%v: Render failed: %v", m, err)
		}
		if c := pixel(out.Image, 1, 1); c.R < 200 {
			t.Errorf("%v: expected unmasked frame with no regions, got %v", m, c)
		}
	}
}

func TestBodyWithoutMatteFallsBack(t *testing.T) {
	p := newPipeline(t)
	f := checkerFrame(32, 32, 1)
	out, err := p.Render(context.Background(), Job{Frame: f, State: types.AnonState{Mask: types.MaskColor, Domain: types.DomainBody}})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !out.Fallback || !errors.Is(out.Err, ErrNoMatte) {
		t.Errorf("Expected fallback with ErrNoMatte, got fallback=%v err=%v", out.Fallback, out.Err)
	}
	if c := pixel(out.Image, 1, 1); c.R < 200 {
		t.Errorf("Expected base frame on fallback, got %v", c)
	}
}

func TestMatteBodyAndInvert(t *testing.T) {
	p := newPipeline(t)
	f := checkerFrame(32, 32, 1)
	f.Matte = make([]byte, 32*32)
	// Left half is the person.
	for y := 0; y < 32; y++ {
		for x := 0; x < 16; x++ {
			f.Matte[y*32+x] = 255
		}
	}

	body, _ := p.Render(context.Background(), Job{Frame: f, State: types.AnonState{Mask: types.MaskColor, Domain: types.DomainBody}})
	if c := pixel(body.Image, 0, 0); c.R != 0 {
		t.Errorf("body: expected person pixel filled, got %v", c)
	}
	if c := pixel(body.Image, 16, 0); c.R < 200 {
		t.Errorf("body: expected background untouched, got %v", c)
	}

	inv, _ := p.Render(context.Background(), Job{Frame: f, State: types.AnonState{Mask: types.MaskColor, Domain: types.DomainInvert}})
	if c := pixel(inv.Image, 0, 0); c.R < 200 {
		t.Errorf("invert: expected person untouched, got %v", c)
	}
	if c := pixel(inv.Image, 16, 0); c.R != 0 {
		t.Errorf("invert: expected background filled, got %v", c)
	}
}

func TestBrokenProgramUsesBase(t *testing.T) {
	orig := builders[ProgramFaceBlur]
	builders[ProgramFaceBlur] = func(Config) (*Program, error) { return nil, errors.New("texture allocation failed") }
	defer func() { builders[ProgramFaceBlur] = orig }()

	p := newPipeline(t)
	state := types.AnonState{Mask: types.MaskBlur, Domain: types.DomainFace}
	if got := p.Program(state).ID; got != ProgramBase {
		t.Fatalf("Expected base program, got %v", got)
	}
	out, err := p.Render(context.Background(), Job{Frame: checkerFrame(32, 32, 1), Rects: []types.Rect{{W: 1, H: 1}}, State: state})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !out.Fallback {
		t.Error("Expected output flagged as fallback")
	}
}

type stuckPass struct{}

func (stuckPass) name() string { return "stuck" }
func (stuckPass) apply(ctx context.Context, _ *passInput) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWatchdogTimesOutStalledPass(t *testing.T) {
	orig := builders[ProgramFaceNoise]
	builders[ProgramFaceNoise] = func(Config) (*Program, error) {
		return &Program{ID: ProgramFaceNoise, passes: []pass{stuckPass{}}}, nil
	}
	defer func() { builders[ProgramFaceNoise] = orig }()

	cfg := DefaultConfig()
	cfg.PassTimeout = 20 * time.Millisecond
	p := New(cfg, zerolog.Nop())

	out, err := p.Render(context.Background(), Job{Frame: checkerFrame(16, 16, 1), State: types.AnonState{Mask: types.MaskNoise}})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !errors.Is(out.Err, ErrPassTimeout) || !out.Fallback {
		t.Errorf("Expected ErrPassTimeout fallback, got %v", out.Err)
	}
}

type blockingPass struct {
	running *int32
	peak    *int32
	release chan struct{}
}

func (b blockingPass) name() string { return "blocking" }
func (b blockingPass) apply(ctx context.Context, _ *passInput) error {
	n := atomic.AddInt32(b.running, 1)
	for {
		p := atomic.LoadInt32(b.peak)
		if n <= p || atomic.CompareAndSwapInt32(b.peak, p, n) {
			break
		}
	}
	<-b.release
	atomic.AddInt32(b.running, -1)
	return nil
}

func TestInFlightLimit(t *testing.T) {
	var running, peak int32
	release := make(chan struct{})
	orig := builders[ProgramFaceColor]
	builders[ProgramFaceColor] = func(Config) (*Program, error) {
		return &Program{ID: ProgramFaceColor, passes: []pass{blockingPass{&running, &peak, release}}}, nil
	}
	defer func() { builders[ProgramFaceColor] = orig }()

	p := newPipeline(t)
	var mu sync.Mutex
	var seen []uint64
	p.AddConsumer(ConsumerFunc(func(out *Output) {
		mu.Lock()
		seen = append(seen, out.Seq)
		mu.Unlock()
	}))

	ctx := context.Background()
	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 6; i++ {
			_ = p.Submit(ctx, Job{Frame: checkerFrame(16, 16, uint64(i)), State: types.AnonState{Mask: types.MaskColor}})
		}
		close(submitted)
	}()

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&running); got != 3 {
		t.Errorf("Expected 3 renders in flight, got %d", got)
	}
	close(release)
	<-submitted
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if peak := atomic.LoadInt32(&peak); peak > 3 {
		t.Errorf("In-flight peak %d exceeds limit", peak)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 6 {
		t.Errorf("Expected 6 completed frames, got %d", len(seen))
	}
}

func TestBlurScaleEasesOut(t *testing.T) {
	if BlurScale(0) != 0 {
		t.Errorf("Expected 0 at zero area")
	}
	if BlurScale(1) != 4 {
		t.Errorf("Expected cap of 4, got %f", BlurScale(1))
	}
	prev := 0.0
	for a := 0.01; a <= referenceArea; a += 0.01 {
		s := BlurScale(a)
		if s < prev {
			t.Fatalf("BlurScale not monotonic at %f", a)
		}
		prev = s
	}
}

func TestDeferredLayout(t *testing.T) {
	p := newPipeline(t)
	p.CameraChanged(1920, 1080)
	if _, ok := p.Layout(); ok {
		t.Fatal("Layout computed before the view had a size")
	}
	p.SetViewSize(1080, 1080)
	fit, ok := p.Layout()
	if !ok {
		t.Fatal("Expected layout once view is sized")
	}
	if fit.ScaleX != 1 || fit.ScaleY >= 1 || fit.OffsetY <= 0 {
		t.Errorf("Unexpected fit for wide camera in square view: %+v", fit)
	}
}

func TestRegionTableMirror(t *testing.T) {
	tbl := newRegionTable([]types.Rect{{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}}, 0, true, 4)
	if tbl.Len() != 1 {
		t.Fatalf("Expected 1 region, got %d", tbl.Len())
	}
	if !tbl.Contains(0.65, 0.3) || tbl.Contains(0.2, 0.3) {
		t.Errorf("Mirrored table contains wrong points: %v", tbl)
	}
}

// faceFrame builds a white frame with a mid-gray face in the top-left quarter.
func faceFrame(w, h int) *types.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{255, 255, 255, 255}
			if x < w/4 && y < h/4 {
				c = color.RGBA{128, 128, 128, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	yp, uv := EncodeNV12(img)
	return &types.Frame{Seq: 1, Width: w, Height: h, Y: yp, UV: uv}
}

func TestFrontCameraRegionCoversFace(t *testing.T) {
	face := types.Rect{X: 0, Y: 0, W: 0.25, H: 0.25}
	state := types.AnonState{Mask: types.MaskColor, Domain: types.DomainFace, Facing: types.FacingFront}

	for _, mirror := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.MirrorFront = mirror
		p := New(cfg, zerolog.Nop())
		p.SetRegionPadding(0)

		out, err := p.Render(context.Background(), Job{Frame: faceFrame(64, 64), Rects: []types.Rect{face}, State: state})
		if err != nil {
			t.Fatalf("mirror=%v: Render failed: %v", mirror, err)
		}
		faceX, clearX := 4, 59
		if mirror {
			faceX, clearX = clearX, faceX
		}
		if c := pixel(out.Image, faceX, 4); c.R != 0 || c.G != 0 || c.B != 0 {
			t.Errorf("mirror=%v: face pixel (%d,4) not redacted: %v", mirror, faceX, c)
		}
		if c := pixel(out.Image, clearX, 4); c.R < 200 {
			t.Errorf("mirror=%v: background pixel (%d,4) was redacted: %v", mirror, clearX, c)
		}
	}
}
