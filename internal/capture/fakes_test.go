package capture

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"testing"

	"github.com/andresmejia3/veil/internal/types"
)

type fakeTrack struct {
	path   string
	mu     sync.Mutex
	frames int
	closed bool
}

func (t *fakeTrack) WriteFrame(*image.RGBA) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++
	return nil
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return os.WriteFile(t.path, []byte("video"), 0o644)
}

func (t *fakeTrack) Abort() {}

type fakeEncoder struct {
	tracks []*fakeTrack
	err    error
}

func (e *fakeEncoder) NewTrack(_ context.Context, path string, _, _ int, _ float64) (VideoTrack, error) {
	if e.err != nil {
		return nil, e.err
	}
	// Simulate the encoder creating its output as soon as it starts.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, err
	}
	t := &fakeTrack{path: path}
	e.tracks = append(e.tracks, t)
	return t, nil
}

type fakeAudioCapture struct {
	path    string
	stopErr error
}

func (a *fakeAudioCapture) Stop() error {
	if a.stopErr != nil {
		return a.stopErr
	}
	return os.WriteFile(a.path, []byte("audio"), 0o644)
}
func (a *fakeAudioCapture) Abort()      {}

type fakeAudio struct {
	err error
	// stopErr is returned by the capture's Stop.
	stopErr error
}

func (a *fakeAudio) StartAudio(_ context.Context, path string) (AudioCapture, error) {
	if a.err != nil {
		return nil, a.err
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, err
	}
	return &fakeAudioCapture{path: path, stopErr: a.stopErr}, nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	plans   []MuxPlan
	cents   []int
	entered chan struct{}
	// block makes Mux wait for ctx cancellation.
	block bool
}

func (p *fakeProcessor) DistortVoice(_ context.Context, in, out string, cents int) error {
	p.mu.Lock()
	p.cents = append(p.cents, cents)
	p.mu.Unlock()
	return os.WriteFile(out, []byte("distorted"), 0o644)
}

func (p *fakeProcessor) Mux(ctx context.Context, plan MuxPlan) error {
	p.mu.Lock()
	p.plans = append(p.plans, plan)
	p.mu.Unlock()
	if err := os.WriteFile(plan.OutputPath, []byte("partial"), 0o644); err != nil {
		return err
	}
	if p.entered != nil {
		close(p.entered)
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakeProcessor) lastPlan(t *testing.T) MuxPlan {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.plans) == 0 {
		t.Fatal("Mux was never called")
	}
	return p.plans[len(p.plans)-1]
}

type fakeLibrary struct {
	mu     sync.Mutex
	assets []types.Asset
	err    error
	// gate, when set, is received from before each save completes.
	gate    chan struct{}
	active  int
	maxSeen int
}

func (l *fakeLibrary) SaveAsset(_ context.Context, a types.Asset) (string, error) {
	l.mu.Lock()
	l.active++
	if l.active > l.maxSeen {
		l.maxSeen = l.active
	}
	l.mu.Unlock()

	if l.gate != nil {
		<-l.gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	if l.err != nil {
		return "", l.err
	}
	l.assets = append(l.assets, a)
	return "asset-" + a.SessionID + string(a.Kind), nil
}

var errDenied = errors.New("permission denied")

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	return img
}

func assertGone(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be removed", p)
		}
	}
}
