package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

type recorder struct {
	mu     sync.Mutex
	events [][2]types.AnonState
}

func (r *recorder) OnStateTransition(from, to types.AnonState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, [2]types.AnonState{from, to})
}

type fakeRestarter struct {
	calls []types.AnonState
	err   error
	// seen is the controller state observed during the restart.
	seen []types.AnonState
	c    *Controller
}

func (f *fakeRestarter) Restart(_ context.Context, next types.AnonState) error {
	f.calls = append(f.calls, next)
	if f.c != nil {
		f.seen = append(f.seen, f.c.Current())
	}
	return f.err
}

func TestMaskChangesEmitOneEventEach(t *testing.T) {
	c := New(types.AnonState{}, nil, zerolog.Nop())
	rec := &recorder{}
	c.Subscribe(rec)
	ctx := context.Background()

	c.SetMask(ctx, types.MaskBlur)
	c.SetMask(ctx, types.MaskPixelate)

	if len(rec.events) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(rec.events))
	}
	if rec.events[0][0].Mask != types.MaskNone || rec.events[0][1].Mask != types.MaskBlur {
		t.Errorf("Unexpected first transition %v", rec.events[0])
	}
	if rec.events[1][0] != rec.events[0][1] || rec.events[1][1].Mask != types.MaskPixelate {
		t.Errorf("Second transition does not chain from the first: %v", rec.events)
	}
}

func TestNoOpChangeIsSilent(t *testing.T) {
	c := New(types.AnonState{Mask: types.MaskBlur}, nil, zerolog.Nop())
	rec := &recorder{}
	c.Subscribe(rec)
	c.SetMask(context.Background(), types.MaskBlur)
	if len(rec.events) != 0 {
		t.Errorf("Expected no transition for a no-op change, got %v", rec.events)
	}
}

func TestConcurrentChangesChain(t *testing.T) {
	c := New(types.AnonState{}, nil, zerolog.Nop())
	rec := &recorder{}
	c.Subscribe(rec)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.SetMask(context.Background(), types.MaskTypes[i%len(types.MaskTypes)])
		}(i)
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, ev := range rec.events {
		if ev[0] == ev[1] {
			t.Errorf("event %d is not a change: %v", i, ev)
		}
		if i > 0 && ev[0] != rec.events[i-1][1] {
			t.Errorf("event %d from=%v does not match previous to=%v", i, ev[0], rec.events[i-1][1])
		}
	}
}

func TestDomainChangeRestartsCameraBeforeApplying(t *testing.T) {
	fr := &fakeRestarter{}
	c := New(types.AnonState{Mask: types.MaskBlur}, fr, zerolog.Nop())
	fr.c = c
	rec := &recorder{}
	c.Subscribe(rec)

	if err := c.SetDomain(context.Background(), types.DomainBody); err != nil {
		t.Fatalf("SetDomain failed: %v", err)
	}
	if len(fr.calls) != 1 || fr.calls[0].Domain != types.DomainBody {
		t.Fatalf("Expected one restart for body domain, got %v", fr.calls)
	}
	if fr.seen[0].Domain != types.DomainFace {
		t.Errorf("Domain applied before restart completed: %v", fr.seen[0])
	}
	if len(rec.events) != 1 || rec.events[0][1].Domain != types.DomainBody {
		t.Errorf("Expected a single face->body transition, got %v", rec.events)
	}
	if c.DetectionActive() {
		t.Error("Detection should be inactive in body mode")
	}
	if c.Program() != effect.ProgramBodyBlur {
		t.Errorf("Expected body-blur program, got %v", c.Program())
	}
}

func TestMaskChangeDoesNotRestart(t *testing.T) {
	fr := &fakeRestarter{}
	c := New(types.AnonState{}, fr, zerolog.Nop())
	c.SetMask(context.Background(), types.MaskNoise)
	if len(fr.calls) != 0 {
		t.Errorf("Mask change restarted the camera: %v", fr.calls)
	}
}

func TestFailedRestartRollsBack(t *testing.T) {
	fr := &fakeRestarter{err: errors.New("device busy")}
	initial := types.AnonState{Mask: types.MaskPixelate}
	c := New(initial, fr, zerolog.Nop())
	rec := &recorder{}
	c.Subscribe(rec)

	err := c.SetFacing(context.Background(), types.FacingFront)
	if !errors.Is(err, ErrRestartFailed) {
		t.Fatalf("Expected ErrRestartFailed, got %v", err)
	}
	if c.Current() != initial {
		t.Errorf("Expected rollback to %v, got %v", initial, c.Current())
	}
	if len(rec.events) != 0 {
		t.Errorf("Expected no transition on failure, got %v", rec.events)
	}

	// The next change starts from a clean snapshot.
	fr.err = nil
	c.SetMask(context.Background(), types.MaskColor)
	if len(rec.events) != 1 || rec.events[0][0] != initial {
		t.Errorf("Expected transition from %v, got %v", initial, rec.events)
	}
}
