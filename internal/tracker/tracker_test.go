package tracker

import (
	"math"
	"math/rand"
	"testing"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

func det(id int, x, y, w, h float64) types.DetectedRegion {
	return types.DetectedRegion{ID: id, Bounds: types.Rect{X: x, Y: y, W: w, H: h}}
}

func newTracker(cfg Config) *Tracker {
	return New(cfg, zerolog.Nop())
}

func TestBoundedTrackingSet(t *testing.T) {
	tr := newTracker(DefaultConfig())
	rng := rand.New(rand.NewSource(42))

	for tick := 0; tick < 2000; tick++ {
		n := rng.Intn(9)
		var dets []types.DetectedRegion
		for i := 0; i < n; i++ {
			dets = append(dets, det(i, rng.Float64(), rng.Float64(), rng.Float64()*0.3, rng.Float64()*0.3))
		}
		before := tr.Len()
		out := tr.Update(dets)
		if len(out) > tr.Config().RemoveCount {
			t.Fatalf("tick %d: %d tracked regions exceeds removeCount %d", tick, len(out), tr.Config().RemoveCount)
		}
		if len(out) > before+1 {
			t.Fatalf("tick %d: tracked count grew from %d to %d", tick, before, len(out))
		}
	}
}

func TestEvictionAfterIdleThreshold(t *testing.T) {
	tr := newTracker(DefaultConfig())
	tr.Update([]types.DetectedRegion{det(1, 0.4, 0.4, 0.2, 0.2)})
	if tr.Len() != 1 {
		t.Fatalf("Expected 1 tracked region, got %d", tr.Len())
	}

	for i := 1; i < DefaultConfig().IdleThreshold; i++ {
		tr.Update(nil)
		if tr.Len() != 1 {
			t.Fatalf("Region evicted early after %d empty ticks", i)
		}
	}
	tr.Update(nil)
	if tr.Len() != 0 {
		t.Errorf("Expected eviction after %d empty ticks, still tracking %d", DefaultConfig().IdleThreshold, tr.Len())
	}
	if rects := tr.RenderRects(); len(rects) != 0 {
		t.Errorf("Expected no render rects after eviction, got %v", rects)
	}
}

func TestOnlyWorstMatchAges(t *testing.T) {
	tr := newTracker(DefaultConfig())
	tr.Update([]types.DetectedRegion{det(1, 0.1, 0.1, 0.2, 0.2)})
	both := []types.DetectedRegion{det(1, 0.1, 0.1, 0.2, 0.2), det(2, 0.7, 0.7, 0.2, 0.2)}
	tr.Update(both)
	tr.Update(both)
	if tr.Len() != 2 {
		t.Fatalf("Expected 2 tracked regions, got %d", tr.Len())
	}

	out := tr.Update([]types.DetectedRegion{det(9, 0.1, 0.1, 0.2, 0.2)})
	for _, r := range out {
		near := r.Bounds.X < 0.5
		if near && r.IdleFrameCount != 0 {
			t.Errorf("Matching region aged: %+v", r)
		}
		if !near && r.IdleFrameCount != 1 {
			t.Errorf("Unmatched region should age by one, got %+v", r)
		}
	}
}

func TestSnapOnJump(t *testing.T) {
	tr := newTracker(DefaultConfig())
	tr.Update([]types.DetectedRegion{det(1, 0.1, 0.1, 0.2, 0.2)})
	tr.Update([]types.DetectedRegion{det(1, 0.1, 0.1, 0.2, 0.2)})

	target := types.Rect{X: 0.6, Y: 0.5, W: 0.25, H: 0.25}
	out := tr.Update([]types.DetectedRegion{{ID: 7, Bounds: target}})
	if len(out) != 1 {
		t.Fatalf("Expected 1 region, got %d", len(out))
	}
	if out[0].Bounds != target {
		t.Errorf("Expected snap to %+v, got %+v", target, out[0].Bounds)
	}
}

func TestSmoothingConvergence(t *testing.T) {
	tr := newTracker(DefaultConfig())
	start := types.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}
	target := types.Rect{X: 0.15, Y: 0.12, W: 0.22, H: 0.2}
	// Settle onto start: a blend from the full frame, then a snap.
	tr.Update([]types.DetectedRegion{{Bounds: start}})
	tr.Update([]types.DetectedRegion{{Bounds: start}})

	out := tr.Update([]types.DetectedRegion{{Bounds: target}})
	wantX := start.X + (target.X-start.X)/3
	if math.Abs(out[0].Bounds.X-wantX) > 1e-12 {
		t.Fatalf("Expected first tick to blend 1/3 toward target (x=%f), got %f", wantX, out[0].Bounds.X)
	}

	// Error shrinks by 2/3 per tick: 0.09 * (2/3)^k < 1e-3 for k >= 12.
	for i := 0; i < 11; i++ {
		out = tr.Update([]types.DetectedRegion{{Bounds: target}})
	}
	if d := out[0].Bounds.Distance(target); d > 1e-3 {
		t.Errorf("Expected convergence within 1e-3, still %f away", d)
	}
}

func TestSingleRegionScenario(t *testing.T) {
	tr := newTracker(DefaultConfig())
	target := types.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}

	def := tr.Config().DefaultBounds
	want1 := types.Rect{
		X: def.X + (target.X-def.X)/3,
		Y: def.Y + (target.Y-def.Y)/3,
		W: def.W + (target.W-def.W)/3,
		H: def.H + (target.H-def.H)/3,
	}

	var out []types.TrackedRegion
	for tick := 1; tick <= 10; tick++ {
		out = tr.Update([]types.DetectedRegion{{ID: tick, Bounds: target}})
		if tick == 1 && out[0].Bounds.Distance(want1) > 1e-9 {
			t.Fatalf("tick 1: bounds %+v, want default blended 1/3 toward target %+v", out[0].Bounds, want1)
		}
		if tick >= 6 && out[0].Bounds.Distance(target) > 0.01 {
			t.Fatalf("tick %d: bounds %+v not within 1%% of target", tick, out[0].Bounds)
		}
	}
	if len(out) != 1 {
		t.Errorf("Expected exactly 1 tracked region, got %d", len(out))
	}
	if out[0].ID != 1 {
		t.Errorf("Expected tracking identity to stay 1 while detector ids churn, got %d", out[0].ID)
	}
}

func TestDetectionBurstPromotesOnePerTick(t *testing.T) {
	tr := newTracker(DefaultConfig())
	var burst []types.DetectedRegion
	for i := 0; i < 6; i++ {
		burst = append(burst, det(i, float64(i)*0.15, 0.1, 0.1, 0.1))
	}

	want := []int{1, 2, 3, 4, 4, 4}
	for tick, n := range want {
		out := tr.Update(burst)
		if len(out) != n {
			t.Fatalf("tick %d: expected %d tracked regions, got %d", tick+1, n, len(out))
		}
	}
}

func TestRenderRectsStayInFrameSpace(t *testing.T) {
	tr := newTracker(DefaultConfig())
	face := types.Rect{X: 0.1, Y: 0.2, W: 0.3, H: 0.4}
	tr.Update([]types.DetectedRegion{{Bounds: face}})
	tr.Update([]types.DetectedRegion{{Bounds: face}})

	rects := tr.RenderRects()
	if len(rects) != 1 || rects[0] != face {
		t.Errorf("Expected render rect %+v in detection space, got %v", face, rects)
	}
}

func TestPromotionAtCapacitySeedsFromReplacedRegion(t *testing.T) {
	tr := newTracker(Config{RemoveCount: 1})
	old := types.Rect{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}
	tr.Update([]types.DetectedRegion{{Bounds: old}})
	tr.Update([]types.DetectedRegion{{Bounds: old}})

	next := types.Rect{X: 0.5, Y: 0.1, W: 0.2, H: 0.2}
	out := tr.Update([]types.DetectedRegion{{Bounds: old}, {Bounds: next}})
	if len(out) != 1 {
		t.Fatalf("Expected 1 tracked region at capacity, got %d", len(out))
	}
	if out[0].ID != 2 {
		t.Errorf("Expected the slot to be replaced by id 2, got %d", out[0].ID)
	}
	if out[0].Bounds != old {
		t.Errorf("Expected the new region to start from the replaced bounds %+v, got %+v", old, out[0].Bounds)
	}
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	tr := newTracker(Config{})
	if tr.Config() != DefaultConfig() {
		t.Errorf("Expected defaults, got %+v", tr.Config())
	}
}
