// Package tracker keeps a small, stable set of face regions across frames.
//
// Detector output is noisy: identities change every frame, boxes jitter and
// faces blink in and out. The Tracker turns that into at most RemoveCount
// regions that move smoothly, snap on large jumps and fade out after a few
// frames without a matching detection.
package tracker

import (
	"math"
	"sort"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

// Config holds the tracking tunables.
type Config struct {
	// RemoveCount bounds the number of tracked regions.
	RemoveCount int
	// IdleThreshold is the idle frame count at which a region is evicted.
	IdleThreshold int
	// SmoothingFactor divides the remaining distance each tick (1 = snap).
	SmoothingFactor float64
	// JumpDistance is the match distance above which bounds snap.
	JumpDistance float64
	// DefaultBounds seeds a region promoted into an empty slot. The full
	// frame keeps a new face covered while the region settles onto it.
	DefaultBounds types.Rect
}

// DefaultConfig returns the empirically tuned defaults.
func DefaultConfig() Config {
	return Config{
		RemoveCount:     4,
		IdleThreshold:   4,
		SmoothingFactor: 3,
		JumpDistance:    0.2,
		DefaultBounds:   types.Rect{W: 1, H: 1},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RemoveCount < 1 {
		c.RemoveCount = d.RemoveCount
	}
	if c.IdleThreshold < 1 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.SmoothingFactor < 1 {
		c.SmoothingFactor = d.SmoothingFactor
	}
	if c.JumpDistance <= 0 {
		c.JumpDistance = d.JumpDistance
	}
	if c.DefaultBounds.Area() == 0 {
		c.DefaultBounds = d.DefaultBounds
	}
	return c
}

// Tracker owns the tracked region set. It is not safe for concurrent use:
// the frame processing goroutine is its only writer.
type Tracker struct {
	cfg     Config
	log     zerolog.Logger
	tracked []*types.TrackedRegion
	nextID  int
	// fresh was promoted this tick; its first step is always a blend.
	fresh *types.TrackedRegion
}

// New creates a Tracker. Zero config fields fall back to DefaultConfig.
func New(cfg Config, log zerolog.Logger) *Tracker {
	return &Tracker{
		cfg: cfg.withDefaults(),
		log: log.With().Str("component", "tracker").Logger(),
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Reset drops every tracked region.
func (t *Tracker) Reset() {
	t.tracked = nil
	t.fresh = nil
}

// Len returns the number of tracked regions.
func (t *Tracker) Len() int { return len(t.tracked) }

// Snapshot returns a copy of the tracked regions.
func (t *Tracker) Snapshot() []types.TrackedRegion {
	out := make([]types.TrackedRegion, len(t.tracked))
	for i, r := range t.tracked {
		out[i] = *r
	}
	return out
}

// Update folds one tick of detections into the tracked set and returns a snapshot.
func (t *Tracker) Update(detected []types.DetectedRegion) []types.TrackedRegion {
	t.reconcilePopulation(detected)
	t.matchAndSmooth(detected)
	t.fresh = nil
	return t.Snapshot()
}

// reconcilePopulation ages, evicts or promotes so the tracked count follows
// the detection count by at most one change per tick.
func (t *Tracker) reconcilePopulation(detected []types.DetectedRegion) {
	switch {
	case len(t.tracked) == len(detected):
		for _, r := range t.tracked {
			r.IdleFrameCount = 0
		}

	case len(t.tracked) > len(detected):
		if len(detected) == 0 {
			for _, r := range t.tracked {
				r.IdleFrameCount++
			}
		} else {
			worst, worstDist := -1, -1.0
			for i, r := range t.tracked {
				d := nearest(r.Bounds, detected)
				if d > worstDist {
					worst, worstDist = i, d
				}
			}
			t.tracked[worst].IdleFrameCount++
		}
		t.evict()

	default:
		t.promote(detected)
	}
}

func (t *Tracker) evict() {
	kept := t.tracked[:0]
	for _, r := range t.tracked {
		if r.IdleFrameCount >= t.cfg.IdleThreshold {
			t.log.Debug().Int("id", r.ID).Int("idle", r.IdleFrameCount).Msg("region evicted")
			continue
		}
		kept = append(kept, r)
	}
	// Clear the tail so evicted regions can be collected.
	for i := len(kept); i < len(t.tracked); i++ {
		t.tracked[i] = nil
	}
	t.tracked = kept
}

// promote starts tracking the single most novel detection. The new region
// starts from DefaultBounds, or at capacity from the bounds of the closest
// tracked region it replaces, and is then smoothed toward its match.
func (t *Tracker) promote(detected []types.DetectedRegion) {
	novel, novelDist := -1, -1.0
	for i, d := range detected {
		dist := math.Inf(1)
		for _, r := range t.tracked {
			if dd := r.Bounds.Distance(d.Bounds); dd < dist {
				dist = dd
			}
		}
		if dist > novelDist {
			novel, novelDist = i, dist
		}
	}
	if novel < 0 {
		return
	}
	bounds := detected[novel].Bounds

	if len(t.tracked) < t.cfg.RemoveCount {
		t.nextID++
		t.fresh = &types.TrackedRegion{ID: t.nextID, Bounds: t.cfg.DefaultBounds}
		t.tracked = append(t.tracked, t.fresh)
		t.log.Debug().Int("id", t.nextID).Msg("region promoted")
		return
	}

	closest, closestDist := 0, math.Inf(1)
	for i, r := range t.tracked {
		if d := r.Bounds.Distance(bounds); d < closestDist {
			closest, closestDist = i, d
		}
	}
	t.nextID++
	t.log.Debug().Int("replaced", t.tracked[closest].ID).Int("id", t.nextID).Msg("region replaced at capacity")
	t.fresh = &types.TrackedRegion{ID: t.nextID, Bounds: t.tracked[closest].Bounds}
	t.tracked[closest] = t.fresh
}

// matchAndSmooth greedily pairs tracked regions with detections, closest
// pair first, and moves each tracked region toward its detection.
func (t *Tracker) matchAndSmooth(detected []types.DetectedRegion) {
	if len(t.tracked) == 0 || len(detected) == 0 {
		return
	}

	claimed := make([]bool, len(detected))
	done := make([]bool, len(t.tracked))

	type candidate struct {
		tracked, detection int
		dist               float64
	}

	for {
		var cands []candidate
		for ti, r := range t.tracked {
			if done[ti] {
				continue
			}
			best, bestDist := -1, math.Inf(1)
			for di, d := range detected {
				if claimed[di] {
					continue
				}
				if dist := r.Bounds.Distance(d.Bounds); dist < bestDist {
					best, bestDist = di, dist
				}
			}
			if best >= 0 {
				cands = append(cands, candidate{ti, best, bestDist})
			}
		}
		if len(cands) == 0 {
			return
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

		c := cands[0]
		claimed[c.detection] = true
		done[c.tracked] = true
		t.smooth(t.tracked[c.tracked], detected[c.detection].Bounds, c.dist)
	}
}

func (t *Tracker) smooth(r *types.TrackedRegion, target types.Rect, dist float64) {
	factor := t.cfg.SmoothingFactor
	if r != t.fresh && (dist > t.cfg.JumpDistance || factor == 1) {
		r.Bounds = target
		return
	}
	r.Bounds.X += (target.X - r.Bounds.X) / factor
	r.Bounds.Y += (target.Y - r.Bounds.Y) / factor
	r.Bounds.W += (target.W - r.Bounds.W) / factor
	r.Bounds.H += (target.H - r.Bounds.H) / factor
}

// RenderRects returns at most RemoveCount tracked bounds for the renderer.
// Detections are made on the rendered frame, so no conversion is needed.
func (t *Tracker) RenderRects() []types.Rect {
	n := len(t.tracked)
	if n > t.cfg.RemoveCount {
		n = t.cfg.RemoveCount
	}
	out := make([]types.Rect, 0, n)
	for _, r := range t.tracked[:n] {
		out = append(out, r.Bounds)
	}
	return out
}

func nearest(b types.Rect, detected []types.DetectedRegion) float64 {
	best := math.Inf(1)
	for _, d := range detected {
		if dist := b.Distance(d.Bounds); dist < best {
			best = dist
		}
	}
	return best
}
