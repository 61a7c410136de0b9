// Package state owns the pipeline configuration and its transition protocol.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/rs/zerolog"
)

// ErrRestartFailed wraps a camera restart failure. The state is rolled back.
var ErrRestartFailed = errors.New("camera restart failed")

// CameraRestarter tears down and recreates the capture session for a state.
type CameraRestarter interface {
	Restart(ctx context.Context, next types.AnonState) error
}

// TransitionObserver is notified once per net configuration change.
// Observers must not call back into the Controller synchronously.
type TransitionObserver interface {
	OnStateTransition(from, to types.AnonState)
}

// TransitionFunc adapts a function to TransitionObserver.
type TransitionFunc func(from, to types.AnonState)

func (f TransitionFunc) OnStateTransition(from, to types.AnonState) { f(from, to) }

// Controller is the single writer of AnonState.
type Controller struct {
	log       zerolog.Logger
	restarter CameraRestarter

	// applyMu serializes whole transitions, including camera restarts.
	applyMu sync.Mutex

	mu        sync.RWMutex
	current   types.AnonState
	from      *types.AnonState
	observers []TransitionObserver
}

// New creates a Controller. restarter may be nil when there is no camera.
func New(initial types.AnonState, restarter CameraRestarter, log zerolog.Logger) *Controller {
	return &Controller{
		current:   initial,
		restarter: restarter,
		log:       log.With().Str("component", "state").Logger(),
	}
}

// SetRestarter replaces the camera restarter.
func (c *Controller) SetRestarter(r CameraRestarter) {
	c.applyMu.Lock()
	c.restarter = r
	c.applyMu.Unlock()
}

// Subscribe registers an observer.
func (c *Controller) Subscribe(o TransitionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Current returns a snapshot of the configuration.
func (c *Controller) Current() types.AnonState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Program returns the effect program for the current state.
func (c *Controller) Program() effect.ProgramID {
	return effect.ProgramFor(c.Current())
}

// DetectionActive reports whether face detection needs to run.
func (c *Controller) DetectionActive() bool {
	return c.Current().DetectionActive()
}

func (c *Controller) SetMask(ctx context.Context, m types.MaskType) error {
	return c.Apply(ctx, func(s *types.AnonState) { s.Mask = m })
}

func (c *Controller) SetDomain(ctx context.Context, d types.Domain) error {
	return c.Apply(ctx, func(s *types.AnonState) { s.Domain = d })
}

func (c *Controller) SetFacing(ctx context.Context, f types.Facing) error {
	return c.Apply(ctx, func(s *types.AnonState) { s.Facing = f })
}

func (c *Controller) SetLens(ctx context.Context, l types.Lens) error {
	return c.Apply(ctx, func(s *types.AnonState) { s.Lens = l })
}

// Apply runs one logical change. Camera-affecting changes (domain, facing,
// lens) restart the camera first; mask and domain are applied only after
// the restart returns. Observers see exactly one (from, to) event for the
// net change, or none if nothing changed.
func (c *Controller) Apply(ctx context.Context, mutate func(*types.AnonState)) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if c.from == nil {
		f := c.current
		c.from = &f
	}
	next := c.current
	mutate(&next)
	cur := c.current
	c.mu.Unlock()

	needsRestart := next.Domain != cur.Domain || next.Facing != cur.Facing || next.Lens != cur.Lens
	if needsRestart && c.restarter != nil {
		// Camera axes take effect with the new session; mask/domain wait for it.
		c.setCurrent(types.AnonState{Facing: next.Facing, Lens: next.Lens, Domain: cur.Domain, Mask: cur.Mask})
		if err := c.restarter.Restart(ctx, next); err != nil {
			c.rollback()
			c.log.Error().Err(err).Str("to", next.String()).Msg("camera restart failed")
			return fmt.Errorf("%w: %v", ErrRestartFailed, err)
		}
	}
	c.setCurrent(next)

	from, to, changed := c.settle()
	if changed {
		c.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
		c.notify(from, to)
	}
	return nil
}

func (c *Controller) setCurrent(s types.AnonState) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *Controller) rollback() {
	c.mu.Lock()
	if c.from != nil {
		c.current = *c.from
	}
	c.from = nil
	c.mu.Unlock()
}

// settle clears the pending snapshot and returns the net change.
func (c *Controller) settle() (from, to types.AnonState, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.from == nil {
		return c.current, c.current, false
	}
	from, to = *c.from, c.current
	c.from = nil
	return from, to, from != to
}

func (c *Controller) notify(from, to types.AnonState) {
	c.mu.RLock()
	observers := append([]TransitionObserver(nil), c.observers...)
	c.mu.RUnlock()
	for _, o := range observers {
		o.OnStateTransition(from, to)
	}
}
