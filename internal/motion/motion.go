// Package motion turns raw accelerometer samples into a debounced device orientation.
package motion

import (
	"math"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
)

// DefaultConsistentSamples is how many identical readings are needed to switch.
const DefaultConsistentSamples = 3

// Debouncer classifies gravity vectors and only reports an orientation change
// after N consecutive samples agree, which keeps the output stable near the
// 45°/135° boundaries.
type Debouncer struct {
	mu        sync.Mutex
	need      int
	current   types.Orientation
	candidate types.Orientation
	streak    int
}

// NewDebouncer returns a Debouncer starting in portrait.
func NewDebouncer(consistent int) *Debouncer {
	if consistent < 1 {
		consistent = DefaultConsistentSamples
	}
	return &Debouncer{need: consistent}
}

// Current returns the last committed orientation.
func (d *Debouncer) Current() types.Orientation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Feed takes one accelerometer sample (in g, device axes) and returns the
// committed orientation and whether this sample changed it.
func (d *Debouncer) Feed(x, y, z float64) (types.Orientation, bool) {
	o, ok := Classify(x, y, z)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !ok {
		// Flat on a table: keep whatever we had.
		d.streak = 0
		return d.current, false
	}
	if o == d.current {
		d.streak = 0
		return d.current, false
	}
	if o != d.candidate {
		d.candidate = o
		d.streak = 0
	}
	d.streak++
	if d.streak < d.need {
		return d.current, false
	}
	d.current = o
	d.streak = 0
	return d.current, true
}

// Classify maps a gravity vector to one of four orientations. ok is false
// when the device is lying flat and no orientation can be derived.
func Classify(x, y, z float64) (types.Orientation, bool) {
	if math.Abs(z) > 0.8 && math.Abs(x) < 0.4 && math.Abs(y) < 0.4 {
		return types.OrientationPortrait, false
	}
	if math.Abs(y) >= math.Abs(x) {
		if y < 0 {
			return types.OrientationPortrait, true
		}
		return types.OrientationPortraitUpsideDown, true
	}
	if x < 0 {
		return types.OrientationLandscapeLeft, true
	}
	return types.OrientationLandscapeRight, true
}
