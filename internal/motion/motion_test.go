package motion

import (
	"testing"

	"github.com/andresmejia3/veil/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		x, y, z float64
		want    types.Orientation
		ok      bool
	}{
		{"Upright", 0, -1, 0, types.OrientationPortrait, true},
		{"Upside down", 0, 1, 0, types.OrientationPortraitUpsideDown, true},
		{"Left", -1, 0, 0, types.OrientationLandscapeLeft, true},
		{"Right", 1, 0, 0, types.OrientationLandscapeRight, true},
		{"Flat", 0.1, 0.1, -0.98, types.OrientationPortrait, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.x, tt.y, tt.z)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Classify(%v,%v,%v) = %v,%v want %v,%v", tt.x, tt.y, tt.z, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDebounceRequiresConsistentSamples(t *testing.T) {
	d := NewDebouncer(3)

	if _, changed := d.Feed(-1, 0, 0); changed {
		t.Fatal("Switched after 1 sample")
	}
	if _, changed := d.Feed(-1, 0, 0); changed {
		t.Fatal("Switched after 2 samples")
	}
	o, changed := d.Feed(-1, 0, 0)
	if !changed || o != types.OrientationLandscapeLeft {
		t.Fatalf("Expected switch to landscape-left on 3rd sample, got %v changed=%v", o, changed)
	}
}

func TestDebounceIgnoresFlicker(t *testing.T) {
	d := NewDebouncer(3)
	// Hovering around 45°: alternating readings must never commit.
	samples := [][2]float64{{-0.72, -0.69}, {-0.69, -0.72}, {-0.72, -0.69}, {-0.69, -0.72}, {-0.72, -0.69}}
	for i, s := range samples {
		if _, changed := d.Feed(s[0], s[1], 0); changed {
			t.Fatalf("Sample %d caused a switch", i)
		}
	}
	if d.Current() != types.OrientationPortrait {
		t.Errorf("Expected to remain portrait, got %v", d.Current())
	}
}
