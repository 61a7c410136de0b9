package capture

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/veil/internal/types"
)

// DefaultTrimLead is discarded from the start of every recording while the
// encoder settles.
const DefaultTrimLead = time.Second / 3

// Transform is a 2x3 affine transform (x' = A*x + C*y + Tx, y' = B*x + D*y + Ty)
// with the render size it produces.
type Transform struct {
	A, B, C, D float64
	Tx, Ty     float64
	Width      int
	Height     int
}

// TransformFor returns the track transform for a recording of w x h whose
// dominant orientation was o.
func TransformFor(o types.Orientation, w, h int) Transform {
	switch o {
	case types.OrientationLandscapeLeft:
		// rotate +90 degrees, translate (h, 0)
		return Transform{A: 0, B: 1, C: -1, D: 0, Tx: float64(h), Ty: 0, Width: h, Height: w}
	case types.OrientationLandscapeRight:
		// rotate -90 degrees, translate (0, w)
		return Transform{A: 0, B: -1, C: 1, D: 0, Tx: 0, Ty: float64(w), Width: h, Height: w}
	default:
		return Transform{A: 1, D: 1, Width: w, Height: h}
	}
}

// Apply maps a point through the transform.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.C*y + t.Tx, t.B*x + t.D*y + t.Ty
}

func (t Transform) Identity() bool {
	return t.A == 1 && t.B == 0 && t.C == 0 && t.D == 1 && t.Tx == 0 && t.Ty == 0
}

// Filter returns the ffmpeg filter realising the rotation, or "" for identity.
func (t Transform) Filter() string {
	switch {
	case t.B > 0:
		return "transpose=clock"
	case t.B < 0:
		return "transpose=cclock"
	case t.A < 0 && t.D < 0:
		return "hflip,vflip"
	}
	return ""
}

// MuxPlan describes the final composition of one recording.
type MuxPlan struct {
	VideoPath     string
	AudioPath     string
	WatermarkPath string
	OutputPath    string
	TrimStart     time.Duration
	Transform     Transform
	Margin        int
}

// Args renders the plan as an ffmpeg command line.
func (p MuxPlan) Args() []string {
	ss := strconv.FormatFloat(p.TrimStart.Seconds(), 'f', 3, 64)
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-ss", ss, "-i", p.VideoPath}

	next := 1
	audioIdx, wmIdx := -1, -1
	if p.AudioPath != "" {
		args = append(args, "-ss", ss, "-i", p.AudioPath)
		audioIdx = next
		next++
	}
	if p.WatermarkPath != "" {
		args = append(args, "-i", p.WatermarkPath)
		wmIdx = next
	}

	var chain []string
	label := "0:v"
	if f := p.Transform.Filter(); f != "" {
		chain = append(chain, fmt.Sprintf("[%s]%s[rot]", label, f))
		label = "rot"
	}
	if wmIdx >= 0 {
		chain = append(chain, fmt.Sprintf("[%s][%d:v]overlay=W-w-%d:H-h-%d[wm]", label, wmIdx, p.Margin, p.Margin))
		label = "wm"
	}
	if len(chain) > 0 {
		args = append(args, "-filter_complex", strings.Join(chain, ";"), "-map", "["+label+"]")
	} else {
		args = append(args, "-map", "0:v")
	}
	if audioIdx >= 0 {
		args = append(args, "-map", fmt.Sprintf("%d:a", audioIdx), "-c:a", "aac", "-shortest")
	}
	return append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart", p.OutputPath)
}
