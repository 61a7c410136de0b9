package source

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/veil/internal/types"
	pigo "github.com/esimov/pigo/core"
	"github.com/rs/zerolog"
)

// Detector finds face regions in a frame. Identities in the result are
// per-frame only.
type Detector interface {
	Detect(ctx context.Context, f *types.Frame) ([]types.DetectedRegion, error)
	Close() error
}

// HintDetector reports the face bounds already attached to each frame.
// Mirrored is set when the hints were produced in a space flipped on both
// axes relative to the frame; they are converted back before tracking.
type HintDetector struct {
	Mirrored bool
}

func (d HintDetector) Detect(_ context.Context, f *types.Frame) ([]types.DetectedRegion, error) {
	if !d.Mirrored || len(f.Hints) == 0 {
		return f.Hints, nil
	}
	out := make([]types.DetectedRegion, len(f.Hints))
	for i, h := range f.Hints {
		out[i] = types.DetectedRegion{ID: h.ID, Bounds: h.Bounds.Mirrored()}
	}
	return out, nil
}

func (HintDetector) Close() error { return nil }

// PigoConfig holds the cascade parameters.
type PigoConfig struct {
	CascadePath  string  `yaml:"cascade"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	ShiftFactor  float64 `yaml:"shift_factor"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	MinQuality   float32 `yaml:"min_quality"`
}

func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		CascadePath:  "cascade/facefinder",
		MinSize:      20,
		MaxSize:      1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5.0,
	}
}

// PigoDetector runs the pigo pixel-intensity cascade on the luminance plane.
type PigoDetector struct {
	cfg        PigoConfig
	classifier *pigo.Pigo
	log        zerolog.Logger
}

func NewPigoDetector(cfg PigoConfig, log zerolog.Logger) (*PigoDetector, error) {
	cascade, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}
	return &PigoDetector{cfg: cfg, classifier: classifier, log: log.With().Str("component", "pigo").Logger()}, nil
}

func (d *PigoDetector) Detect(ctx context.Context, f *types.Frame) ([]types.DetectedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.Width * f.Height
	if len(f.Y) < n {
		return nil, fmt.Errorf("short luminance plane: %d < %d", len(f.Y), n)
	}
	dets := d.classifier.RunCascade(pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     d.cfg.MaxSize,
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			// The Y plane of NV12 is already the grayscale image pigo wants.
			Pixels: f.Y[:n],
			Rows:   f.Height,
			Cols:   f.Width,
			Dim:    f.Width,
		},
	}, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.cfg.IoUThreshold)
	return regionsFromDetections(dets, d.cfg.MinQuality, f.Width, f.Height), nil
}

func (d *PigoDetector) Close() error { return nil }

// regionsFromDetections converts pigo's centre/size detections into
// normalized rects, dropping those under minQ.
func regionsFromDetections(dets []pigo.Detection, minQ float32, w, h int) []types.DetectedRegion {
	var out []types.DetectedRegion
	for _, det := range dets {
		if det.Q < minQ {
			continue
		}
		size := float64(det.Scale)
		r := types.Rect{
			X: (float64(det.Col) - size/2) / float64(w),
			Y: (float64(det.Row) - size/2) / float64(h),
			W: size / float64(w),
			H: size / float64(h),
		}.Clamp()
		if r.Area() == 0 {
			continue
		}
		out = append(out, types.DetectedRegion{ID: len(out), Bounds: r})
	}
	return out
}
