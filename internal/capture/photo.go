package capture

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// PhotoConfig configures still capture.
type PhotoConfig struct {
	OutputDir string
	// Aspect is the output width/height. Zero keeps the rotated frame's aspect.
	Aspect float64
	// WatermarkWidth is the watermark width as a fraction of the output width.
	WatermarkWidth  float64
	WatermarkMargin int
	Quality         int
}

func DefaultPhotoConfig() PhotoConfig {
	return PhotoConfig{
		OutputDir:       "/data/photos",
		Aspect:          3.0 / 4.0,
		WatermarkWidth:  0.25,
		WatermarkMargin: 16,
		Quality:         90,
	}
}

// PhotoWriter composes the output still from one rendered frame.
type PhotoWriter struct {
	cfg  PhotoConfig
	log  zerolog.Logger
	busy atomic.Bool

	mu        sync.RWMutex
	watermark image.Image
}

func NewPhotoWriter(cfg PhotoConfig, log zerolog.Logger) *PhotoWriter {
	d := DefaultPhotoConfig()
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = d.Quality
	}
	if cfg.WatermarkWidth <= 0 || cfg.WatermarkWidth > 1 {
		cfg.WatermarkWidth = d.WatermarkWidth
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = d.OutputDir
	}
	return &PhotoWriter{cfg: cfg, log: log.With().Str("component", "photo").Logger()}
}

// SetWatermark sets the image composited bottom-right. nil disables it.
func (w *PhotoWriter) SetWatermark(img image.Image) {
	w.mu.Lock()
	w.watermark = img
	w.mu.Unlock()
}

// Capture corrects frame for orientation, fits it to the output aspect and
// applies the watermark. frame is not modified. Only one capture may run at
// a time; a concurrent call gets ErrPhotoBusy.
func (w *PhotoWriter) Capture(frame *image.RGBA, o types.Orientation) (*image.RGBA, error) {
	if frame == nil || frame.Rect.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	if !w.busy.CompareAndSwap(false, true) {
		return nil, ErrPhotoBusy
	}
	defer w.busy.Store(false)

	out := fitAspect(Rotate(frame, o.Degrees()), w.cfg.Aspect)

	w.mu.RLock()
	wm := w.watermark
	w.mu.RUnlock()
	if wm != nil {
		overlayWatermark(out, wm, w.cfg.WatermarkWidth, w.cfg.WatermarkMargin)
	}
	return out, nil
}

// Save encodes img as JPEG into the output directory and registers it with lib.
func (w *PhotoWriter) Save(ctx context.Context, img image.Image, lib Library, meta Metadata) (types.CapturedItem, error) {
	if err := os.MkdirAll(w.cfg.OutputDir, 0o755); err != nil {
		return types.CapturedItem{}, err
	}
	path := filepath.Join(w.cfg.OutputDir, fmt.Sprintf("photo-%s.jpg", uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return types.CapturedItem{}, err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: w.cfg.Quality}); err != nil {
		f.Close()
		os.Remove(path)
		return types.CapturedItem{}, fmt.Errorf("encode photo: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return types.CapturedItem{}, err
	}

	id, err := lib.SaveAsset(ctx, meta.Asset(types.AssetPhoto, path, "", time.Now()))
	if err != nil {
		os.Remove(path)
		return types.CapturedItem{}, fmt.Errorf("save photo to library: %w", err)
	}
	w.log.Info().Str("id", id).Str("path", path).Msg("photo saved")
	return types.CapturedItem{LibraryID: id, Image: img, FilePath: path}, nil
}

// Rotate returns src rotated clockwise by deg (0, 90, 180 or 270).
func Rotate(src *image.RGBA, deg int) *image.RGBA {
	b := src.Rect
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	switch deg {
	case 90, 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	default:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+w*4], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return dst
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch deg {
			case 90:
				dx, dy = h-1-y, x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = y, w-1-x
			}
			so := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			do := dst.PixOffset(dx, dy)
			copy(dst.Pix[do:do+4], src.Pix[so:so+4])
		}
	}
	return dst
}

// fitAspect centres src in the target aspect. Wider sources are cropped;
// narrower ones are scaled horizontally to fill.
func fitAspect(src *image.RGBA, aspect float64) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if aspect <= 0 {
		return src
	}
	outW := int(float64(h)*aspect + 0.5)
	if outW < 1 {
		outW = 1
	}
	if outW == w {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, outW, h))
	if outW < w {
		off := (w - outW) / 2
		sr := image.Rect(src.Rect.Min.X+off, src.Rect.Min.Y, src.Rect.Min.X+off+outW, src.Rect.Max.Y)
		draw.Draw(dst, dst.Rect, src, sr.Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return dst
}

func overlayWatermark(dst *image.RGBA, wm image.Image, widthFrac float64, margin int) {
	wb := wm.Bounds()
	if wb.Empty() {
		return
	}
	maxW, maxH := dst.Rect.Dx()-2*margin, dst.Rect.Dy()-2*margin
	tw := int(float64(dst.Rect.Dx()) * widthFrac)
	if tw > maxW {
		tw = maxW
	}
	th := tw * wb.Dy() / wb.Dx()
	// Shrink both sides together so the watermark keeps its aspect.
	if th > maxH {
		th = maxH
		tw = th * wb.Dx() / wb.Dy()
	}
	if tw < 1 || th < 1 {
		return
	}
	r := image.Rect(dst.Rect.Max.X-margin-tw, dst.Rect.Max.Y-margin-th, dst.Rect.Max.X-margin, dst.Rect.Max.Y-margin)
	draw.BiLinear.Scale(dst, r, wm, wb, draw.Over, nil)
}
