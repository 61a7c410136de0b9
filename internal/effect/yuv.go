package effect

import (
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/veil/internal/types"
	"golang.org/x/image/draw"
)

// convertNV12 converts a two-plane NV12 frame into RGBA. The interleaved
// CbCr plane is split into a 4:2:0 image.YCbCr so draw can use its
// YCbCr fast path.
func convertNV12(f *types.Frame, mirror bool) (*image.RGBA, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return nil, fmt.Errorf("invalid NV12 dimensions %dx%d", w, h)
	}
	if len(f.Y) < w*h || len(f.UV) < w*h/2 {
		return nil, fmt.Errorf("short NV12 planes: y=%d uv=%d for %dx%d", len(f.Y), len(f.UV), w, h)
	}

	ycc := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	copy(ycc.Y, f.Y[:w*h])
	cw, ch := w/2, h/2
	for y := 0; y < ch; y++ {
		src := f.UV[y*w : y*w+w]
		cb := ycc.Cb[y*ycc.CStride : y*ycc.CStride+cw]
		cr := ycc.Cr[y*ycc.CStride : y*ycc.CStride+cw]
		for x := 0; x < cw; x++ {
			cb[x] = src[2*x]
			cr[x] = src[2*x+1]
		}
	}

	dst := image.NewRGBA(ycc.Rect)
	draw.Draw(dst, dst.Rect, ycc, image.Point{}, draw.Src)
	if mirror {
		flipHorizontal(dst)
	}
	return dst, nil
}

func flipHorizontal(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			lo, ro := l*4, r*4
			for c := 0; c < 4; c++ {
				row[lo+c], row[ro+c] = row[ro+c], row[lo+c]
			}
		}
	}
}

// EncodeNV12 converts an RGBA image into NV12 planes (BT.601, full range).
// It is the inverse of the conversion pass and is used to synthesize frames.
func EncodeNV12(img *image.RGBA) (yPlane, uv []byte) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	yPlane = make([]byte, w*h)
	uv = make([]byte, w*h/2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*img.Stride + x*4
			yy, cb, cr := color.RGBToYCbCr(img.Pix[off], img.Pix[off+1], img.Pix[off+2])
			yPlane[y*w+x] = yy
			if y%2 == 0 && x%2 == 0 {
				uv[(y/2)*w+x] = cb
				uv[(y/2)*w+x+1] = cr
			}
		}
	}
	return yPlane, uv
}
