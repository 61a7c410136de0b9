package effect

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand/v2"

	"github.com/andresmejia3/veil/internal/types"
)

// regionTable is a flat lookup of active regions, four values per region in
// the order y, x, height, width. Passes test pixels against it instead of
// iterating per-region, so any number of regions costs one sweep.
type regionTable []float32

const texelsPerRegion = 4

// newRegionTable packs rects into a table. With mirrorX the x coordinate is
// flipped to match a horizontally mirrored preview.
func newRegionTable(rects []types.Rect, padding float64, mirrorX bool, limit int) regionTable {
	if limit > 0 && len(rects) > limit {
		rects = rects[:limit]
	}
	t := make(regionTable, 0, len(rects)*texelsPerRegion)
	for _, r := range rects {
		r = r.Padded(padding).Clamp()
		if r.Area() == 0 {
			continue
		}
		x := r.X
		if mirrorX {
			x = 1 - r.X - r.W
		}
		t = append(t, float32(r.Y), float32(x), float32(r.H), float32(r.W))
	}
	return t
}

// Len returns the number of regions in the table.
func (t regionTable) Len() int { return len(t) / texelsPerRegion }

// Contains reports whether the normalized point lies in any region.
func (t regionTable) Contains(nx, ny float32) bool {
	for i := 0; i+texelsPerRegion <= len(t); i += texelsPerRegion {
		y, x, h, w := t[i], t[i+1], t[i+2], t[i+3]
		if ny >= y && ny < y+h && nx >= x && nx < x+w {
			return true
		}
	}
	return false
}

// span is a half-open pixel column range.
type span struct{ x0, x1 int }

// rowSpans returns the pixel column ranges covered on row y of a w x h image.
func (t regionTable) rowSpans(y, w, h int, buf []span) []span {
	buf = buf[:0]
	ny := (float32(y) + 0.5) / float32(h)
	for i := 0; i+texelsPerRegion <= len(t); i += texelsPerRegion {
		ry, rx, rh, rw := t[i], t[i+1], t[i+2], t[i+3]
		if ny < ry || ny >= ry+rh {
			continue
		}
		x0 := int(math.Floor(float64(rx * float32(w))))
		x1 := int(math.Ceil(float64((rx + rw) * float32(w))))
		if x0 < 0 {
			x0 = 0
		}
		if x1 > w {
			x1 = w
		}
		if x0 < x1 {
			buf = append(buf, span{x0, x1})
		}
	}
	return buf
}

// pixelOp is the per-pixel redaction applied inside a region.
type pixelOp int

const (
	opPixelate pixelOp = iota
	opColor
	opNoise
	opBlur
)

// shader carries per-frame state for a pixelOp.
type shader struct {
	op    pixelOp
	block int
	fill  color.RGBA
	rng   *rand.Rand
	// blurred is the pre-blurred frame sampled by opBlur.
	blurred *image.RGBA
}

func newShader(op pixelOp, in *passInput) *shader {
	block := in.params.PixelWidth
	if block < 1 {
		block = 1
	}
	return &shader{
		op:    op,
		block: block,
		fill:  in.params.FillColor,
		rng:   rand.New(rand.NewPCG(in.frame.Seq, 0x9e3779b97f4a7c15)),
	}
}

// shade rewrites pixel (x, y) of img.
func (s *shader) shade(img *image.RGBA, x, y int) {
	off := y*img.Stride + x*4
	pix := img.Pix
	switch s.op {
	case opPixelate:
		// Sample the top-left pixel of the block on a frame-wide grid. That
		// pixel maps to itself, so shading in place never reads a modified value.
		sx, sy := x-x%s.block, y-y%s.block
		src := sy*img.Stride + sx*4
		pix[off], pix[off+1], pix[off+2], pix[off+3] = pix[src], pix[src+1], pix[src+2], pix[src+3]
	case opColor:
		pix[off], pix[off+1], pix[off+2], pix[off+3] = s.fill.R, s.fill.G, s.fill.B, 255
	case opNoise:
		v := uint8(s.rng.Uint32())
		pix[off], pix[off+1], pix[off+2], pix[off+3] = v, v, v, 255
	case opBlur:
		if s.blurred != nil {
			copy(pix[off:off+4], s.blurred.Pix[off:off+4])
		}
	}
}

// regionPass applies a pixel op to every pixel inside the region table.
type regionPass struct {
	op pixelOp
}

func (p *regionPass) name() string { return "region" }

func (p *regionPass) apply(ctx context.Context, in *passInput) error {
	if in.regions.Len() == 0 {
		return nil
	}
	s := newShader(p.op, in)
	w, h := in.img.Rect.Dx(), in.img.Rect.Dy()
	var spans []span
	for y := 0; y < h; y++ {
		if y%rowsPerCheck == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		spans = in.regions.rowSpans(y, w, h, spans)
		for _, sp := range spans {
			for x := sp.x0; x < sp.x1; x++ {
				s.shade(in.img, x, y)
			}
		}
	}
	return nil
}
