package effect

import (
	"context"
	"errors"
	"image"
)

// ErrNoMatte is returned by body/invert passes when the frame has no
// segmentation matte (e.g. the depth session is not running yet).
var ErrNoMatte = errors.New("frame has no segmentation matte")

// matteThreshold splits the alpha matte into person / background.
const matteThreshold = 128

// mattePass redacts person pixels, or with invert everything but them.
type mattePass struct {
	op     pixelOp
	invert bool
}

func (p *mattePass) name() string {
	if p.invert {
		return "matte-invert"
	}
	return "matte"
}

func (p *mattePass) apply(ctx context.Context, in *passInput) error {
	w, h := in.img.Rect.Dx(), in.img.Rect.Dy()
	matte := in.frame.Matte
	if len(matte) < w*h {
		return ErrNoMatte
	}

	s := newShader(p.op, in)
	if p.op == opBlur {
		blurred := image.NewRGBA(in.img.Rect)
		copy(blurred.Pix, in.img.Pix)
		radius := in.params.BlurRadius * int(maxBlurScale)
		for it := 0; it < boxIterations; it++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			boxBlur(blurred, blurred.Rect, radius)
		}
		s.blurred = blurred
	}

	for y := 0; y < h; y++ {
		if y%rowsPerCheck == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row := matte[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			mx := x
			if in.mirror {
				mx = w - 1 - x
			}
			person := row[mx] >= matteThreshold
			if person != p.invert {
				s.shade(in.img, x, y)
			}
		}
	}
	return nil
}
