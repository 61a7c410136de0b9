package effect

import (
	"context"
	"image"
	"sync"
)

// boxIterations box blurs in a row approximate a Gaussian.
const boxIterations = 3

// referenceArea is the average region area (fraction of the frame) at which
// the blur strength reaches its maximum.
const referenceArea = 0.25

// maxBlurScale caps the strength multiplier.
const maxBlurScale = 4.0

// blurBufferPool recycles scratch buffers for the horizontal pass.
var blurBufferPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1024*1024) }, // Start with 1MB capacity
}

// colSumsPool recycles column accumulators for the vertical pass.
var colSumsPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 1024) },
}

// easeOutCubic maps t in [0,1] to 1-(1-t)^3.
func easeOutCubic(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	u := 1 - t
	return 1 - u*u*u
}

// BlurScale maps the average region area to a strength multiplier in [0,4].
// It ramps smoothly so the blur grows with a face instead of jumping.
func BlurScale(avgArea float64) float64 {
	return maxBlurScale * easeOutCubic(avgArea/referenceArea)
}

// blurPass blurs the area under each region.
type blurPass struct {
	iterations int
}

func (p *blurPass) name() string { return "blur" }

func (p *blurPass) apply(ctx context.Context, in *passInput) error {
	n := in.regions.Len()
	if n == 0 {
		return nil
	}
	var total float64
	for i := 0; i < n; i++ {
		total += float64(in.regions[i*texelsPerRegion+2] * in.regions[i*texelsPerRegion+3])
	}
	radius := int(float64(in.params.BlurRadius) * BlurScale(total/float64(n)))
	if radius < 1 {
		radius = 1
	}

	w, h := in.img.Rect.Dx(), in.img.Rect.Dy()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := in.regions[i*texelsPerRegion:]
		rect := image.Rect(
			int(g[1]*float32(w)), int(g[0]*float32(h)),
			int((g[1]+g[3])*float32(w)+0.999), int((g[0]+g[2])*float32(h)+0.999),
		)
		for it := 0; it < p.iterations; it++ {
			boxBlur(in.img, rect, radius)
		}
	}
	return nil
}

// boxBlur runs a separable box blur over rect, reading samples clamped to
// the rect so nothing outside it bleeds in.
func boxBlur(img *image.RGBA, rect image.Rectangle, radius int) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	if radius < 1 {
		radius = 1
	}

	w, h := rect.Dx(), rect.Dy()
	// Clamp radius to prevent looking outside the region bounds
	if radius > w/2 {
		radius = w / 2
	}
	if radius > h/2 {
		radius = h / 2
	}
	if radius < 1 {
		return
	}

	neededSize := w * h * 4
	bufPtr := blurBufferPool.Get().([]uint8)
	if cap(bufPtr) < neededSize {
		bufPtr = make([]uint8, neededSize)
	}
	buf := bufPtr[:neededSize]
	defer blurBufferPool.Put(bufPtr)

	stride := img.Stride
	pix := img.Pix
	minX, minY := rect.Min.X, rect.Min.Y
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	count := uint32(2*radius + 1)

	// Horizontal pass: image -> buffer
	for y := 0; y < h; y++ {
		rowStart := (minY + y - imgMinY) * stride
		bufRowStart := y * w * 4

		var rSum, gSum, bSum uint32
		for k := -radius; k <= radius; k++ {
			px := clampInt(k, 0, w-1)
			off := rowStart + (minX+px-imgMinX)*4
			rSum += uint32(pix[off])
			gSum += uint32(pix[off+1])
			bSum += uint32(pix[off+2])
		}

		for x := 0; x < w; x++ {
			bufOff := bufRowStart + x*4
			buf[bufOff] = uint8(rSum / count)
			buf[bufOff+1] = uint8(gSum / count)
			buf[bufOff+2] = uint8(bSum / count)
			buf[bufOff+3] = 255

			offRemove := rowStart + (minX+clampInt(x-radius, 0, w-1)-imgMinX)*4
			offAdd := rowStart + (minX+clampInt(x+radius+1, 0, w-1)-imgMinX)*4

			rSum = rSum - uint32(pix[offRemove]) + uint32(pix[offAdd])
			gSum = gSum - uint32(pix[offRemove+1]) + uint32(pix[offAdd+1])
			bSum = bSum - uint32(pix[offRemove+2]) + uint32(pix[offAdd+2])
		}
	}

	// Vertical pass: buffer -> image, row by row with one running sum per column.
	neededCols := w * 3
	csPtr := colSumsPool.Get().([]uint32)
	if cap(csPtr) < neededCols {
		csPtr = make([]uint32, neededCols)
	}
	colSums := csPtr[:neededCols]
	for i := range colSums {
		colSums[i] = 0
	}
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		rowOffset := clampInt(k, 0, h-1) * w * 4
		for x := 0; x < w; x++ {
			off := rowOffset + x*4
			colSums[x*3] += uint32(buf[off])
			colSums[x*3+1] += uint32(buf[off+1])
			colSums[x*3+2] += uint32(buf[off+2])
		}
	}

	for y := 0; y < h; y++ {
		dstRowOff := (minY + y - imgMinY) * stride
		offRemoveRow := clampInt(y-radius, 0, h-1) * w * 4
		offAddRow := clampInt(y+radius+1, 0, h-1) * w * 4

		for x := 0; x < w; x++ {
			dstOff := dstRowOff + (minX+x-imgMinX)*4
			pix[dstOff] = uint8(colSums[x*3] / count)
			pix[dstOff+1] = uint8(colSums[x*3+1] / count)
			pix[dstOff+2] = uint8(colSums[x*3+2] / count)

			offRemove := offRemoveRow + x*4
			offAdd := offAddRow + x*4
			colSums[x*3] = colSums[x*3] - uint32(buf[offRemove]) + uint32(buf[offAdd])
			colSums[x*3+1] = colSums[x*3+1] - uint32(buf[offRemove+1]) + uint32(buf[offAdd+1])
			colSums[x*3+2] = colSums[x*3+2] - uint32(buf[offRemove+2]) + uint32(buf[offAdd+2])
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
