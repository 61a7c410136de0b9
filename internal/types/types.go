package types

import (
	"image"
	"math"
	"time"
)

// Rect is a region in normalized frame coordinates (origin top-left, 0..1).
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) MinX() float64 { return r.X }
func (r Rect) MinY() float64 { return r.Y }
func (r Rect) MaxX() float64 { return r.X + r.W }
func (r Rect) MaxY() float64 { return r.Y + r.H }

// Area returns w*h, never negative.
func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Distance is the sum of absolute differences of minX, minY, width and height.
func (r Rect) Distance(o Rect) float64 {
	return math.Abs(r.X-o.X) + math.Abs(r.Y-o.Y) + math.Abs(r.W-o.W) + math.Abs(r.H-o.H)
}

// Mirrored flips the rect horizontally and vertically inside the unit square.
func (r Rect) Mirrored() Rect {
	return Rect{X: 1 - r.X - r.W, Y: 1 - r.Y - r.H, W: r.W, H: r.H}
}

// Padded grows the rect by p on every side (p is a fraction of the frame).
func (r Rect) Padded(p float64) Rect {
	if p == 0 {
		return r
	}
	return Rect{X: r.X - p, Y: r.Y - p, W: r.W + 2*p, H: r.H + 2*p}
}

// Clamp restricts the rect to the unit square.
func (r Rect) Clamp() Rect {
	x0, y0 := clamp01(r.X), clamp01(r.Y)
	x1, y1 := clamp01(r.MaxX()), clamp01(r.MaxY())
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Pixels maps the normalized rect onto a w x h pixel grid.
func (r Rect) Pixels(w, h int) image.Rectangle {
	c := r.Clamp()
	return image.Rect(
		int(math.Floor(c.X*float64(w))),
		int(math.Floor(c.Y*float64(h))),
		int(math.Ceil(c.MaxX()*float64(w))),
		int(math.Ceil(c.MaxY()*float64(h))),
	)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DetectedRegion is a single detector hit. IDs are not stable across frames.
type DetectedRegion struct {
	ID     int  `json:"id"`
	Bounds Rect `json:"bounds"`
}

// TrackedRegion is a region with a stable tracking identity.
type TrackedRegion struct {
	ID             int
	Bounds         Rect
	IdleFrameCount int
}

// Frame is one camera frame in NV12 layout: a full-resolution luma plane
// followed by a half-resolution interleaved CbCr plane.
type Frame struct {
	Seq       uint64
	Timestamp time.Duration
	Width     int
	Height    int
	Y         []byte
	UV        []byte
	// Matte is an optional person-segmentation alpha map, one byte per pixel.
	Matte []byte
	// Hints are raw face bounds reported alongside the frame, if any.
	Hints []DetectedRegion
}

// NV12Size is the byte length of a w x h NV12 frame.
func NV12Size(w, h int) int {
	return w*h + w*h/2
}

// CapturedItem is a finished capture that made it into the media library.
type CapturedItem struct {
	LibraryID string
	Image     image.Image
	FilePath  string
}

// AssetKind distinguishes media library entries.
type AssetKind string

const (
	AssetPhoto AssetKind = "photo"
	AssetVideo AssetKind = "video"
)

// Location is an optional geotag attached to saved media.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Asset is the metadata handed to the media library with a saved file.
type Asset struct {
	ID        string
	Kind      AssetKind
	Path      string
	CreatedAt time.Time
	Location  *Location
	SessionID string
}
