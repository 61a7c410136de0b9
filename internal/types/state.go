package types

import "fmt"

// Facing is the physical camera in use.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

// Domain selects what gets redacted.
type Domain int

const (
	DomainFace Domain = iota
	DomainBody
	DomainInvert
)

func (d Domain) String() string {
	switch d {
	case DomainBody:
		return "body"
	case DomainInvert:
		return "invert"
	default:
		return "face"
	}
}

// MaskType is the visual redaction strategy.
type MaskType int

const (
	MaskNone MaskType = iota
	MaskBlur
	MaskPixelate
	MaskColor
	MaskNoise
)

// MaskTypes lists every mask in declaration order.
var MaskTypes = []MaskType{MaskNone, MaskBlur, MaskPixelate, MaskColor, MaskNoise}

// Domains lists every detection domain in declaration order.
var Domains = []Domain{DomainFace, DomainBody, DomainInvert}

func (m MaskType) String() string {
	switch m {
	case MaskBlur:
		return "blur"
	case MaskPixelate:
		return "pixelate"
	case MaskColor:
		return "color"
	case MaskNoise:
		return "noise"
	default:
		return "none"
	}
}

// Lens is the back-camera lens selection.
type Lens int

const (
	LensNormal Lens = iota
	LensTelephoto
	LensWide
)

func (l Lens) String() string {
	switch l {
	case LensTelephoto:
		return "telephoto"
	case LensWide:
		return "wide"
	default:
		return "normal"
	}
}

// AnonState is an immutable snapshot of the pipeline configuration.
type AnonState struct {
	Facing Facing
	Domain Domain
	Mask   MaskType
	Lens   Lens
}

// DetectionActive reports whether faces are detected and tracked in this
// state. Body and invert domains are driven by the matte instead.
func (s AnonState) DetectionActive() bool {
	return s.Domain == DomainFace
}

func (s AnonState) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Facing, s.Lens, s.Domain, s.Mask)
}

// Orientation is one of the four valid image reorientations.
type Orientation int

const (
	OrientationPortrait Orientation = iota
	OrientationLandscapeLeft
	OrientationLandscapeRight
	OrientationPortraitUpsideDown
)

// Degrees is the clockwise rotation that brings a sensor image upright.
func (o Orientation) Degrees() int {
	switch o {
	case OrientationLandscapeLeft:
		return 90
	case OrientationLandscapeRight:
		return 270
	case OrientationPortraitUpsideDown:
		return 180
	default:
		return 0
	}
}

func (o Orientation) String() string {
	switch o {
	case OrientationLandscapeLeft:
		return "landscape-left"
	case OrientationLandscapeRight:
		return "landscape-right"
	case OrientationPortraitUpsideDown:
		return "portrait-upside-down"
	default:
		return "portrait"
	}
}

// Landscape reports whether width and height are swapped relative to portrait.
func (o Orientation) Landscape() bool {
	return o == OrientationLandscapeLeft || o == OrientationLandscapeRight
}

// ParseMask converts a CLI/config name into a MaskType.
func ParseMask(s string) (MaskType, error) {
	for _, m := range MaskTypes {
		if m.String() == s {
			return m, nil
		}
	}
	if s == "fill" || s == "black" {
		return MaskColor, nil
	}
	return MaskNone, fmt.Errorf("invalid mask '%s'. Must be one of: none, blur, pixelate, color, noise", s)
}

// ParseDomain converts a CLI/config name into a Domain.
func ParseDomain(s string) (Domain, error) {
	for _, d := range Domains {
		if d.String() == s {
			return d, nil
		}
	}
	return DomainFace, fmt.Errorf("invalid domain '%s'. Must be one of: face, body, invert", s)
}

// ParseFacing converts a CLI/config name into a Facing.
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "back", "":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	}
	return FacingBack, fmt.Errorf("invalid facing '%s'. Must be front or back", s)
}

// ParseLens converts a CLI/config name into a Lens.
func ParseLens(s string) (Lens, error) {
	switch s {
	case "normal", "":
		return LensNormal, nil
	case "telephoto":
		return LensTelephoto, nil
	case "wide":
		return LensWide, nil
	}
	return LensNormal, fmt.Errorf("invalid lens '%s'. Must be normal, telephoto or wide", s)
}
