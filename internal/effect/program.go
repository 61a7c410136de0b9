package effect

import (
	"context"
	"fmt"
	"image"

	"github.com/andresmejia3/veil/internal/types"
)

// ProgramID indexes the program arena.
type ProgramID int

const (
	ProgramBase ProgramID = iota
	ProgramFaceBlur
	ProgramFacePixelate
	ProgramFaceColor
	ProgramFaceNoise
	ProgramBodyBlur
	ProgramBodyPixelate
	ProgramBodyColor
	ProgramBodyNoise
	ProgramInvertBlur
	ProgramInvertPixelate
	ProgramInvertColor
	ProgramInvertNoise
	numPrograms
)

var programNames = [numPrograms]string{
	"base",
	"face-blur", "face-pixelate", "face-color", "face-noise",
	"body-blur", "body-pixelate", "body-color", "body-noise",
	"invert-blur", "invert-pixelate", "invert-color", "invert-noise",
}

func (id ProgramID) String() string {
	if id < 0 || id >= numPrograms {
		return fmt.Sprintf("program(%d)", int(id))
	}
	return programNames[id]
}

type programKey struct {
	mask   types.MaskType
	domain types.Domain
}

// dispatch maps every (mask, domain) pair to the program that renders it.
// MaskNone always renders the plain camera image.
var dispatch = func() map[programKey]ProgramID {
	m := make(map[programKey]ProgramID)
	for _, d := range types.Domains {
		m[programKey{types.MaskNone, d}] = ProgramBase
	}
	m[programKey{types.MaskBlur, types.DomainFace}] = ProgramFaceBlur
	m[programKey{types.MaskPixelate, types.DomainFace}] = ProgramFacePixelate
	m[programKey{types.MaskColor, types.DomainFace}] = ProgramFaceColor
	m[programKey{types.MaskNoise, types.DomainFace}] = ProgramFaceNoise
	m[programKey{types.MaskBlur, types.DomainBody}] = ProgramBodyBlur
	m[programKey{types.MaskPixelate, types.DomainBody}] = ProgramBodyPixelate
	m[programKey{types.MaskColor, types.DomainBody}] = ProgramBodyColor
	m[programKey{types.MaskNoise, types.DomainBody}] = ProgramBodyNoise
	m[programKey{types.MaskBlur, types.DomainInvert}] = ProgramInvertBlur
	m[programKey{types.MaskPixelate, types.DomainInvert}] = ProgramInvertPixelate
	m[programKey{types.MaskColor, types.DomainInvert}] = ProgramInvertColor
	m[programKey{types.MaskNoise, types.DomainInvert}] = ProgramInvertNoise
	return m
}()

// ProgramFor returns the program that renders the given state.
func ProgramFor(s types.AnonState) ProgramID {
	if id, ok := dispatch[programKey{s.Mask, s.Domain}]; ok {
		return id
	}
	return ProgramBase
}

// passInput is everything a pass may read for one frame. img is rendered in place.
type passInput struct {
	img     *image.RGBA
	frame   *types.Frame
	regions regionTable
	params  Params
	mirror  bool // img was flipped horizontally relative to the sensor
}

// pass is one stage of a program.
type pass interface {
	name() string
	apply(ctx context.Context, in *passInput) error
}

// Program is an ordered list of passes run after YUV conversion.
type Program struct {
	ID     ProgramID
	passes []pass
}

// Name returns the program name.
func (p *Program) Name() string { return p.ID.String() }

type builder func(cfg Config) (*Program, error)

func regionProgram(id ProgramID, op pixelOp) builder {
	return func(cfg Config) (*Program, error) {
		return &Program{ID: id, passes: []pass{&regionPass{op: op}}}, nil
	}
}

func matteProgram(id ProgramID, op pixelOp, invert bool) builder {
	return func(cfg Config) (*Program, error) {
		return &Program{ID: id, passes: []pass{&mattePass{op: op, invert: invert}}}, nil
	}
}

func blurProgram(id ProgramID) builder {
	return func(cfg Config) (*Program, error) {
		if cfg.BlurRadius < 1 {
			return nil, fmt.Errorf("blur radius must be >= 1, got %d", cfg.BlurRadius)
		}
		return &Program{ID: id, passes: []pass{&blurPass{iterations: boxIterations}}}, nil
	}
}

func blurMatteProgram(id ProgramID, invert bool) builder {
	return func(cfg Config) (*Program, error) {
		if cfg.BlurRadius < 1 {
			return nil, fmt.Errorf("blur radius must be >= 1, got %d", cfg.BlurRadius)
		}
		return &Program{ID: id, passes: []pass{&mattePass{op: opBlur, invert: invert}}}, nil
	}
}

// builders is consulted once by New to fill the arena.
var builders = [numPrograms]builder{
	ProgramBase: func(Config) (*Program, error) { return &Program{ID: ProgramBase}, nil },

	ProgramFaceBlur:     blurProgram(ProgramFaceBlur),
	ProgramFacePixelate: regionProgram(ProgramFacePixelate, opPixelate),
	ProgramFaceColor:    regionProgram(ProgramFaceColor, opColor),
	ProgramFaceNoise:    regionProgram(ProgramFaceNoise, opNoise),

	ProgramBodyBlur:     blurMatteProgram(ProgramBodyBlur, false),
	ProgramBodyPixelate: matteProgram(ProgramBodyPixelate, opPixelate, false),
	ProgramBodyColor:    matteProgram(ProgramBodyColor, opColor, false),
	ProgramBodyNoise:    matteProgram(ProgramBodyNoise, opNoise, false),

	ProgramInvertBlur:     blurMatteProgram(ProgramInvertBlur, true),
	ProgramInvertPixelate: matteProgram(ProgramInvertPixelate, opPixelate, true),
	ProgramInvertColor:    matteProgram(ProgramInvertColor, opColor, true),
	ProgramInvertNoise:    matteProgram(ProgramInvertNoise, opNoise, true),
}
