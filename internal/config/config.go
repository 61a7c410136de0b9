// Package config loads the veil YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/veil/internal/capture"
	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/worker"
	"gopkg.in/yaml.v3"
)

// Detector kinds.
const (
	DetectorPigo   = "pigo"
	DetectorWorker = "worker"
	DetectorHints  = "hints"
)

// Config represents the complete veil configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Database string `yaml:"database"`

	Source   source.Config  `yaml:"source"`
	Detector DetectorConfig `yaml:"detector"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Effect   EffectConfig   `yaml:"effect"`
	Video    VideoConfig    `yaml:"video"`
	Photo    PhotoConfig    `yaml:"photo"`
	Defaults StateConfig    `yaml:"defaults"`

	// RotationDebounce is the number of agreeing accelerometer samples needed to rotate.
	RotationDebounce int    `yaml:"rotation_debounce"`
	HistorySize      int    `yaml:"history_size"`
	Watermark        string `yaml:"watermark"`
	StripMetadata    bool   `yaml:"strip_metadata"`
}

// DetectorConfig selects and configures the face detector.
type DetectorConfig struct {
	Kind   string            `yaml:"kind"` // pigo, worker, hints
	Pigo   source.PigoConfig `yaml:"pigo"`
	Worker worker.Config     `yaml:"worker"`
	// HintsMirrored marks frame hints as flipped on both axes.
	HintsMirrored bool `yaml:"hints_mirrored"`
}

type TrackerConfig struct {
	RemoveCount     int     `yaml:"remove_count"`
	IdleThreshold   int     `yaml:"idle_threshold"`
	SmoothingFactor float64 `yaml:"smoothing_factor"`
	JumpDistance    float64 `yaml:"jump_distance"`
}

type EffectConfig struct {
	InFlightFrames int           `yaml:"in_flight_frames"`
	PassTimeout    time.Duration `yaml:"pass_timeout"`
	BlurRadius     int           `yaml:"blur_radius"`
	PixelWidth     int           `yaml:"pixel_width"`
	RegionPadding  float64       `yaml:"region_padding"`
	FillColor      string        `yaml:"fill_color"` // #rrggbb
	MirrorFront    bool          `yaml:"mirror_front"`
}

type VideoConfig struct {
	TempDir         string        `yaml:"temp_dir"`
	OutputDir       string        `yaml:"output_dir"`
	Audio           bool          `yaml:"audio"`
	AudioFormat     string        `yaml:"audio_format"`
	AudioDevice     string        `yaml:"audio_device"`
	DistortAudio    bool          `yaml:"distort_audio"`
	VoiceCents      int           `yaml:"voice_cents"`
	TrimLead        time.Duration `yaml:"trim_lead"`
	WatermarkMargin int           `yaml:"watermark_margin"`
}

type PhotoConfig struct {
	OutputDir       string  `yaml:"output_dir"`
	Aspect          float64 `yaml:"aspect"`
	WatermarkWidth  float64 `yaml:"watermark_width"`
	WatermarkMargin int     `yaml:"watermark_margin"`
	Quality         int     `yaml:"quality"`
}

// StateConfig is the initial anonymization state, by name.
type StateConfig struct {
	Mask   string `yaml:"mask"`
	Domain string `yaml:"domain"`
	Facing string `yaml:"facing"`
	Lens   string `yaml:"lens"`
}

// Default returns the built-in configuration.
func Default() Config {
	e := effect.DefaultConfig()
	t := tracker.DefaultConfig()
	v := capture.DefaultVideoConfig()
	p := capture.DefaultPhotoConfig()
	return Config{
		LogLevel: "info",
		Source: source.Config{
			Width:  640,
			Height: 480,
			FPS:    30,
			Buffer: 2,
			Devices: map[string]source.Device{
				"default": {Input: "/dev/video0", Format: "v4l2"},
			},
		},
		Detector: DetectorConfig{
			Kind: DetectorPigo,
			Pigo: source.DefaultPigoConfig(),
			Worker: worker.Config{
				ReadTimeout: 5 * time.Second,
			},
		},
		Tracker: TrackerConfig{
			RemoveCount:     t.RemoveCount,
			IdleThreshold:   t.IdleThreshold,
			SmoothingFactor: t.SmoothingFactor,
			JumpDistance:    t.JumpDistance,
		},
		Effect: EffectConfig{
			InFlightFrames: e.InFlightFrames,
			PassTimeout:    e.PassTimeout,
			BlurRadius:     e.BlurRadius,
			PixelWidth:     e.PixelWidth,
			RegionPadding:  e.RegionPadding,
			FillColor:      "#000000",
		},
		Video: VideoConfig{
			TempDir:         v.TempDir,
			OutputDir:       v.OutputDir,
			Audio:           v.Audio,
			AudioFormat:     "pulse",
			AudioDevice:     "default",
			VoiceCents:      v.DistortCents,
			TrimLead:        v.TrimLead,
			WatermarkMargin: v.WatermarkMargin,
		},
		Photo: PhotoConfig{
			OutputDir:       p.OutputDir,
			Aspect:          p.Aspect,
			WatermarkWidth:  p.WatermarkWidth,
			WatermarkMargin: p.WatermarkMargin,
			Quality:         p.Quality,
		},
		Defaults: StateConfig{
			Mask:   "blur",
			Domain: "face",
			Facing: "back",
			Lens:   "normal",
		},
		RotationDebounce: 3,
		HistorySize:      3,
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
// Unknown keys are rejected so typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes data into cfg and validates the result.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Validate checks field ranges and enum names.
func Validate(cfg *Config) error {
	var errs []error
	s := cfg.Source
	if s.Width <= 0 || s.Height <= 0 || s.Width%2 != 0 || s.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("source: width and height must be positive and even, got %dx%d", s.Width, s.Height))
	}
	if s.FPS <= 0 {
		errs = append(errs, fmt.Errorf("source: fps must be positive"))
	}
	switch cfg.Detector.Kind {
	case DetectorPigo, DetectorHints:
	case DetectorWorker:
		if cfg.Detector.Worker.Command == "" {
			errs = append(errs, fmt.Errorf("detector: worker.command is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("detector: unknown kind %q", cfg.Detector.Kind))
	}
	if cfg.Tracker.JumpDistance < 0 {
		errs = append(errs, fmt.Errorf("tracker: jump_distance must not be negative"))
	}
	if cfg.Effect.RegionPadding < 0 {
		errs = append(errs, fmt.Errorf("effect: region_padding must not be negative"))
	}
	if _, err := ParseColor(cfg.Effect.FillColor); err != nil {
		errs = append(errs, fmt.Errorf("effect: %w", err))
	}
	if cfg.Video.TrimLead < 0 {
		errs = append(errs, fmt.Errorf("video: trim_lead must not be negative"))
	}
	if cfg.Photo.Aspect < 0 {
		errs = append(errs, fmt.Errorf("photo: aspect must not be negative"))
	}
	if q := cfg.Photo.Quality; q < 1 || q > 100 {
		errs = append(errs, fmt.Errorf("photo: quality must be within 1..100, got %d", q))
	}
	if _, err := cfg.Defaults.State(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	return errors.Join(errs...)
}

// State parses the initial anonymization state.
func (c StateConfig) State() (types.AnonState, error) {
	var s types.AnonState
	var err error
	if s.Mask, err = types.ParseMask(c.Mask); err != nil {
		return s, err
	}
	if s.Domain, err = types.ParseDomain(c.Domain); err != nil {
		return s, err
	}
	if s.Facing, err = types.ParseFacing(c.Facing); err != nil {
		return s, err
	}
	if s.Lens, err = types.ParseLens(c.Lens); err != nil {
		return s, err
	}
	return s, nil
}

// ParseColor parses "#rrggbb" (or "rrggbb") into an opaque color.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		RemoveCount:     c.Tracker.RemoveCount,
		IdleThreshold:   c.Tracker.IdleThreshold,
		SmoothingFactor: c.Tracker.SmoothingFactor,
		JumpDistance:    c.Tracker.JumpDistance,
	}
}

func (c *Config) EffectConfig() effect.Config {
	fill, _ := ParseColor(c.Effect.FillColor)
	return effect.Config{
		InFlightFrames: c.Effect.InFlightFrames,
		PassTimeout:    c.Effect.PassTimeout,
		RemoveCount:    c.Tracker.RemoveCount,
		BlurRadius:     c.Effect.BlurRadius,
		PixelWidth:     c.Effect.PixelWidth,
		RegionPadding:  c.Effect.RegionPadding,
		FillColor:      fill,
		MirrorFront:    c.Effect.MirrorFront,
	}
}

func (c *Config) VideoConfig() capture.VideoConfig {
	return capture.VideoConfig{
		TempDir:         c.Video.TempDir,
		OutputDir:       c.Video.OutputDir,
		FPS:             c.Source.FPS,
		Audio:           c.Video.Audio,
		DistortVoice:    c.Video.DistortAudio,
		DistortCents:    c.Video.VoiceCents,
		TrimLead:        c.Video.TrimLead,
		WatermarkPath:   c.Watermark,
		WatermarkMargin: c.Video.WatermarkMargin,
	}
}

func (c *Config) PhotoConfig() capture.PhotoConfig {
	return capture.PhotoConfig{
		OutputDir:       c.Photo.OutputDir,
		Aspect:          c.Photo.Aspect,
		WatermarkWidth:  c.Photo.WatermarkWidth,
		WatermarkMargin: c.Photo.WatermarkMargin,
		Quality:         c.Photo.Quality,
	}
}

// Metadata is the library metadata policy.
func (c *Config) Metadata() capture.Metadata {
	return capture.Metadata{StripMetadata: c.StripMetadata}
}
