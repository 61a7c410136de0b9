// Package source produces camera frames and face detections.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/rs/zerolog"
)

// ErrNoSession means the capture device could not be opened. Callers treat
// it as "feature unavailable", not as a crash.
var ErrNoSession = errors.New("no capture session")

// Source delivers frames until ctx is cancelled, the stream ends or Close
// is called. The channel is closed when delivery stops.
type Source interface {
	Start(ctx context.Context) (<-chan *types.Frame, error)
	// Release hands a consumed frame's buffers back to the source.
	Release(f *types.Frame)
	Close() error
}

// Device is an ffmpeg input: a file path or a device URL plus demuxer.
type Device struct {
	Input  string `yaml:"input"`
	Format string `yaml:"format"`
	// Matte is an optional segmentation stream decoded as gray frames.
	Matte       string `yaml:"matte"`
	MatteFormat string `yaml:"matte_format"`
}

// Config selects devices and frame geometry.
type Config struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
	// Devices maps "facing/lens" or "facing" to a device. "default" is the fallback.
	Devices map[string]Device `yaml:"devices"`
	Buffer  int               `yaml:"buffer"`
}

// DeviceFor resolves the device for a camera configuration.
func (c Config) DeviceFor(s types.AnonState) (Device, bool) {
	for _, key := range []string{s.Facing.String() + "/" + s.Lens.String(), s.Facing.String(), "default"} {
		if d, ok := c.Devices[key]; ok && d.Input != "" {
			return d, true
		}
	}
	return Device{}, false
}

// FFmpegSource decodes a device or file into NV12 frames with ffmpeg.
type FFmpegSource struct {
	cfg   Config
	state types.AnonState
	log   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	cmds    []*utils.SafeCommand
	reader  *FrameReader
	wg      sync.WaitGroup
	lastErr error
}

// NewFFmpegSource prepares a source for the camera selected by state. The
// segmentation matte is only decoded outside the face domain.
func NewFFmpegSource(cfg Config, state types.AnonState, log zerolog.Logger) *FFmpegSource {
	if cfg.Buffer < 1 {
		cfg.Buffer = 2
	}
	return &FFmpegSource{cfg: cfg, state: state, log: log.With().Str("component", "source").Logger()}
}

func (s *FFmpegSource) Start(ctx context.Context) (<-chan *types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, fmt.Errorf("source already started")
	}
	dev, ok := s.cfg.DeviceFor(s.state)
	if !ok {
		return nil, fmt.Errorf("%w: no device for %s/%s", ErrNoSession, s.state.Facing, s.state.Lens)
	}
	if !utils.HasBinary("ffmpeg") {
		return nil, fmt.Errorf("%w: ffmpeg not found", ErrNoSession)
	}

	ctx, cancel := context.WithCancel(ctx)
	video := utils.NewFFmpegRawDecoder(ctx, dev.Input, dev.Format, "nv12", s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	vout, err := video.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := video.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	s.cmds = []*utils.SafeCommand{video}

	var mout io.Reader
	if dev.Matte != "" && s.state.Domain != types.DomainFace {
		matte := utils.NewFFmpegRawDecoder(ctx, dev.Matte, dev.MatteFormat, "gray", s.cfg.Width, s.cfg.Height, s.cfg.FPS)
		if pipe, err := matte.StdoutPipe(); err == nil && matte.Start() == nil {
			mout = pipe
			s.cmds = append(s.cmds, matte)
		} else {
			s.log.Warn().Str("matte", dev.Matte).Msg("segmentation matte unavailable")
		}
	}

	reader, err := NewFrameReader(vout, mout, s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	if err != nil {
		cancel()
		s.waitCmds()
		return nil, err
	}
	s.reader = reader
	s.cancel = cancel

	out := make(chan *types.Frame, s.cfg.Buffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		for {
			f, err := reader.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("frame stream ended")
				}
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				reader.Release(f)
				return
			}
		}
	}()
	s.log.Info().Str("input", dev.Input).Int("width", s.cfg.Width).Int("height", s.cfg.Height).Bool("matte", mout != nil).Msg("capture session started")
	return out, nil
}

func (s *FFmpegSource) Release(f *types.Frame) {
	s.mu.Lock()
	r := s.reader
	s.mu.Unlock()
	if r != nil {
		r.Release(f)
	}
}

// Close kills the decoders and waits for the reader to exit.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitCmds()
	s.cancel = nil
	return nil
}

func (s *FFmpegSource) waitCmds() {
	for _, c := range s.cmds {
		c.Wait()
	}
	s.cmds = nil
}
