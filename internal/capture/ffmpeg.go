package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"strconv"
	"sync"

	"github.com/andresmejia3/veil/internal/utils"
	"golang.org/x/image/draw"
)

// DefaultDistortCents is the pitch offset of each distorted voice.
const DefaultDistortCents = 250

// VideoTrack receives the frames of one recording.
type VideoTrack interface {
	WriteFrame(img *image.RGBA) error
	// Close finishes the file.
	Close() error
	// Abort stops the track without finishing the file.
	Abort()
}

// EncoderFactory opens video tracks.
type EncoderFactory interface {
	NewTrack(ctx context.Context, path string, w, h int, fps float64) (VideoTrack, error)
}

// AudioCapture is one running microphone recording.
type AudioCapture interface {
	Stop() error
	Abort()
}

// AudioRecorder starts microphone recordings.
type AudioRecorder interface {
	StartAudio(ctx context.Context, path string) (AudioCapture, error)
}

// Processor performs the offline finalize steps.
type Processor interface {
	DistortVoice(ctx context.Context, in, out string, cents int) error
	Mux(ctx context.Context, plan MuxPlan) error
}

// DistortArgs renders the voice distortion filter: the input is split into
// two voices pitch shifted by +cents and -cents, then mixed back together.
func DistortArgs(in, out string, cents, sampleRate int) []string {
	r := math.Pow(2, float64(cents)/1200)
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	filter := fmt.Sprintf(
		"[0:a]asplit=2[a][b];"+
			"[a]asetrate=%d*%s,aresample=%d,atempo=%s[hi];"+
			"[b]asetrate=%d*%s,aresample=%d,atempo=%s[lo];"+
			"[hi][lo]amix=inputs=2[out]",
		sampleRate, f(r), sampleRate, f(1/r),
		sampleRate, f(1/r), sampleRate, f(r))
	return []string{"-hide_banner", "-loglevel", "error", "-y", "-i", in,
		"-filter_complex", filter, "-map", "[out]", "-ar", strconv.Itoa(sampleRate), out}
}

// FFmpegProcessor runs finalize steps with the ffmpeg binary.
type FFmpegProcessor struct {
	SampleRate int
}

func (p FFmpegProcessor) sampleRate() int {
	if p.SampleRate > 0 {
		return p.SampleRate
	}
	return 44100
}

func (p FFmpegProcessor) DistortVoice(ctx context.Context, in, out string, cents int) error {
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", DistortArgs(in, out, cents, p.sampleRate())...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("voice distortion failed: %w: %s", err, cmd.Stderr.String())
	}
	return nil
}

func (p FFmpegProcessor) Mux(ctx context.Context, plan MuxPlan) error {
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", plan.Args()...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mux failed: %w: %s", err, cmd.Stderr.String())
	}
	return nil
}

// FFmpegEncoder encodes RGBA frames through an ffmpeg child process.
type FFmpegEncoder struct{}

func (FFmpegEncoder) NewTrack(ctx context.Context, path string, w, h int, fps float64) (VideoTrack, error) {
	if !utils.HasBinary("ffmpeg") {
		return nil, fmt.Errorf("%w: ffmpeg not found", ErrNoSession)
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegEncoder(ctx, path, fps, w, h)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return &ffmpegTrack{cmd: cmd, stdin: stdin, cancel: cancel, w: w, h: h}, nil
}

type ffmpegTrack struct {
	cmd    *utils.SafeCommand
	stdin  io.WriteCloser
	cancel context.CancelFunc
	w, h   int
	once   sync.Once
	err    error
}

func (t *ffmpegTrack) WriteFrame(img *image.RGBA) error {
	return writeRGBA(t.stdin, img, t.w, t.h)
}

func (t *ffmpegTrack) Close() error {
	t.once.Do(func() {
		t.stdin.Close()
		if err := t.cmd.Wait(); err != nil {
			t.err = fmt.Errorf("encoder failed: %w: %s", err, t.cmd.Stderr.String())
		}
		t.cancel()
	})
	return t.err
}

func (t *ffmpegTrack) Abort() {
	t.cancel()
	t.once.Do(func() {
		t.stdin.Close()
		t.cmd.Wait()
	})
}

// writeRGBA writes img as tightly packed w x h RGBA, scaling it first when
// the frame size changed mid-recording.
func writeRGBA(wr io.Writer, img *image.RGBA, w, h int) error {
	if img.Rect.Dx() != w || img.Rect.Dy() != h {
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(scaled, scaled.Rect, img, img.Rect, draw.Src, nil)
		img = scaled
	}
	if img.Stride == w*4 && img.Rect.Min == (image.Point{}) {
		_, err := wr.Write(img.Pix[:w*h*4])
		return err
	}
	for y := 0; y < h; y++ {
		off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y)
		if _, err := wr.Write(img.Pix[off : off+w*4]); err != nil {
			return err
		}
	}
	return nil
}

// FFmpegAudio records the microphone with ffmpeg.
type FFmpegAudio struct {
	Format string // e.g. "alsa", "pulse", "avfoundation"
	Device string
}

func (a FFmpegAudio) StartAudio(ctx context.Context, path string) (AudioCapture, error) {
	if a.Device == "" {
		return nil, fmt.Errorf("%w: no audio device configured", ErrNoSession)
	}
	ctx, cancel := context.WithCancel(ctx)
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if a.Format != "" {
		args = append(args, "-f", a.Format)
	}
	args = append(args, "-i", a.Device, "-ac", "1", "-ar", "44100", path)
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return &ffmpegAudio{cmd: cmd, stdin: stdin, cancel: cancel}, nil
}

type ffmpegAudio struct {
	cmd    *utils.SafeCommand
	stdin  io.WriteCloser
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Stop asks ffmpeg to quit so the file trailer gets written.
func (a *ffmpegAudio) Stop() error {
	a.once.Do(func() {
		io.WriteString(a.stdin, "q")
		a.stdin.Close()
		if err := a.cmd.Wait(); err != nil {
			a.err = fmt.Errorf("audio capture failed: %w: %s", err, a.cmd.Stderr.String())
		}
		a.cancel()
	})
	return a.err
}

func (a *ffmpegAudio) Abort() {
	a.cancel()
	a.once.Do(func() {
		a.stdin.Close()
		a.cmd.Wait()
	})
}
