package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps an exec.Cmd with a buffer that captures Stderr, so the
// logs of a crashed ffmpeg or detector process survive for error reporting.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares a context-bound command with a captured Stderr.
// It does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and the child process logs when a
// SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 VEIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for unrecoverable CLI failures.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// HasBinary reports whether name resolves on PATH.
func HasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// --- 2. Media Probing ---

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

func probe(ctx context.Context, path string, extra ...string) (*ffprobeOutput, error) {
	args := append([]string{"-v", "error", "-select_streams", "v:0"}, extra...)
	args = append(args, "-of", "json", path)
	out, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return &res, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(s string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	if !found {
		if n <= 0 {
			return 0, fmt.Errorf("invalid frame rate %q", s)
		}
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 || n <= 0 {
		return 0, fmt.Errorf("invalid frame rate %q", s)
	}
	return n / d, nil
}

// GetVideoFPS returns the frame rate of the first video stream.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	res, err := probe(ctx, path, "-show_entries", "stream=r_frame_rate")
	if err != nil {
		return 0, err
	}
	return ParseFrameRate(res.Streams[0].RFrameRate)
}

// GetVideoDimensions returns the width and height of the first video stream.
func GetVideoDimensions(ctx context.Context, path string) (int, int, error) {
	res, err := probe(ctx, path, "-show_entries", "stream=width,height")
	if err != nil {
		return 0, 0, err
	}
	w, h := res.Streams[0].Width, res.Streams[0].Height
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid dimensions %dx%d in %s", w, h, path)
	}
	return w, h, nil
}

// GetTotalFrames counts frames for the progress bar. It returns 0 if the
// count fails, letting callers fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if !HasBinary("ffprobe") {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot estimate progress.\n")
		return 0
	}

	// Fast path: container metadata. Can be "N/A" for VFR streams.
	if res, err := probe(ctx, path, "-show_entries", "stream=nb_frames"); err == nil {
		if n, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && n > 0 {
			return n
		}
	}

	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	res, err := probe(ctx, path, "-count_packets", "-show_entries", "stream=nb_read_packets")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ffprobe failed: %v\n", err)
		return 0
	}
	n, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return n
}

// --- 3. FFmpeg Pipes ---

// RawSourceArgs builds an ffmpeg command line that decodes input (a file or
// a device URL with an optional demuxer format) into rawvideo of pixFmt on
// stdout, scaled to w x h at fps.
func RawSourceArgs(input, format, pixFmt string, w, h int, fps float64) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, "-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%s", w, h, formatFloat(fps)),
		"-f", "rawvideo", "-pix_fmt", pixFmt, "-")
	return args
}

// EncoderArgs builds an ffmpeg command line that reads RGBA rawvideo from
// stdin and writes an H.264 file.
func EncoderArgs(output string, fps float64, w, h int) []string {
	return []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", formatFloat(fps),
		"-i", "-",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		output}
}

// NewFFmpegRawDecoder streams input as rawvideo of pixFmt on stdout.
func NewFFmpegRawDecoder(ctx context.Context, input, format, pixFmt string, w, h int, fps float64) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", RawSourceArgs(input, format, pixFmt, w, h, fps)...)
}

// NewFFmpegEncoder encodes RGBA frames written to stdin into output.
func NewFFmpegEncoder(ctx context.Context, output string, fps float64, w, h int) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", EncoderArgs(output, fps, w, h)...)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// --- 4. Files ---

// RemoveFiles deletes every path, best effort. Missing files are not errors.
func RemoveFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
