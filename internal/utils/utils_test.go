package utils

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "30", want: 30},
		{in: "30000/1001", want: 29.97002997},
		{in: " 25/1 ", want: 25},
		{in: "0/0", wantErr: true},
		{in: "N/A", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrameRate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseFrameRate(%q) expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrameRate(%q) failed: %v", tt.in, err)
			}
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRawSourceArgs(t *testing.T) {
	args := RawSourceArgs("/dev/video0", "v4l2", "nv12", 640, 480, 30)
	for _, want := range []string{"-f", "v4l2", "/dev/video0", "rawvideo", "nv12", "scale=640:480,fps=30"} {
		if !slices.Contains(args, want) {
			t.Errorf("Expected %q in %v", want, args)
		}
	}
	if args[len(args)-1] != "-" {
		t.Errorf("Expected output to stdout, got %q", args[len(args)-1])
	}

	// File inputs carry no demuxer flag before -i.
	args = RawSourceArgs("in.mp4", "", "gray", 320, 240, 29.97)
	if i := slices.Index(args, "-i"); i > 0 && args[i-2] == "-f" {
		t.Errorf("Unexpected demuxer flag in %v", args)
	}
}

func TestEncoderArgs(t *testing.T) {
	args := EncoderArgs("out.mp4", 30, 1280, 720)
	if !slices.Contains(args, "1280x720") || !slices.Contains(args, "rgba") {
		t.Errorf("Encoder args missing size or pixel format: %v", args)
	}
	if args[len(args)-1] != "out.mp4" {
		t.Errorf("Expected output path last, got %v", args)
	}
}

func TestRemoveFilesIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "a.raw")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RemoveFiles(present, filepath.Join(dir, "missing.raw"), ""); err != nil {
		t.Errorf("RemoveFiles returned %v", err)
	}
	if _, err := os.Stat(present); !os.IsNotExist(err) {
		t.Errorf("Expected %s to be removed", present)
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	if !HasBinary("sh") {
		t.Skip("sh not available")
	}
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Stderr.String(); got != "boom\n" {
		t.Errorf("Expected captured stderr %q, got %q", "boom\n", got)
	}
}
