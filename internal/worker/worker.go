package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// maxRegions bounds the faces one response may carry.
const maxRegions = 256

// maxResponse is the largest body accepted: status, count and maxRegions boxes.
const maxResponse = 1 + 4 + 16*maxRegions

// ErrResponseTooLarge is returned when a response header announces more
// than maxResponse bytes. The stream is unusable afterwards.
var ErrResponseTooLarge = errors.New("detector response too large")

// ErrWorkerFailed is returned when the detector process reports an error.
var ErrWorkerFailed = errors.New("detector worker failed")

// Config describes the external detector process.
type Config struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// ProcessWorker runs an external face detector and talks to it over a
// length-prefixed protocol: requests on stdin, responses on FD 3.
type ProcessWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

func NewProcessWorker(ctx context.Context, id int, cfg Config) (*ProcessWorker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker %d: no detector command configured", id)
	}
	proc := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)

	// Side-channel pipe (FD 3) keeps responses clear of stray stdout prints.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now.
	w.Close()

	return &ProcessWorker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request and returns the raw response body.
func (w *ProcessWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed worker shows up here
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker %d: %w: %d bytes announced", w.ID, ErrResponseTooLarge, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect sends the luminance plane and decodes normalized face bounds.
//
// Request:  [W:u32][H:u32][Y plane]
// Response: [Status:u8] then either [N:u32][N x (x,y,w,h float32)] or [MsgLen:u32][Msg].
func (w *ProcessWorker) Detect(ctx context.Context, f *types.Frame) ([]types.DetectedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.Width * f.Height
	if len(f.Y) < n {
		return nil, fmt.Errorf("short luminance plane: %d < %d", len(f.Y), n)
	}
	req := make([]byte, 8+n)
	binary.BigEndian.PutUint32(req[0:4], uint32(f.Width))
	binary.BigEndian.PutUint32(req[4:8], uint32(f.Height))
	copy(req[8:], f.Y[:n])

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	return decodeRegions(resp)
}

func decodeRegions(resp []byte) ([]types.DetectedRegion, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	r := bytes.NewReader(resp[1:])
	if resp[0] == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || int(msgLen) > r.Len() {
			return nil, fmt.Errorf("%w: undecodable error payload", ErrWorkerFailed)
		}
		msg := make([]byte, msgLen)
		r.Read(msg)
		return nil, fmt.Errorf("%w: %s", ErrWorkerFailed, msg)
	}
	if resp[0] != statusOK {
		return nil, fmt.Errorf("unknown status byte %d", resp[0])
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if int64(count)*16 > int64(r.Len()) {
		return nil, fmt.Errorf("truncated response: %d regions announced", count)
	}
	regions := make([]types.DetectedRegion, 0, count)
	for i := 0; i < int(count); i++ {
		var box [4]float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, err
		}
		rect := types.Rect{X: float64(box[0]), Y: float64(box[1]), W: float64(box[2]), H: float64(box[3])}.Clamp()
		regions = append(regions, types.DetectedRegion{ID: i, Bounds: rect})
	}
	return regions, nil
}

func (w *ProcessWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
