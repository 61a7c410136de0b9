package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/veil/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// respond pre-fills pipe with one length-prefixed response.
func respond(pipe *MockCloser, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func TestDetect(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Fake detector response: [Status:0] [N:2] [Box] [Box]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [4]float32{0.1, 0.2, 0.3, 0.25})
	binary.Write(payload, binary.BigEndian, [4]float32{0.9, 0.9, 0.5, 0.5}) // overflows, gets clamped
	respond(dataPipeMock, payload.Bytes())

	// 3. Create Worker with mocks injected; Cmd is nil, only the protocol is tested
	w := &ProcessWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	frame := &types.Frame{Width: 4, Height: 2, Y: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	regions, err := w.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Request: 4 byte length + 8 byte geometry + luminance plane
	sent := stdinMock.Bytes()
	if len(sent) != 4+8+8 {
		t.Fatalf("Expected %d bytes sent, got %d", 20, len(sent))
	}
	if binary.BigEndian.Uint32(sent[4:8]) != 4 || binary.BigEndian.Uint32(sent[8:12]) != 2 {
		t.Errorf("Geometry header incorrect: %v", sent[4:12])
	}
	if !bytes.Equal(sent[12:], frame.Y) {
		t.Errorf("Luminance plane not forwarded: %v", sent[12:])
	}

	if len(regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(regions))
	}
	if math.Abs(regions[0].Bounds.W-0.3) > 1e-6 || math.Abs(regions[0].Bounds.Y-0.2) > 1e-6 {
		t.Errorf("Unexpected first region %v", regions[0].Bounds)
	}
	if b := regions[1].Bounds; b.MaxX() > 1+1e-9 || b.MaxY() > 1+1e-9 {
		t.Errorf("Second region not clamped: %v", b)
	}
}

func TestDetectError(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "model not loaded"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	respond(dataPipeMock, payload.Bytes())

	w := &ProcessWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}
	_, err := w.Detect(context.Background(), &types.Frame{Width: 2, Height: 2, Y: make([]byte, 4)})
	if !errors.Is(err, ErrWorkerFailed) {
		t.Fatalf("Expected ErrWorkerFailed, got %v", err)
	}
	if err.Error() != "detector worker failed: "+errMsg {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestDetectTruncatedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(3)) // announces 3 boxes, sends none
	respond(dataPipeMock, payload.Bytes())

	w := &ProcessWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	if _, err := w.Detect(context.Background(), &types.Frame{Width: 2, Height: 2, Y: make([]byte, 4)}); err == nil {
		t.Error("Expected error for a truncated response")
	}
}

func TestDetectRejectsOversizedResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(math.MaxUint32))

	w := &ProcessWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	_, err := w.Detect(context.Background(), &types.Frame{Width: 2, Height: 2, Y: make([]byte, 4)})
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("Expected ErrResponseTooLarge, got %v", err)
	}
}

func TestDetectAcceptsLargestResponse(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(maxRegions))
	for i := 0; i < maxRegions; i++ {
		binary.Write(payload, binary.BigEndian, [4]float32{0.1, 0.1, 0.1, 0.1})
	}
	respond(dataPipeMock, payload.Bytes())

	w := &ProcessWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	regions, err := w.Detect(context.Background(), &types.Frame{Width: 2, Height: 2, Y: make([]byte, 4)})
	if err != nil || len(regions) != maxRegions {
		t.Errorf("Expected %d regions, got %d, %v", maxRegions, len(regions), err)
	}
}

func TestDetectCrashedWorker(t *testing.T) {
	// Empty data pipe: the process died before answering.
	w := &ProcessWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if _, err := w.Detect(context.Background(), &types.Frame{Width: 2, Height: 2, Y: make([]byte, 4)}); err == nil {
		t.Error("Expected error from a dead worker")
	}
}

func TestNewProcessWorkerRequiresCommand(t *testing.T) {
	if _, err := NewProcessWorker(context.Background(), 0, Config{}); err == nil {
		t.Error("Expected error without a command")
	}
}
