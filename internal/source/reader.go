package source

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/types"
)

// FrameReader slices a raw NV12 byte stream (and an optional gray matte
// stream of the same geometry) into frames.
type FrameReader struct {
	r, matte io.Reader
	w, h     int
	interval time.Duration
	seq      uint64
	pool     sync.Pool
}

// NewFrameReader reads w x h frames from r. matte may be nil. Timestamps
// advance by 1/fps per frame.
func NewFrameReader(r, matte io.Reader, w, h int, fps float64) (*FrameReader, error) {
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 {
		return nil, fmt.Errorf("invalid NV12 geometry %dx%d", w, h)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v", fps)
	}
	size := types.NV12Size(w, h)
	fr := &FrameReader{
		r:        r,
		matte:    matte,
		w:        w,
		h:        h,
		interval: time.Duration(float64(time.Second) / fps),
	}
	fr.pool.New = func() any { return make([]byte, size) }
	return fr, nil
}

// Next returns the next frame, or io.EOF at the end of the stream. A
// truncated trailing frame is reported as io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() (*types.Frame, error) {
	buf := fr.pool.Get().([]byte)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		fr.pool.Put(buf)
		return nil, err
	}
	n := fr.w * fr.h
	f := &types.Frame{
		Seq:       fr.seq,
		Timestamp: time.Duration(fr.seq) * fr.interval,
		Width:     fr.w,
		Height:    fr.h,
		Y:         buf[:n],
		UV:        buf[n:],
	}
	if fr.matte != nil {
		m := make([]byte, n)
		if _, err := io.ReadFull(fr.matte, m); err == nil {
			f.Matte = m
		}
	}
	fr.seq++
	return f, nil
}

// Release returns the frame's plane buffer for reuse. f must not be used
// afterwards.
func (fr *FrameReader) Release(f *types.Frame) {
	if f == nil || cap(f.Y) < types.NV12Size(fr.w, fr.h) {
		return
	}
	fr.pool.Put(f.Y[:types.NV12Size(fr.w, fr.h)])
	f.Y, f.UV = nil, nil
}
