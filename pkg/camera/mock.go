package camera

import (
	"encoding/binary"
	"sync/atomic"
)

// MockSource is the stand-in when no camera device is present. Each
// capture is a unique placeholder payload with a JPEG signature so
// clients treat it like any other frame.
type MockSource struct {
	width  int
	height int
	seq    uint64
}

func NewMockSource(width, height int) *MockSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &MockSource{width: width, height: height}
}

func (m *MockSource) Capture() ([]byte, error) {
	n := atomic.AddUint64(&m.seq, 1)
	frame := make([]byte, 16)
	// JPEG SOI marker so the payload is recognizable as a frame.
	frame[0], frame[1] = 0xFF, 0xD8
	binary.BigEndian.PutUint64(frame[2:], n)
	frame[14], frame[15] = 0xFF, 0xD9
	return frame, nil
}

func (m *MockSource) SetResolution(width, height int) error {
	m.width = width
	m.height = height
	return nil
}

func (m *MockSource) Resolution() (int, int) { return m.width, m.height }

func (m *MockSource) Close() error { return nil }

var _ Source = (*MockSource)(nil)
