// Package camera captures frames and keeps the latest JPEG-encoded
// frame in a guarded cache for the server to push to controllers.
package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Source produces one encoded frame per Capture call. Implementations
// need not be goroutine-safe; the Streamer serializes all access.
type Source interface {
	Capture() ([]byte, error)
	SetResolution(width, height int) error
	Resolution() (width, height int)
	Close() error
}

// Frame is the latest encoded capture, replaced wholesale per tick.
type Frame struct {
	JPEG      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Streamer runs the capture loop while streaming is enabled.
type Streamer struct {
	src Source
	fps int

	// capMu serializes captures against resolution changes so a
	// reconfigure never lands mid-capture.
	capMu sync.Mutex

	mu      sync.Mutex // guards cancel/running
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	frameMu  sync.Mutex
	frame    Frame
	hasFrame bool
}

func NewStreamer(src Source, fps int) *Streamer {
	if fps <= 0 {
		fps = 30
	}
	return &Streamer{src: src, fps: fps}
}

// Start begins the capture loop. Starting an already-streaming
// streamer is a no-op.
func (s *Streamer) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)
	fmt.Println("Camera: streaming started")
}

// Stop ends the capture loop and joins it. The loop exits at its next
// iteration boundary.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
	fmt.Println("Camera: streaming stopped")
}

func (s *Streamer) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Streamer) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.captureOne()
		}
	}
}

func (s *Streamer) captureOne() {
	s.capMu.Lock()
	jpeg, err := s.src.Capture()
	w, h := s.src.Resolution()
	s.capMu.Unlock()
	if err != nil {
		// Skip this tick; the loop carries on at its next interval.
		fmt.Println("Camera: capture failed:", err)
		return
	}

	s.frameMu.Lock()
	s.frame = Frame{JPEG: jpeg, Width: w, Height: h, Timestamp: time.Now()}
	s.hasFrame = true
	s.frameMu.Unlock()
}

// Latest returns the current frame. The returned slice is the cached
// encoding, which is replaced (never mutated) on the next tick.
func (s *Streamer) Latest() (Frame, bool) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.frame, s.hasFrame
}

// SetResolution reconfigures the source. It waits for any in-flight
// capture to finish first.
func (s *Streamer) SetResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", width, height)
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.src.SetResolution(width, height)
}

// Close stops streaming and releases the camera.
func (s *Streamer) Close() error {
	s.Stop()
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.src.Close()
}
