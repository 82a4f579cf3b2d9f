package camera

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestStreamerReplacesFrames(t *testing.T) {
	s := NewStreamer(NewMockSource(640, 480), 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	var first Frame
	deadline := time.Now().Add(time.Second)
	for {
		if f, ok := s.Latest(); ok {
			first = f
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame within a second")
		}
		time.Sleep(time.Millisecond)
	}
	if !bytes.HasPrefix(first.JPEG, []byte{0xFF, 0xD8}) {
		t.Fatalf("frame missing JPEG signature: %x", first.JPEG)
	}

	// The cache must be replaced wholesale by a later capture.
	deadline = time.Now().Add(time.Second)
	for {
		f, _ := s.Latest()
		if !bytes.Equal(f.JPEG, first.JPEG) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never replaced")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := NewStreamer(NewMockSource(0, 0), 100)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // second start is a no-op
	if !s.Streaming() {
		t.Fatal("not streaming after Start")
	}
	s.Stop()
	s.Stop() // second stop is a no-op
	if s.Streaming() {
		t.Fatal("still streaming after Stop")
	}
}

func TestSetResolution(t *testing.T) {
	s := NewStreamer(NewMockSource(640, 480), 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Close()

	if err := s.SetResolution(320, 240); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if f, ok := s.Latest(); ok && f.Width == 320 && f.Height == 240 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resolution change never reflected in frames")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.SetResolution(0, 240); err == nil {
		t.Fatal("invalid resolution accepted")
	}
}
