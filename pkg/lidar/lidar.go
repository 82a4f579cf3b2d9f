// Package lidar ingests full-revolution scan frames from an RPLIDAR
// unit and answers derived queries (obstacles, bearings, path checks)
// over the latest frame.
package lidar

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Measurement is one sample of a revolution.
type Measurement struct {
	Quality  int     `json:"quality"`
	Angle    float64 `json:"angle"`    // degrees, 0-360
	Distance float64 `json:"distance"` // mm; 0 means no return
}

// ScanFrame is one full revolution. Frames are replaced wholesale,
// never merged.
type ScanFrame struct {
	Points    []Measurement
	Timestamp time.Time
}

// Point is a cartesian projection of a measurement, in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Device produces revolution frames. NextFrame blocks until a full
// revolution has been assembled.
type Device interface {
	StartScan() error
	NextFrame() (ScanFrame, error)
	StopScan() error
	Close() error
}

// Scanner owns a Device and the latest-frame cache.
type Scanner struct {
	dev              Device
	QualityThreshold int

	mu    sync.Mutex
	frame ScanFrame

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewScanner(dev Device, qualityThreshold int) *Scanner {
	return &Scanner{dev: dev, QualityThreshold: qualityThreshold}
}

// Start spins up the motor and begins consuming revolutions. Starting
// twice is a no-op.
func (s *Scanner) Start(parent context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	if err := s.dev.StartScan(); err != nil {
		return fmt.Errorf("starting lidar scan: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)
	fmt.Println("Lidar: scanning started")
	return nil
}

// Stop halts scanning. The consuming loop exits at its next frame
// boundary and the device motor is stopped before Stop returns.
func (s *Scanner) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.runMu.Unlock()
	s.wg.Wait()
	s.dev.StopScan()
	fmt.Println("Lidar: scanning stopped")
}

func (s *Scanner) Scanning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scanner) Close() error {
	s.Stop()
	return s.dev.Close()
}

// frameErrorBackoff paces retries after a failed read so a dead
// serial port cannot spin the consuming loop hot.
const frameErrorBackoff = 100 * time.Millisecond

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		frame, err := s.dev.NextFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Skip the bad revolution and carry on.
			fmt.Println("Lidar: frame error:", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(frameErrorBackoff):
			}
			continue
		}
		s.mu.Lock()
		s.frame = frame
		s.mu.Unlock()
	}
}

// Latest returns a snapshot of the current frame. The slice is copied
// so derived work never races a frame replacement.
func (s *Scanner) Latest() ScanFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ScanFrame{Timestamp: s.frame.Timestamp}
	cp.Points = append([]Measurement(nil), s.frame.Points...)
	return cp
}

// setFrame is a test hook: it installs a frame as if a revolution had
// completed.
func (s *Scanner) setFrame(f ScanFrame) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// qualifies applies the shared quality/distance filter: zero-distance
// returns and low-quality samples never count.
func (s *Scanner) qualifies(m Measurement) bool {
	return m.Quality > s.QualityThreshold && m.Distance > 0
}

// Obstacles returns all qualifying readings closer than minDistance
// (mm), from a single snapshot of the latest frame.
func (s *Scanner) Obstacles(minDistance float64) []Measurement {
	var out []Measurement
	for _, m := range s.Latest().Points {
		if s.qualifies(m) && m.Distance < minDistance {
			out = append(out, m)
		}
	}
	return out
}

// DistanceAtAngle returns the qualifying reading nearest to the target
// bearing within tolerance degrees.
func (s *Scanner) DistanceAtAngle(target, tolerance float64) (float64, bool) {
	best := math.MaxFloat64
	found := false
	bestDist := 0.0
	for _, m := range s.Latest().Points {
		if !s.qualifies(m) {
			continue
		}
		diff := math.Abs(angleDiff(m.Angle, target))
		if diff <= tolerance && diff < best {
			best = diff
			bestDist = m.Distance
			found = true
		}
	}
	return bestDist, found
}

// FrontDistance returns the reading straight ahead (bearing 0 ± 10°).
func (s *Scanner) FrontDistance() (float64, bool) {
	return s.DistanceAtAngle(0, 10)
}

// PathClear reports whether no qualifying reading inside
// [startAngle, endAngle] is closer than minDistance (mm).
func (s *Scanner) PathClear(startAngle, endAngle, minDistance float64) bool {
	for _, m := range s.Latest().Points {
		if m.Angle < startAngle || m.Angle > endAngle {
			continue
		}
		if s.qualifies(m) && m.Distance < minDistance {
			return false
		}
	}
	return true
}

// CartesianPoints projects all qualifying readings of the latest frame
// into meters for visualization.
func (s *Scanner) CartesianPoints() []Point {
	var out []Point
	for _, m := range s.Latest().Points {
		if !s.qualifies(m) {
			continue
		}
		rad := m.Angle * math.Pi / 180
		dm := m.Distance / 1000
		out = append(out, Point{X: dm * math.Cos(rad), Y: dm * math.Sin(rad)})
	}
	return out
}

// angleDiff is the signed smallest difference between two bearings.
func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}
