package lidar

import (
	"errors"
	"sync"
	"time"
)

// MockDevice synthesizes revolutions of a circular room with a single
// close obstacle dead ahead. It paces frames at a configurable rate so
// the scanner loop behaves like the real device.
type MockDevice struct {
	// WallDistance and ObstacleDistance are in mm.
	WallDistance     float64
	ObstacleDistance float64
	FramePeriod      time.Duration

	mu       sync.Mutex
	scanning bool
	stop     chan struct{}
}

func NewMockDevice() *MockDevice {
	return &MockDevice{
		WallDistance:     2000,
		ObstacleDistance: 400,
		FramePeriod:      100 * time.Millisecond,
	}
}

func (d *MockDevice) StartScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanning {
		return nil
	}
	d.scanning = true
	d.stop = make(chan struct{})
	return nil
}

func (d *MockDevice) NextFrame() (ScanFrame, error) {
	d.mu.Lock()
	scanning := d.scanning
	stop := d.stop
	d.mu.Unlock()
	if !scanning {
		return ScanFrame{}, errors.New("mock lidar is not scanning")
	}
	select {
	case <-stop:
		return ScanFrame{}, errors.New("mock lidar stopped")
	case <-time.After(d.FramePeriod):
	}

	points := make([]Measurement, 0, 360)
	for deg := 0; deg < 360; deg++ {
		dist := d.WallDistance
		if deg < 5 || deg > 355 {
			dist = d.ObstacleDistance
		}
		points = append(points, Measurement{Quality: 15, Angle: float64(deg), Distance: dist})
	}
	return ScanFrame{Points: points, Timestamp: time.Now()}, nil
}

func (d *MockDevice) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanning {
		d.scanning = false
		close(d.stop)
	}
	return nil
}

func (d *MockDevice) Close() error {
	return d.StopScan()
}

var _ Device = (*MockDevice)(nil)
