// Package ultrasonic reads an HC-SR04 range sensor: a 10µs trigger
// pulse, then the echo pin goes high for the round-trip time of the
// ping.
package ultrasonic

import (
	"fmt"
	"time"

	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/hal/gpio"
)

// Speed of sound / 2, in cm per second of round-trip time.
const cmPerSecond = 17150

// echoTimeout bounds both edge waits; beyond this the ping is lost.
const echoTimeout = 100 * time.Millisecond

type Interface interface {
	// Distance returns the measured range in cm. ok is false when the
	// echo timed out; a timeout is not an error, the sample is just
	// omitted.
	Distance() (distance float64, ok bool)
	Close() error
}

type Sensor struct {
	trigger     gpio.Pin
	echo        gpio.Pin
	maxDistance float64
}

func New(hal gpio.HAL, cfg config.UltrasonicConfig) (*Sensor, error) {
	trig, err := hal.OpenOutput(cfg.TriggerPin)
	if err != nil {
		return nil, fmt.Errorf("opening trigger pin %d: %w", cfg.TriggerPin, err)
	}
	echo, err := hal.OpenInput(cfg.EchoPin)
	if err != nil {
		trig.Halt()
		return nil, fmt.Errorf("opening echo pin %d: %w", cfg.EchoPin, err)
	}
	trig.SetLow()
	return &Sensor{trigger: trig, echo: echo, maxDistance: cfg.MaxDistance}, nil
}

func (s *Sensor) Distance() (float64, bool) {
	// 10µs trigger pulse.
	if err := s.trigger.SetHigh(); err != nil {
		return 0, false
	}
	time.Sleep(10 * time.Microsecond)
	if err := s.trigger.SetLow(); err != nil {
		return 0, false
	}

	// Echo start.
	if !s.echo.WaitForEdge(echoTimeout) {
		return 0, false
	}
	start := time.Now()

	// Echo end.
	if !s.echo.WaitForEdge(echoTimeout) {
		return 0, false
	}
	elapsed := time.Since(start)

	distance := elapsed.Seconds() * cmPerSecond
	if distance > s.maxDistance {
		distance = s.maxDistance
	}
	return distance, true
}

func (s *Sensor) Close() error {
	err1 := s.trigger.Halt()
	err2 := s.echo.Halt()
	if err1 != nil {
		return err1
	}
	return err2
}

// Mock stands in when GPIO is unavailable; it always reports a fixed
// clear distance.
type Mock struct {
	FixedDistance float64
}

func NewMock() *Mock {
	return &Mock{FixedDistance: 100}
}

func (m *Mock) Distance() (float64, bool) { return m.FixedDistance, true }
func (m *Mock) Close() error              { return nil }

var _ Interface = (*Sensor)(nil)
var _ Interface = (*Mock)(nil)
