// Package gpio is the pin-level hardware abstraction. The real
// implementation drives the Raspberry Pi header through periph.io;
// the mock in this package stands in on machines without GPIO so the
// rest of the server keeps working.
package gpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

// Pin is one configured GPIO pin.
type Pin interface {
	// SetHigh / SetLow drive an output pin to a static level.
	SetHigh() error
	SetLow() error
	// SetDuty drives an output pin with PWM at the given duty-cycle
	// percentage. Values outside [0,100] are clamped.
	SetDuty(percent float64) error
	// WaitForEdge blocks until an input pin sees an edge or the
	// timeout expires. Returns false on timeout.
	WaitForEdge(timeout time.Duration) bool
	// Read returns the current level of an input pin.
	Read() bool
	// Halt releases the pin.
	Halt() error
}

// HAL opens pins by number in the configured numbering scheme.
type HAL interface {
	OpenOutput(pin int) (Pin, error)
	OpenInput(pin int) (Pin, error)
}

var hostInit sync.Once
var hostInitErr error

// New returns a periph-backed HAL. pinMode selects the numbering
// scheme ("BOARD" or "BCM"); pwmFreqHz is the PWM frequency used by
// SetDuty. Fails if the host has no GPIO support, in which case the
// caller should degrade to NewMock.
func New(pinMode string, pwmFreqHz int) (HAL, error) {
	hostInit.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, fmt.Errorf("periph host init: %w", hostInitErr)
	}
	return &periphHAL{
		pinMode: pinMode,
		pwmFreq: physic.Frequency(pwmFreqHz) * physic.Hertz,
	}, nil
}

type periphHAL struct {
	pinMode string
	pwmFreq physic.Frequency
}

func (h *periphHAL) pinName(pin int) string {
	if h.pinMode == "BCM" {
		return fmt.Sprintf("GPIO%d", pin)
	}
	// BOARD numbering maps to the P1 header names.
	return fmt.Sprintf("P1_%d", pin)
}

func (h *periphHAL) lookup(pin int) (gpio.PinIO, error) {
	p := gpioreg.ByName(h.pinName(pin))
	if p == nil {
		return nil, fmt.Errorf("no such pin: %s", h.pinName(pin))
	}
	return p, nil
}

func (h *periphHAL) OpenOutput(pin int) (Pin, error) {
	p, err := h.lookup(pin)
	if err != nil {
		return nil, err
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("pin %s as output: %w", p.Name(), err)
	}
	return &periphPin{pin: p, pwmFreq: h.pwmFreq}, nil
}

func (h *periphHAL) OpenInput(pin int) (Pin, error) {
	p, err := h.lookup(pin)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("pin %s as input: %w", p.Name(), err)
	}
	return &periphPin{pin: p, pwmFreq: h.pwmFreq}, nil
}

type periphPin struct {
	pin     gpio.PinIO
	pwmFreq physic.Frequency
}

func (p *periphPin) SetHigh() error { return p.pin.Out(gpio.High) }
func (p *periphPin) SetLow() error  { return p.pin.Out(gpio.Low) }

func (p *periphPin) SetDuty(percent float64) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	duty := gpio.Duty(percent / 100 * float64(gpio.DutyMax))
	return p.pin.PWM(duty, p.pwmFreq)
}

func (p *periphPin) WaitForEdge(timeout time.Duration) bool {
	return p.pin.WaitForEdge(timeout)
}

func (p *periphPin) Read() bool {
	return p.pin.Read() == gpio.High
}

func (p *periphPin) Halt() error {
	return p.pin.Halt()
}
