// Package motor drives the two-sided motor bridge (L298N/TB6612
// style): two PWM pins per side, with direction selected by which pin
// of the pair carries the duty cycle.
package motor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/hal/gpio"
)

type State int

const (
	Stopped State = iota
	Forward
	Backward
	TurningLeft
	TurningRight
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case TurningLeft:
		return "turning_left"
	case TurningRight:
		return "turning_right"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ErrNotMoving is returned by SetSpeed when the robot is stopped:
// silently re-applying a duty cycle to inactive pins would mask a
// dropped command.
var ErrNotMoving = errors.New("robot is not moving")

// duties is the per-pin duty assignment for one state at a given
// speed. Order: L1, L2, R1, R2.
type duties [4]float64

func dutiesFor(state State, speed float64) duties {
	switch state {
	case Forward:
		return duties{speed, 0, speed, 0}
	case Backward:
		return duties{0, speed, 0, speed}
	case TurningLeft:
		// Left side reverse, right side forward: rotate in place.
		return duties{0, speed, speed, 0}
	case TurningRight:
		return duties{speed, 0, 0, speed}
	}
	return duties{}
}

// Controller owns the four drive pins. All transitions happen under
// its lock; the deferred auto-stop uses a generation counter so a
// timer that fires after a newer command has been accepted is a no-op.
type Controller struct {
	mu        sync.Mutex
	pins      [4]gpio.Pin // L1, L2, R1, R2
	state     State
	speed     int // duty-cycle percent currently applied
	timerGen  uint64
	stopTimer *time.Timer
	closed    bool
}

// New opens the four motor pins and parks them at zero duty.
func New(hal gpio.HAL, pins config.MotorPins) (*Controller, error) {
	c := &Controller{}
	for i, n := range []int{pins.L1, pins.L2, pins.R1, pins.R2} {
		p, err := hal.OpenOutput(n)
		if err != nil {
			// Release whatever we already claimed.
			for j := 0; j < i; j++ {
				c.pins[j].Halt()
			}
			return nil, fmt.Errorf("opening motor pin %d: %w", n, err)
		}
		if err := p.SetDuty(0); err != nil {
			for j := 0; j < i; j++ {
				c.pins[j].Halt()
			}
			p.Halt()
			return nil, fmt.Errorf("zeroing motor pin %d: %w", n, err)
		}
		c.pins[i] = p
	}
	return c, nil
}

func clampSpeed(speed int) int {
	if speed < 0 {
		return 0
	}
	if speed > 100 {
		return 100
	}
	return speed
}

// Drive puts the motors into the given directional state at the given
// speed. A positive duration schedules exactly one deferred stop;
// any directional or stop command issued before it fires supersedes
// it (last command wins).
func (c *Controller) Drive(state State, speed int, duration float64) error {
	if state == Stopped {
		return c.Stop()
	}
	speed = clampSpeed(speed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("motor controller is closed")
	}
	c.supersedeTimerLocked()
	if err := c.applyLocked(dutiesFor(state, float64(speed))); err != nil {
		return err
	}
	c.state = state
	c.speed = speed
	fmt.Printf("Motor: %s at %d%%\n", state, speed)

	if duration > 0 {
		gen := c.timerGen
		c.stopTimer = time.AfterFunc(time.Duration(duration*float64(time.Second)), func() {
			c.autoStop(gen)
		})
	}
	return nil
}

// Stop zeroes every duty cycle and returns to Stopped. It is safe to
// call at any time, including concurrently with a pending auto-stop.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supersedeTimerLocked()
	return c.stopLocked()
}

// SetSpeed re-applies a new duty cycle to the pins active in the
// current direction. While stopped it returns ErrNotMoving.
func (c *Controller) SetSpeed(speed int) error {
	speed = clampSpeed(speed)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("motor controller is closed")
	}
	if c.state == Stopped {
		return ErrNotMoving
	}
	if err := c.applyLocked(dutiesFor(c.state, float64(speed))); err != nil {
		return err
	}
	c.speed = speed
	fmt.Printf("Motor: speed -> %d%%\n", speed)
	return nil
}

// Status returns the current state and duty-cycle percentage.
func (c *Controller) Status() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.speed
}

// Close stops the motors and releases the pins. The controller cannot
// be used afterwards; config swaps build a fresh one.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.supersedeTimerLocked()
	c.stopLocked()
	var firstErr error
	for _, p := range c.pins {
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closed = true
	return firstErr
}

// supersedeTimerLocked invalidates any pending auto-stop. A timer
// callback already past its gen check is harmless: stop is idempotent.
func (c *Controller) supersedeTimerLocked() {
	c.timerGen++
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
}

func (c *Controller) autoStop(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen {
		// A newer command arrived before the timer fired.
		return
	}
	c.stopTimer = nil
	fmt.Println("Motor: duration elapsed, auto-stop")
	c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.closed {
		return nil
	}
	err := c.applyLocked(duties{})
	c.state = Stopped
	c.speed = 0
	return err
}

func (c *Controller) applyLocked(d duties) error {
	for i, p := range c.pins {
		if err := p.SetDuty(d[i]); err != nil {
			return fmt.Errorf("setting duty on motor pin: %w", err)
		}
	}
	return nil
}
