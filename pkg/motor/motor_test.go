package motor

import (
	"errors"
	"testing"
	"time"

	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/hal/gpio"
)

var testPins = config.MotorPins{L1: 33, L2: 38, R1: 35, R2: 40}

func newTestController(t *testing.T) (*Controller, *gpio.Mock) {
	t.Helper()
	hal := gpio.NewMock()
	c, err := New(hal, testPins)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, hal
}

func expectDuties(t *testing.T, hal *gpio.Mock, l1, l2, r1, r2 float64) {
	t.Helper()
	got := [4]float64{
		hal.Pin(testPins.L1).Duty(),
		hal.Pin(testPins.L2).Duty(),
		hal.Pin(testPins.R1).Duty(),
		hal.Pin(testPins.R2).Duty(),
	}
	want := [4]float64{l1, l2, r1, r2}
	if got != want {
		t.Fatalf("duties L1/L2/R1/R2 = %v, want %v", got, want)
	}
}

func TestTruthTable(t *testing.T) {
	c, hal := newTestController(t)
	defer c.Close()

	if err := c.Drive(Forward, 70, 0); err != nil {
		t.Fatalf("Drive forward: %v", err)
	}
	expectDuties(t, hal, 70, 0, 70, 0)

	if err := c.Drive(Backward, 40, 0); err != nil {
		t.Fatalf("Drive backward: %v", err)
	}
	expectDuties(t, hal, 0, 40, 0, 40)

	if err := c.Drive(TurningLeft, 50, 0); err != nil {
		t.Fatalf("Turn left: %v", err)
	}
	expectDuties(t, hal, 0, 50, 50, 0)

	if err := c.Drive(TurningRight, 50, 0); err != nil {
		t.Fatalf("Turn right: %v", err)
	}
	expectDuties(t, hal, 50, 0, 0, 50)

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	expectDuties(t, hal, 0, 0, 0, 0)
	if st, spd := c.Status(); st != Stopped || spd != 0 {
		t.Fatalf("after stop: state=%v speed=%v", st, spd)
	}
}

func TestSpeedClamp(t *testing.T) {
	c, hal := newTestController(t)
	defer c.Close()

	c.Drive(Forward, 150, 0)
	expectDuties(t, hal, 100, 0, 100, 0)

	c.Drive(Forward, -5, 0)
	expectDuties(t, hal, 0, 0, 0, 0)
}

func TestDurationAutoStop(t *testing.T) {
	c, hal := newTestController(t)
	defer c.Close()

	c.Drive(Forward, 70, 0.05)
	if st, spd := c.Status(); st != Forward || spd != 70 {
		t.Fatalf("before timer: state=%v speed=%v", st, spd)
	}
	time.Sleep(150 * time.Millisecond)
	if st, _ := c.Status(); st != Stopped {
		t.Fatalf("after duration: state=%v, want Stopped", st)
	}
	expectDuties(t, hal, 0, 0, 0, 0)
}

func TestNewCommandCancelsAutoStop(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Close()

	c.Drive(Forward, 70, 0.05)
	c.Drive(Backward, 30, 0)

	// A's timer would have fired inside this window; it must not
	// affect B.
	time.Sleep(150 * time.Millisecond)
	if st, spd := c.Status(); st != Backward || spd != 30 {
		t.Fatalf("state=%v speed=%v, want Backward 30", st, spd)
	}
}

func TestStopCancelsAutoStop(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Close()

	c.Drive(Forward, 70, 0.05)
	c.Stop()
	c.Drive(TurningLeft, 60, 0)
	time.Sleep(150 * time.Millisecond)
	if st, _ := c.Status(); st != TurningLeft {
		t.Fatalf("state=%v, want TurningLeft", st)
	}
}

func TestSetSpeedWhileStopped(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Close()

	if err := c.SetSpeed(50); err != ErrNotMoving {
		t.Fatalf("SetSpeed while stopped = %v, want ErrNotMoving", err)
	}
}

func TestSetSpeedWhileMoving(t *testing.T) {
	c, hal := newTestController(t)
	defer c.Close()

	c.Drive(TurningLeft, 50, 0)
	if err := c.SetSpeed(80); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	expectDuties(t, hal, 0, 80, 80, 0)
	if st, spd := c.Status(); st != TurningLeft || spd != 80 {
		t.Fatalf("state=%v speed=%v", st, spd)
	}
}

func TestCloseReleasesPins(t *testing.T) {
	c, hal := newTestController(t)

	c.Drive(Forward, 70, 0)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectDuties(t, hal, 0, 0, 0, 0)
	for _, n := range []int{testPins.L1, testPins.L2, testPins.R1, testPins.R2} {
		if !hal.Pin(n).Halted() {
			t.Fatalf("pin %d not released", n)
		}
	}
	if err := c.Drive(Forward, 10, 0); err == nil {
		t.Fatal("Drive after Close should fail")
	}
}

// dutyFailPin refuses SetDuty so tests can drive New down its cleanup
// path.
type dutyFailPin struct {
	*gpio.MockPin
}

func (p dutyFailPin) SetDuty(float64) error { return errors.New("pwm export failed") }

// dutyFailHAL opens real mock pins except for one number, which gets a
// pin whose SetDuty always fails.
type dutyFailHAL struct {
	*gpio.Mock
	failPin int
}

func (h dutyFailHAL) OpenOutput(pin int) (gpio.Pin, error) {
	if pin == h.failPin {
		return dutyFailPin{h.Mock.Pin(pin)}, nil
	}
	return h.Mock.OpenOutput(pin)
}

func TestNewReleasesPinsOnDutyFailure(t *testing.T) {
	hal := dutyFailHAL{Mock: gpio.NewMock(), failPin: testPins.R1}
	if _, err := New(hal, testPins); err == nil {
		t.Fatal("New should fail when a pin rejects its duty cycle")
	}
	// Every pin opened before and including the failing one must be
	// released; the never-opened pin must be untouched.
	for _, n := range []int{testPins.L1, testPins.L2, testPins.R1} {
		if !hal.Pin(n).Halted() {
			t.Fatalf("pin %d not released after failed New", n)
		}
	}
	if hal.Pin(testPins.R2).Halted() {
		t.Fatal("pin opened after the failure point should be untouched")
	}
}
