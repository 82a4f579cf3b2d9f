// Package watchdog forces the motors to a safe state when the
// controller goes quiet or an obstacle gets too close. It sits beside
// the command router and takes precedence over it: its stops go
// straight to the motor controller.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qtrobot/robot-server/pkg/motor"
)

// Motor is the slice of the motor controller the watchdog needs.
type Motor interface {
	Stop() error
	Status() (motor.State, int)
}

// EventKind labels a watchdog status change.
type EventKind string

const (
	AutoStopped      EventKind = "auto_stopped"
	EmergencyStop    EventKind = "emergency_stop"
	EmergencyCleared EventKind = "emergency_cleared"
)

// Event is pushed to the server for broadcasting to controllers.
type Event struct {
	Kind     EventKind
	Distance float64 // cm; set on obstacle events
	At       time.Time
}

// Config holds the two safety bounds. A zero value disables the
// corresponding timer.
type Config struct {
	InactivityTimeout time.Duration
	EmergencyDistance float64 // cm
	PollInterval      time.Duration
}

// Watchdog runs one loop with both timers. distance returns the
// freshest cached obstacle reading in cm (ultrasonic, or LiDAR nearest
// forward, whichever the server wires in).
type Watchdog struct {
	motor    Motor
	distance func() (float64, bool)
	cfg      Config
	events   chan Event

	mu          sync.Mutex
	lastCommand time.Time
	emergency   bool

	wg sync.WaitGroup
}

func New(m Motor, distance func() (float64, bool), cfg Config) *Watchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Watchdog{
		motor:       m,
		distance:    distance,
		cfg:         cfg,
		events:      make(chan Event, 16),
		lastCommand: time.Now(),
	}
}

// Events is the status stream. The channel is buffered; if nothing is
// draining it, events are dropped rather than blocking a stop.
func (w *Watchdog) Events() <-chan Event {
	return w.events
}

// CommandReceived resets the inactivity timer. The router calls this
// for every accepted command.
func (w *Watchdog) CommandReceived() {
	w.mu.Lock()
	w.lastCommand = time.Now()
	w.mu.Unlock()
}

// EmergencyActive reports whether the obstacle flag is currently set.
func (w *Watchdog) EmergencyActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emergency
}

func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watchdog) Wait() {
	w.wg.Wait()
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkObstacle()
			w.checkInactivity()
		}
	}
}

func (w *Watchdog) checkInactivity() {
	if w.cfg.InactivityTimeout <= 0 {
		return
	}
	state, _ := w.motor.Status()
	if state == motor.Stopped {
		return
	}
	w.mu.Lock()
	quiet := time.Since(w.lastCommand)
	w.mu.Unlock()
	if quiet < w.cfg.InactivityTimeout {
		return
	}
	fmt.Printf("Watchdog: no command for %v, stopping motors\n", quiet.Round(time.Millisecond))
	w.motor.Stop()
	w.emit(Event{Kind: AutoStopped, At: time.Now()})
}

func (w *Watchdog) checkObstacle() {
	if w.cfg.EmergencyDistance <= 0 || w.distance == nil {
		return
	}
	d, ok := w.distance()
	if !ok {
		return
	}
	if d < w.cfg.EmergencyDistance {
		// Stop unconditionally; repeated stops while the obstacle
		// stays close are harmless, but the flag is only raised once.
		w.motor.Stop()
		w.mu.Lock()
		first := !w.emergency
		w.emergency = true
		w.mu.Unlock()
		if first {
			fmt.Printf("Watchdog: obstacle at %.1fcm, emergency stop\n", d)
			w.emit(Event{Kind: EmergencyStop, Distance: d, At: time.Now()})
		}
		return
	}
	w.mu.Lock()
	wasEmergency := w.emergency
	w.emergency = false
	w.mu.Unlock()
	if wasEmergency {
		fmt.Println("Watchdog: obstacle cleared")
		w.emit(Event{Kind: EmergencyCleared, Distance: d, At: time.Now()})
	}
}

func (w *Watchdog) emit(e Event) {
	select {
	case w.events <- e:
	default:
		fmt.Println("Watchdog: event dropped, nobody listening")
	}
}
