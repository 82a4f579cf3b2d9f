// Package sensors runs the fixed-rate polling loop over the ultrasonic
// and IMU sensors and caches the most recent sample. Readers always
// get a consistent copy; there is no history.
package sensors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qtrobot/robot-server/pkg/hal/mpu6050"
	"github.com/qtrobot/robot-server/pkg/hal/ultrasonic"
)

const DefaultInterval = 100 * time.Millisecond // 10 Hz

type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sample is one poll tick's worth of readings. Nil fields mean that
// reading was unavailable this tick (echo timeout, I2C fault).
type Sample struct {
	Distance     *float64  `json:"distance,omitempty"` // cm
	Acceleration *Vector   `json:"acceleration,omitempty"`
	Gyro         *Vector   `json:"gyro,omitempty"`
	Timestamp    time.Time `json:"-"`
}

// Poller owns its two devices and the latest-sample cache.
type Poller struct {
	ultrasonic ultrasonic.Interface
	imu        mpu6050.Interface
	interval   time.Duration

	mu     sync.Mutex
	latest Sample

	wg sync.WaitGroup
}

func New(us ultrasonic.Interface, imu mpu6050.Interface, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{ultrasonic: us, imu: imu, interval: interval}
}

// Start launches the polling loop. It returns immediately; use Wait
// after cancelling the context to join the loop.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

// Wait blocks until the loop has exited and the devices are released.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	defer p.cleanup()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	sample := Sample{Timestamp: time.Now()}

	if p.ultrasonic != nil {
		if d, ok := p.ultrasonic.Distance(); ok {
			sample.Distance = &d
		}
	}
	if p.imu != nil {
		if x, y, z, err := p.imu.Acceleration(); err == nil {
			sample.Acceleration = &Vector{X: x, Y: y, Z: z}
		} else {
			fmt.Println("Sensors: accelerometer read failed:", err)
		}
		if x, y, z, err := p.imu.Gyro(); err == nil {
			sample.Gyro = &Vector{X: x, Y: y, Z: z}
		} else {
			fmt.Println("Sensors: gyro read failed:", err)
		}
	}

	p.mu.Lock()
	p.latest = sample
	p.mu.Unlock()
}

// Latest returns a copy of the most recent sample. The zero Sample
// (zero Timestamp) means nothing has been polled yet.
func (p *Poller) Latest() Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.latest
	if s.Distance != nil {
		d := *s.Distance
		s.Distance = &d
	}
	if s.Acceleration != nil {
		a := *s.Acceleration
		s.Acceleration = &a
	}
	if s.Gyro != nil {
		g := *s.Gyro
		s.Gyro = &g
	}
	return s
}

// Distance returns the freshest cached distance, if any.
func (p *Poller) Distance() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest.Distance == nil {
		return 0, false
	}
	return *p.latest.Distance, true
}

func (p *Poller) cleanup() {
	if p.ultrasonic != nil {
		p.ultrasonic.Close()
	}
	if p.imu != nil {
		p.imu.Close()
	}
}
