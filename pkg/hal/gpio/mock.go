package gpio

import (
	"sync"
	"time"
)

// Mock is an in-memory HAL. Outputs record their level and duty cycle;
// inputs replay edges scripted by tests. It is also what the server
// runs on when real GPIO is unavailable.
type Mock struct {
	mu   sync.Mutex
	pins map[int]*MockPin
}

func NewMock() *Mock {
	return &Mock{pins: map[int]*MockPin{}}
}

// Pin returns the mock pin with the given number, creating it if
// needed. Tests use this to inspect state and script edges.
func (m *Mock) Pin(n int) *MockPin {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[n]
	if !ok {
		p = &MockPin{number: n, edges: make(chan time.Duration, 16)}
		m.pins[n] = p
	}
	return p
}

func (m *Mock) OpenOutput(pin int) (Pin, error) { return m.Pin(pin), nil }
func (m *Mock) OpenInput(pin int) (Pin, error)  { return m.Pin(pin), nil }

var _ HAL = (*Mock)(nil)

type MockPin struct {
	mu     sync.Mutex
	number int
	level  bool
	duty   float64
	halted bool
	edges  chan time.Duration
}

func (p *MockPin) SetHigh() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = true
	return nil
}

func (p *MockPin) SetLow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = false
	return nil
}

func (p *MockPin) SetDuty(percent float64) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = percent
	return nil
}

// WaitForEdge pops the next scripted edge delay. With nothing
// scripted, it just times out like a silent pin would.
func (p *MockPin) WaitForEdge(timeout time.Duration) bool {
	select {
	case d := <-p.edges:
		if d > timeout {
			time.Sleep(timeout)
			return false
		}
		time.Sleep(d)
		return true
	default:
		time.Sleep(timeout)
		return false
	}
}

func (p *MockPin) Read() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *MockPin) Halt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = true
	p.duty = 0
	p.level = false
	return nil
}

// QueueEdge scripts the delay before the next WaitForEdge fires.
func (p *MockPin) QueueEdge(after time.Duration) {
	p.edges <- after
}

// Duty reports the last duty cycle set on the pin.
func (p *MockPin) Duty() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

// Halted reports whether the pin was released.
func (p *MockPin) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}
