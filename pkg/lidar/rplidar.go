package lidar

import (
	"errors"
	"fmt"
	"io"
	"time"

	serial "go.bug.st/serial"
)

// RPLIDAR A1/A2 legacy scan protocol constants.
const (
	syncByte = 0xA5

	cmdScan      = 0x20
	cmdStop      = 0x25
	cmdReset     = 0x40
	sampleLength = 5

	descriptorLength = 7
)

var (
	ErrBadDescriptor = errors.New("bad scan response descriptor")
	ErrBadSample     = errors.New("scan sample failed check bits")
)

// RPLidar talks the legacy scan protocol over a serial port.
type RPLidar struct {
	port serial.Port

	partial  []Measurement
	scanning bool
}

func NewRPLidar(device string, baudrate int) (*RPLidar, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baudrate})
	if err != nil {
		return nil, fmt.Errorf("opening lidar port %s: %w", device, err)
	}
	return &RPLidar{port: port}, nil
}

func (l *RPLidar) command(cmd byte) error {
	_, err := l.port.Write([]byte{syncByte, cmd})
	return err
}

// StartScan issues the scan command and consumes the 7-byte response
// descriptor that precedes the measurement stream.
func (l *RPLidar) StartScan() error {
	if l.scanning {
		return nil
	}
	if err := l.command(cmdScan); err != nil {
		return err
	}
	var desc [descriptorLength]byte
	if _, err := io.ReadFull(l.port, desc[:]); err != nil {
		return fmt.Errorf("reading scan descriptor: %w", err)
	}
	if desc[0] != syncByte || desc[1] != 0x5A {
		return ErrBadDescriptor
	}
	l.scanning = true
	l.partial = nil
	return nil
}

// NextFrame assembles measurements until the next start-flag sample,
// then returns the completed revolution.
func (l *RPLidar) NextFrame() (ScanFrame, error) {
	if !l.scanning {
		return ScanFrame{}, errors.New("lidar is not scanning")
	}
	var raw [sampleLength]byte
	for {
		if _, err := io.ReadFull(l.port, raw[:]); err != nil {
			return ScanFrame{}, fmt.Errorf("reading scan sample: %w", err)
		}
		m, startFlag, err := parseSample(raw)
		if err != nil {
			// Lost sync; drop the partial revolution and resync on
			// the next valid start flag.
			l.partial = nil
			continue
		}
		if startFlag && len(l.partial) > 0 {
			frame := ScanFrame{Points: l.partial, Timestamp: time.Now()}
			l.partial = []Measurement{m}
			return frame, nil
		}
		l.partial = append(l.partial, m)
	}
}

// StopScan halts the measurement stream.
func (l *RPLidar) StopScan() error {
	if !l.scanning {
		return nil
	}
	l.scanning = false
	l.partial = nil
	if err := l.command(cmdStop); err != nil {
		return err
	}
	// The protocol requires a short gap after the stop command.
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (l *RPLidar) Close() error {
	l.StopScan()
	return l.port.Close()
}

var _ Device = (*RPLidar)(nil)

// parseSample decodes one 5-byte legacy scan sample:
//
//	byte 0: quality<<2 | !S<<1 | S      (S = new-revolution flag)
//	byte 1: angle_low<<1 | checkbit     (checkbit always 1)
//	byte 2: angle_high                  (angle is Q6 fixed point)
//	bytes 3-4: distance, Q2 fixed point, little endian
func parseSample(raw [sampleLength]byte) (Measurement, bool, error) {
	start := raw[0]&0x01 != 0
	invStart := raw[0]&0x02 != 0
	if start == invStart {
		return Measurement{}, false, ErrBadSample
	}
	if raw[1]&0x01 == 0 {
		return Measurement{}, false, ErrBadSample
	}
	angleQ6 := (int(raw[2]) << 7) | (int(raw[1]) >> 1)
	distQ2 := int(raw[3]) | (int(raw[4]) << 8)
	return Measurement{
		Quality:  int(raw[0] >> 2),
		Angle:    float64(angleQ6) / 64,
		Distance: float64(distQ2) / 4,
	}, start, nil
}
