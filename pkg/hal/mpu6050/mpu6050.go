// Package mpu6050 reads the MPU-6050 accelerometer/gyro over I2C.
package mpu6050

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/exp/io/i2c"
)

const (
	Addr = 0x68

	RegPwrMgmt1  = 0x6B
	RegAccelXOut = 0x3B // 6 bytes: X, Y, Z high/low pairs
	RegGyroXOut  = 0x43 // 6 bytes

	// Scale factors for the default full-scale ranges.
	accelLSBPerG  = 16384.0 // ±2g
	gyroLSBPerDPS = 131.0   // ±250°/s
)

type Interface interface {
	// Acceleration returns (x, y, z) in g.
	Acceleration() (x, y, z float64, err error)
	// Gyro returns (x, y, z) angular velocity in °/s.
	Gyro() (x, y, z float64, err error)
	Close() error
}

type device interface {
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) error
	Close() error
}

type IMU struct {
	dev device
}

// New opens the IMU on the given I2C device file and wakes it out of
// sleep mode.
func New(deviceFile string) (*IMU, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: deviceFile}, Addr)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", deviceFile, err)
	}
	m := &IMU{dev: dev}
	if err := m.dev.WriteReg(RegPwrMgmt1, []byte{0}); err != nil {
		dev.Close()
		return nil, fmt.Errorf("waking MPU-6050: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	return m, nil
}

// readVector reads three consecutive signed 16-bit big-endian
// registers starting at reg.
func (m *IMU) readVector(reg byte) (x, y, z int16, err error) {
	var buf [6]byte
	if err = m.dev.ReadReg(reg, buf[:]); err != nil {
		return
	}
	x = int16(binary.BigEndian.Uint16(buf[0:2]))
	y = int16(binary.BigEndian.Uint16(buf[2:4]))
	z = int16(binary.BigEndian.Uint16(buf[4:6]))
	return
}

func (m *IMU) Acceleration() (float64, float64, float64, error) {
	x, y, z, err := m.readVector(RegAccelXOut)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading accelerometer: %w", err)
	}
	return float64(x) / accelLSBPerG, float64(y) / accelLSBPerG, float64(z) / accelLSBPerG, nil
}

func (m *IMU) Gyro() (float64, float64, float64, error) {
	x, y, z, err := m.readVector(RegGyroXOut)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading gyro: %w", err)
	}
	return float64(x) / gyroLSBPerDPS, float64(y) / gyroLSBPerDPS, float64(z) / gyroLSBPerDPS, nil
}

func (m *IMU) Close() error {
	return m.dev.Close()
}

// Mock reports the robot sitting level and still.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (*Mock) Acceleration() (float64, float64, float64, error) { return 0, 0, 1, nil }
func (*Mock) Gyro() (float64, float64, float64, error)         { return 0, 0, 0, nil }
func (*Mock) Close() error                                     { return nil }

var _ Interface = (*IMU)(nil)
var _ Interface = (*Mock)(nil)
