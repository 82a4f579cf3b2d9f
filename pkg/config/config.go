// Package config holds the hardware configuration for the robot server.
//
// The configuration is loaded from a YAML file at startup and can be
// replaced at runtime by a gpio_config command, in which case the new
// configuration is written back to the same file so it survives a
// restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v2"
)

const (
	DefaultPort = 8888

	// Pin numbering schemes, matching the Raspberry Pi header.
	PinModeBoard = "BOARD"
	PinModeBCM   = "BCM"
)

// MotorPins names the four drive pins: L1/L2 for the left side,
// R1/R2 for the right side.
type MotorPins struct {
	L1 int `yaml:"L1" json:"L1"`
	L2 int `yaml:"L2" json:"L2"`
	R1 int `yaml:"R1" json:"R1"`
	R2 int `yaml:"R2" json:"R2"`
}

// All returns the pins in a fixed order keyed by name.
func (p MotorPins) All() map[string]int {
	return map[string]int{"L1": p.L1, "L2": p.L2, "R1": p.R1, "R2": p.R2}
}

type MotorConfig struct {
	Pins         MotorPins `yaml:"pins" json:"pins"`
	PWMFrequency int       `yaml:"pwm_frequency" json:"pwm_frequency"`
}

type UltrasonicConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	TriggerPin  int     `yaml:"trigger_pin" json:"trigger_pin"`
	EchoPin     int     `yaml:"echo_pin" json:"echo_pin"`
	MaxDistance float64 `yaml:"max_distance" json:"max_distance"` // cm
}

type IMUConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	I2CDevice string `yaml:"i2c_device" json:"i2c_device"`
}

type CameraConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	DeviceID      int  `yaml:"device_id" json:"device_id"`
	Width         int  `yaml:"width" json:"width"`
	Height        int  `yaml:"height" json:"height"`
	FPS           int  `yaml:"fps" json:"fps"`
	StreamQuality int  `yaml:"stream_quality" json:"stream_quality"` // JPEG quality 1-100
}

type LidarConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	Port             string `yaml:"port" json:"port"`
	Baudrate         int    `yaml:"baudrate" json:"baudrate"`
	QualityThreshold int    `yaml:"quality_threshold" json:"quality_threshold"`
}

type SafetyConfig struct {
	// Seconds without an accepted command before the watchdog forces
	// a stop. Zero disables the inactivity timer.
	InactivityTimeout float64 `yaml:"inactivity_timeout" json:"inactivity_timeout"`
	// Obstacle distance in cm below which the watchdog forces an
	// emergency stop. Zero disables the obstacle check.
	EmergencyDistance float64 `yaml:"emergency_distance" json:"emergency_distance"`
}

// Config is the root of the hardware configuration file.
type Config struct {
	ServerPort int              `yaml:"server_port" json:"server_port"`
	PinMode    string           `yaml:"pin_mode" json:"pin_mode"`
	Motors     MotorConfig      `yaml:"motors" json:"motors"`
	Ultrasonic UltrasonicConfig `yaml:"ultrasonic" json:"ultrasonic"`
	IMU        IMUConfig        `yaml:"imu" json:"imu"`
	Camera     CameraConfig     `yaml:"camera" json:"camera"`
	Lidar      LidarConfig      `yaml:"lidar" json:"lidar"`
	Safety     SafetyConfig     `yaml:"safety" json:"safety"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ServerPort: DefaultPort,
		PinMode:    PinModeBoard,
		Motors: MotorConfig{
			Pins:         MotorPins{L1: 33, L2: 38, R1: 35, R2: 40},
			PWMFrequency: 100,
		},
		Ultrasonic: UltrasonicConfig{
			Enabled:     true,
			TriggerPin:  11,
			EchoPin:     13,
			MaxDistance: 400,
		},
		IMU: IMUConfig{
			Enabled:   true,
			I2CDevice: "/dev/i2c-1",
		},
		Camera: CameraConfig{
			Enabled:       true,
			DeviceID:      0,
			Width:         640,
			Height:        480,
			FPS:           30,
			StreamQuality: 80,
		},
		Lidar: LidarConfig{
			Enabled:          false,
			Port:             "/dev/ttyUSB0",
			Baudrate:         115200,
			QualityThreshold: 10,
		},
		Safety: SafetyConfig{
			InactivityTimeout: 10,
			EmergencyDistance: 15,
		},
	}
}

// Load reads the configuration file, filling in defaults for any
// missing fields. A missing file is not an error: the defaults are
// returned so the server can come up on a fresh install.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Printf("Config: %s not found, using defaults\n", path)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultPort
	}
	if cfg.PinMode == "" {
		cfg.PinMode = PinModeBoard
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to its file. The write goes via
// a temp file and rename so a crash mid-write cannot leave a truncated
// config behind.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".hardware_config-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Validate checks the invariants that must hold before any driver is
// built from this config.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	if c.PinMode != PinModeBoard && c.PinMode != PinModeBCM {
		return fmt.Errorf("pin_mode must be %s or %s, not %q", PinModeBoard, PinModeBCM, c.PinMode)
	}
	if c.Motors.PWMFrequency <= 0 {
		return fmt.Errorf("pwm_frequency must be positive, not %d", c.Motors.PWMFrequency)
	}
	seen := map[int]string{}
	claim := func(pin int, name string) error {
		if pin <= 0 {
			return fmt.Errorf("%s pin must be positive, not %d", name, pin)
		}
		if prev, ok := seen[pin]; ok {
			return fmt.Errorf("pin %d assigned to both %s and %s", pin, prev, name)
		}
		seen[pin] = name
		return nil
	}
	for _, name := range []string{"L1", "L2", "R1", "R2"} {
		if err := claim(c.Motors.Pins.All()[name], "motor "+name); err != nil {
			return err
		}
	}
	if c.Ultrasonic.Enabled {
		if err := claim(c.Ultrasonic.TriggerPin, "ultrasonic trigger"); err != nil {
			return err
		}
		if err := claim(c.Ultrasonic.EchoPin, "ultrasonic echo"); err != nil {
			return err
		}
		if c.Ultrasonic.MaxDistance <= 0 {
			return fmt.Errorf("ultrasonic max_distance must be positive")
		}
	}
	if c.Camera.Enabled {
		if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
			return fmt.Errorf("camera resolution %dx%d invalid", c.Camera.Width, c.Camera.Height)
		}
		if c.Camera.StreamQuality < 1 || c.Camera.StreamQuality > 100 {
			return fmt.Errorf("camera stream_quality must be 1-100, not %d", c.Camera.StreamQuality)
		}
	}
	if c.Lidar.Enabled && c.Lidar.Baudrate <= 0 {
		return fmt.Errorf("lidar baudrate must be positive")
	}
	return nil
}

// Clone returns a deep copy; callers mutate the copy and swap it in
// rather than editing a config other goroutines may be reading.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
