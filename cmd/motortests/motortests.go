package main

import (
	"fmt"
	"os"
	"time"

	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/hal/gpio"
	"github.com/qtrobot/robot-server/pkg/motor"
)

// Exercises each drive state for a second so the wiring can be checked
// by eye: both wheels forward, both back, then each turn.
func main() {
	cfg, err := config.Load("robot.yaml")
	if err != nil {
		fmt.Printf("Config: %v\n", err)
		os.Exit(1)
	}
	hal, err := gpio.New(cfg.PinMode, cfg.Motors.PWMFrequency)
	if err != nil {
		fmt.Printf("Failed to open GPIO: %v\n", err)
		os.Exit(1)
	}
	m, err := motor.New(hal, cfg.Motors.Pins)
	if err != nil {
		fmt.Printf("Motors: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	for _, state := range []motor.State{
		motor.Forward, motor.Backward, motor.TurningLeft, motor.TurningRight,
	} {
		fmt.Printf("%v at 50%%...\n", state)
		if err := m.Drive(state, 50, 0); err != nil {
			fmt.Printf("Drive: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(1 * time.Second)
		m.Stop()
		time.Sleep(500 * time.Millisecond)
	}
	fmt.Println("Done.")
}
