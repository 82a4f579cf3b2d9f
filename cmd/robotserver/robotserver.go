package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/qtrobot/robot-server/pkg/camera"
	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/facedisplay"
	"github.com/qtrobot/robot-server/pkg/hal/gpio"
	"github.com/qtrobot/robot-server/pkg/hal/mpu6050"
	"github.com/qtrobot/robot-server/pkg/hal/ultrasonic"
	"github.com/qtrobot/robot-server/pkg/lidar"
	"github.com/qtrobot/robot-server/pkg/motor"
	"github.com/qtrobot/robot-server/pkg/sensors"
	"github.com/qtrobot/robot-server/pkg/server"
	"github.com/qtrobot/robot-server/pkg/sound"
	"github.com/qtrobot/robot-server/pkg/watchdog"
)

func main() {
	configPath := flag.String("config", "robot.yaml", "path to the hardware configuration file")
	fbDevice := flag.String("face-device", "/dev/fb1", "framebuffer for the face display")
	alertWav := flag.String("alert-sound", "", "wav played on emergency stop")
	flag.Parse()

	fmt.Print("---- Robot server ----\n\n")
	fmt.Println("GOMAXPROCS", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	// Our global context, we cancel it to trigger shutdown.
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		log.Println("Signal: ", s)
		cancel()
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}()

	motorFactory := makeMotorFactory()
	m, err := motorFactory(cfg)
	if err != nil {
		log.Fatalf("Motors: %v", err)
	}

	opts := server.Options{
		Config:       cfg,
		ConfigPath:   *configPath,
		Motor:        m,
		MotorFactory: motorFactory,
		Poller:       buildPoller(cfg),
		Camera:       buildCamera(cfg),
		Face:         buildFace(*fbDevice),
		Sounds:       sound.Init(),
		AlertSound:   *alertWav,
		Safety: watchdog.Config{
			InactivityTimeout: time.Duration(cfg.Safety.InactivityTimeout * float64(time.Second)),
			EmergencyDistance: cfg.Safety.EmergencyDistance,
		},
	}
	if cfg.Lidar.Enabled {
		opts.Lidar = buildLidar(cfg)
	}

	s, err := server.New(opts)
	if err != nil {
		log.Fatalf("Server: %v", err)
	}
	if err := s.Serve(ctx); err != nil {
		log.Fatalf("Server: %v", err)
	}
}

// makeMotorFactory returns a factory that drives real header pins, or
// mock pins when the GPIO hardware is not there (dev laptop, CI).
func makeMotorFactory() server.MotorFactory {
	return func(c *config.Config) (*motor.Controller, error) {
		hal, err := gpio.New(c.PinMode, c.Motors.PWMFrequency)
		if err != nil {
			fmt.Printf("Failed to open GPIO: %v.\n", err)
			fmt.Println("Using mock motor pins")
			hal = gpio.NewMock()
		}
		return motor.New(hal, c.Motors.Pins)
	}
}

func buildPoller(cfg *config.Config) *sensors.Poller {
	var us ultrasonic.Interface
	if cfg.Ultrasonic.Enabled {
		hal, err := gpio.New(cfg.PinMode, cfg.Motors.PWMFrequency)
		if err == nil {
			us, err = ultrasonic.New(hal, cfg.Ultrasonic)
		}
		if err != nil {
			fmt.Printf("Failed to open ultrasonic sensor: %v.\n", err)
			fmt.Println("Using mock ultrasonic sensor")
			us = ultrasonic.NewMock()
		}
	}

	var imu mpu6050.Interface
	if cfg.IMU.Enabled {
		dev, err := mpu6050.New(cfg.IMU.I2CDevice)
		if err != nil {
			fmt.Printf("Failed to open IMU: %v.\n", err)
			fmt.Println("Using mock IMU")
			imu = mpu6050.NewMock()
		} else {
			imu = dev
		}
	}

	if us == nil && imu == nil {
		return nil
	}
	return sensors.New(us, imu, sensors.DefaultInterval)
}

func buildCamera(cfg *config.Config) *camera.Streamer {
	if !cfg.Camera.Enabled {
		return nil
	}
	src, err := camera.NewGoCVSource(cfg.Camera)
	if err != nil {
		fmt.Printf("Failed to open camera %d: %v.\n", cfg.Camera.DeviceID, err)
		fmt.Println("Using mock camera")
		return camera.NewStreamer(camera.NewMockSource(cfg.Camera.Width, cfg.Camera.Height), cfg.Camera.FPS)
	}
	return camera.NewStreamer(src, cfg.Camera.FPS)
}

func buildLidar(cfg *config.Config) *lidar.Scanner {
	dev, err := lidar.NewRPLidar(cfg.Lidar.Port, cfg.Lidar.Baudrate)
	if err != nil {
		fmt.Printf("Failed to open lidar on %s: %v.\n", cfg.Lidar.Port, err)
		fmt.Println("Using mock lidar")
		return lidar.NewScanner(lidar.NewMockDevice(), cfg.Lidar.QualityThreshold)
	}
	return lidar.NewScanner(dev, cfg.Lidar.QualityThreshold)
}

func buildFace(device string) facedisplay.Display {
	fb, err := facedisplay.Open(device)
	if err != nil {
		fmt.Printf("Failed to open face display %s: %v.\n", device, err)
		return facedisplay.LogOnly{}
	}
	return fb
}

