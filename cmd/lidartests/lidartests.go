package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/lidar"
)

// Streams scan summaries to stdout: point count, nearest obstacle and
// the distance dead ahead, once per revolution.
func main() {
	cfg, err := config.Load("robot.yaml")
	if err != nil {
		fmt.Printf("Config: %v\n", err)
		os.Exit(1)
	}
	dev, err := lidar.NewRPLidar(cfg.Lidar.Port, cfg.Lidar.Baudrate)
	if err != nil {
		fmt.Printf("Failed to open lidar on %s: %v\n", cfg.Lidar.Port, err)
		fmt.Println("Using mock lidar")
		s := lidar.NewScanner(lidar.NewMockDevice(), cfg.Lidar.QualityThreshold)
		run(s)
		return
	}
	run(lidar.NewScanner(dev, cfg.Lidar.QualityThreshold))
}

func run(s *lidar.Scanner) {
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		fmt.Printf("Start: %v\n", err)
		os.Exit(1)
	}
	for {
		time.Sleep(500 * time.Millisecond)
		frame := s.Latest()
		if frame.Timestamp.IsZero() {
			fmt.Println("Waiting for first revolution...")
			continue
		}
		fmt.Printf("%d points", len(frame.Points))
		if front, ok := s.FrontDistance(); ok {
			fmt.Printf(", %.0fmm dead ahead", front)
		}
		obstacles := s.Obstacles(500)
		if len(obstacles) > 0 {
			nearest := obstacles[0]
			for _, m := range obstacles[1:] {
				if m.Distance < nearest.Distance {
					nearest = m
				}
			}
			fmt.Printf(", nearest obstacle %.0fmm at %.0f deg", nearest.Distance, nearest.Angle)
		}
		fmt.Println()
	}
}
