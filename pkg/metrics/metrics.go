// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CommandsTotal    *prometheus.CounterVec
	FramesCaptured   prometheus.Counter
	ScanRevolutions  prometheus.Counter
	EmergencyStops   prometheus.Counter
	AutoStops        prometheus.Counter
	ConnectedClients prometheus.Gauge
}

// New builds the collector set and registers it.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "robot_commands_total",
			Help: "Commands processed, by message type and outcome.",
		}, []string{"type", "status"}),
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_camera_frames_total",
			Help: "Camera frames pushed to controllers.",
		}),
		ScanRevolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_lidar_scans_total",
			Help: "LiDAR scan frames pushed to controllers.",
		}),
		EmergencyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_emergency_stops_total",
			Help: "Times the watchdog forced a stop for an obstacle.",
		}),
		AutoStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "robot_auto_stops_total",
			Help: "Times the watchdog stopped the motors on command inactivity.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "robot_connected_clients",
			Help: "Currently connected controllers.",
		}),
	}
	reg.MustRegister(
		m.CommandsTotal,
		m.FramesCaptured,
		m.ScanRevolutions,
		m.EmergencyStops,
		m.AutoStops,
		m.ConnectedClients,
	)
	return m
}
