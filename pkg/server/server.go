// Package server is the robot-side control-and-telemetry server: it
// accepts controller connections over websocket, routes validated
// commands to the hardware, and pushes the freshest sensor readings
// back on the same connection.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qtrobot/robot-server/pkg/camera"
	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/facedisplay"
	"github.com/qtrobot/robot-server/pkg/lidar"
	"github.com/qtrobot/robot-server/pkg/metrics"
	"github.com/qtrobot/robot-server/pkg/motor"
	"github.com/qtrobot/robot-server/pkg/protocol"
	"github.com/qtrobot/robot-server/pkg/sensors"
	"github.com/qtrobot/robot-server/pkg/sound"
	"github.com/qtrobot/robot-server/pkg/watchdog"
)

// MotorFactory builds a motor controller for a configuration. The
// server re-invokes it on gpio_config swaps.
type MotorFactory func(*config.Config) (*motor.Controller, error)

// Options wires the server to its collaborators. Motor, MotorFactory
// and Config are mandatory; everything else degrades to a no-op or
// mock when absent.
type Options struct {
	Config     *config.Config
	ConfigPath string

	Motor        *motor.Controller
	MotorFactory MotorFactory

	Poller *sensors.Poller
	Camera *camera.Streamer
	Lidar  *lidar.Scanner
	// Safety configures the watchdog; the server builds it so that it
	// always acts on the current motor driver, even across
	// gpio_config swaps. Zero values disable both checks.
	Safety watchdog.Config
	Face   facedisplay.Display
	Sounds chan string
	// AlertSound is the wav played when an emergency stop fires.
	AlertSound string

	Registry *prometheus.Registry
}

type Server struct {
	cfgMu      sync.Mutex
	cfg        *config.Config
	configPath string

	// motorMu serializes motor actuation against config swaps so no
	// command can execute against a half-reconfigured driver.
	motorMu      sync.Mutex
	motor        *motor.Controller
	motorFactory MotorFactory

	poller     *sensors.Poller
	camera     *camera.Streamer
	lidarScan  *lidar.Scanner
	wd         *watchdog.Watchdog
	face       facedisplay.Display
	sounds     chan string
	alertSound string

	metrics  *metrics.Metrics
	registry *prometheus.Registry

	runCtx context.Context
	wg     sync.WaitGroup

	clientsMu sync.Mutex
	clients   map[string]*client

	upgrader websocket.Upgrader
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server needs a config")
	}
	if opts.Motor == nil || opts.MotorFactory == nil {
		return nil, errors.New("server needs a motor controller and factory")
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	face := opts.Face
	if face == nil {
		face = facedisplay.LogOnly{}
	}
	s := &Server{
		cfg:          opts.Config,
		configPath:   opts.ConfigPath,
		motor:        opts.Motor,
		motorFactory: opts.MotorFactory,
		poller:       opts.Poller,
		camera:       opts.Camera,
		lidarScan:    opts.Lidar,
		face:         face,
		sounds:       opts.Sounds,
		alertSound:   opts.AlertSound,
		metrics:      metrics.New(reg),
		registry:     reg,
		runCtx:       context.Background(),
		clients:      map[string]*client{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	// The inactivity timer needs no sensors, so the watchdog runs
	// even without a poller; only the obstacle check needs a
	// distance source.
	var distance func() (float64, bool)
	if s.poller != nil {
		distance = s.poller.Distance
	}
	s.wd = watchdog.New(motorGuard{s}, distance, opts.Safety)
	return s, nil
}

// motorGuard presents the server's current motor driver to the
// watchdog, taking the actuation lock so a forced stop cannot race a
// config swap.
type motorGuard struct {
	s *Server
}

func (g motorGuard) Stop() error {
	g.s.motorMu.Lock()
	defer g.s.motorMu.Unlock()
	return g.s.motor.Stop()
}

func (g motorGuard) Status() (motor.State, int) {
	g.s.motorMu.Lock()
	defer g.s.motorMu.Unlock()
	return g.s.motor.Status()
}

// Handler returns the HTTP mux: websocket upgrade at /, prometheus at
// /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the server until ctx is cancelled, then shuts down:
// listeners closed, connections dropped, pollers joined, hardware
// released. Only after all of that does Serve return.
func (s *Server) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = runCtx

	s.startBackground(runCtx)

	addr := fmt.Sprintf(":%d", s.port())
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}
	errs := make(chan error, 1)
	go func() {
		log.Printf("Server: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
		close(errs)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	httpServer.Shutdown(shutdownCtx)

	s.closeAllClients()
	s.shutdownHardware()
	s.wg.Wait()
	log.Println("Server: shutdown complete")
	return serveErr
}

func (s *Server) port() int {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.ServerPort
}

// startBackground launches the poller, watchdog and push loops.
func (s *Server) startBackground(ctx context.Context) {
	if s.poller != nil {
		s.poller.Start(ctx)
	}
	s.wd.Start(ctx)
	s.wg.Add(1)
	go s.pumpWatchdogEvents(ctx)
	s.wg.Add(3)
	go s.pushSensorData(ctx)
	go s.pushCameraFrames(ctx)
	go s.pushLidarScans(ctx)
}

func (s *Server) shutdownHardware() {
	if s.camera != nil {
		s.camera.Close()
	}
	if s.lidarScan != nil {
		s.lidarScan.Close()
	}
	if s.poller != nil {
		s.poller.Wait()
	}
	s.wd.Wait()
	s.motorMu.Lock()
	s.motor.Close()
	s.motorMu.Unlock()
	s.face.Close()
	if s.sounds != nil {
		close(s.sounds)
	}
}

// client is one live controller session. Writes go through the send
// channel so each connection has a single writer and responses keep
// their FIFO order.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closer sync.Once
}

func (c *client) close() {
	c.closer.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues a frame for writing, blocking while the connection is
// alive. Returns false if the connection is gone.
func (c *client) enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	}
}

// tryEnqueue queues a frame only if there is room: telemetry pushes
// are dropped for slow consumers rather than stalling the loop.
func (c *client) tryEnqueue(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	default:
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.ConnectedClients.Set(float64(n))
	log.Printf("Server: client %s connected from %s (%d online)", c.id[:8], conn.RemoteAddr(), n)

	go s.writeLoop(c)
	s.readLoop(c)

	s.clientsMu.Lock()
	delete(s.clients, c.id)
	n = len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.ConnectedClients.Set(float64(n))
	c.close()
	log.Printf("Server: client %s disconnected (%d online)", c.id[:8], n)
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		reply := s.handleFrame(raw)
		b, err := protocol.Encode(reply)
		if err != nil {
			log.Printf("Server: encoding reply: %v", err)
			continue
		}
		if !c.enqueue(b) {
			return
		}
	}
}

// handleFrame turns one inbound text frame into exactly one reply.
// Malformed payloads are logged and answered, never fatal.
func (s *Server) handleFrame(raw []byte) interface{} {
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		log.Printf("Server: protocol error: %v", err)
		s.metrics.CommandsTotal.WithLabelValues("invalid", "error").Inc()
		return protocol.NewErrorResponse(err)
	}

	cmd, err := protocol.ParseCommand(msg)
	if err != nil {
		log.Printf("Server: rejected %s: %v", msg.Type, err)
		// Only known types may label the counter; arbitrary wire
		// strings would mint unbounded series.
		label := string(msg.Type)
		var unknown *protocol.UnknownCommandError
		if errors.As(err, &unknown) {
			label = "unknown"
		}
		s.metrics.CommandsTotal.WithLabelValues(label, "error").Inc()
		return protocol.NewErrorResponse(err)
	}

	// Ping bypasses the router; it gets a pong, not a response.
	if _, ok := cmd.(protocol.Ping); ok {
		s.metrics.CommandsTotal.WithLabelValues(string(msg.Type), "success").Inc()
		return protocol.NewMessage(protocol.TypePong, nil)
	}

	s.wd.CommandReceived()

	data, err := s.dispatch(cmd)
	if err != nil {
		log.Printf("Server: %s failed: %v", msg.Type, err)
		s.metrics.CommandsTotal.WithLabelValues(string(msg.Type), "error").Inc()
		return protocol.NewErrorResponse(err)
	}
	s.metrics.CommandsTotal.WithLabelValues(string(msg.Type), "success").Inc()
	return protocol.NewResponse(data)
}

// broadcast pushes a message to every connected controller.
func (s *Server) broadcast(msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, c := range s.clients {
		c.tryEnqueue(b)
	}
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, c := range s.clients {
		c.close()
		delete(s.clients, id)
	}
}

func (s *Server) pumpWatchdogEvents(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.wd.Events():
			data := map[string]interface{}{"status": string(e.Kind)}
			switch e.Kind {
			case watchdog.EmergencyStop:
				data["distance"] = e.Distance
				s.metrics.EmergencyStops.Inc()
				if s.sounds != nil && s.alertSound != "" {
					sound.Play(s.sounds, s.alertSound)
				}
			case watchdog.AutoStopped:
				s.metrics.AutoStops.Inc()
			case watchdog.EmergencyCleared:
				data["distance"] = e.Distance
			}
			s.broadcast(protocol.NewMessage(protocol.TypeStatus, data))
		}
	}
}

func (s *Server) pushSensorData(ctx context.Context) {
	defer s.wg.Done()
	if s.poller == nil {
		return
	}
	ticker := time.NewTicker(sensors.DefaultInterval)
	defer ticker.Stop()
	var lastPushed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := s.poller.Latest()
			if sample.Timestamp.IsZero() || !sample.Timestamp.After(lastPushed) {
				continue
			}
			lastPushed = sample.Timestamp
			s.broadcast(protocol.NewMessage(protocol.TypeSensorData, sampleData(sample)))
		}
	}
}

func (s *Server) pushCameraFrames(ctx context.Context) {
	defer s.wg.Done()
	if s.camera == nil {
		return
	}
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	var lastPushed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.camera.Streaming() {
				continue
			}
			frame, ok := s.camera.Latest()
			if !ok || !frame.Timestamp.After(lastPushed) {
				continue
			}
			lastPushed = frame.Timestamp
			s.metrics.FramesCaptured.Inc()
			s.broadcast(protocol.NewMessage(protocol.TypeCameraFrame, map[string]interface{}{
				"image":  base64.StdEncoding.EncodeToString(frame.JPEG),
				"width":  frame.Width,
				"height": frame.Height,
			}))
		}
	}
}

func (s *Server) pushLidarScans(ctx context.Context) {
	defer s.wg.Done()
	if s.lidarScan == nil {
		return
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var lastPushed time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.lidarScan.Scanning() {
				continue
			}
			frame := s.lidarScan.Latest()
			if frame.Timestamp.IsZero() || !frame.Timestamp.After(lastPushed) {
				continue
			}
			lastPushed = frame.Timestamp
			s.metrics.ScanRevolutions.Inc()
			s.broadcast(protocol.NewMessage(protocol.TypeLidarScan, map[string]interface{}{
				"points": frame.Points,
				"count":  len(frame.Points),
			}))
		}
	}
}

func sampleData(sample sensors.Sample) map[string]interface{} {
	data := map[string]interface{}{}
	if sample.Distance != nil {
		data["distance"] = *sample.Distance
	}
	if sample.Acceleration != nil {
		data["acceleration"] = vectorData(*sample.Acceleration)
	}
	if sample.Gyro != nil {
		data["gyro"] = vectorData(*sample.Gyro)
	}
	return data
}

func vectorData(v sensors.Vector) map[string]interface{} {
	return map[string]interface{}{"x": v.X, "y": v.Y, "z": v.Z}
}
