package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/qtrobot/robot-server/pkg/camera"
	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/hal/gpio"
	"github.com/qtrobot/robot-server/pkg/hal/ultrasonic"
	"github.com/qtrobot/robot-server/pkg/lidar"
	"github.com/qtrobot/robot-server/pkg/motor"
	"github.com/qtrobot/robot-server/pkg/sensors"
	"github.com/qtrobot/robot-server/pkg/watchdog"
)

type harness struct {
	server       *Server
	conn         *websocket.Conn
	factoryCalls *int32
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	cfg := config.Default()
	var calls int32
	factory := func(c *config.Config) (*motor.Controller, error) {
		atomic.AddInt32(&calls, 1)
		return motor.New(gpio.NewMock(), c.Motors.Pins)
	}
	m, err := factory(cfg)
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Config:       cfg,
		ConfigPath:   filepath.Join(t.TempDir(), "robot.yaml"),
		Motor:        m,
		MotorFactory: factory,
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtx = ctx
	s.startBackground(ctx)

	ts := httptest.NewServer(s.Handler())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		conn.Close()
		ts.Close()
		cancel()
		s.wg.Wait()
	})
	return &harness{server: s, conn: conn, factoryCalls: &calls}
}

// roundTrip sends one command and returns the first response or error
// frame, skipping telemetry pushes.
func (h *harness) roundTrip(t *testing.T, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	if err := h.conn.WriteJSON(payload); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		var reply map[string]interface{}
		if err := json.Unmarshal(raw, &reply); err != nil {
			t.Fatalf("bad reply %q: %v", raw, err)
		}
		switch reply["type"] {
		case "response", "error", "pong":
			return reply
		}
		// telemetry push; keep reading
	}
	t.Fatal("no reply before deadline")
	return nil
}

func expectSuccess(t *testing.T, reply map[string]interface{}) map[string]interface{} {
	t.Helper()
	if reply["status"] != "success" {
		t.Fatalf("expected success, got %v", reply)
	}
	data, _ := reply["data"].(map[string]interface{})
	return data
}

func expectError(t *testing.T, reply map[string]interface{}, substr string) {
	t.Helper()
	if reply["status"] != "error" {
		t.Fatalf("expected error, got %v", reply)
	}
	msg, _ := reply["error"].(string)
	if !strings.Contains(msg, substr) {
		t.Fatalf("expected error containing %q, got %q", substr, msg)
	}
}

func TestMoveForward(t *testing.T) {
	h := newHarness(t, nil)
	data := expectSuccess(t, h.roundTrip(t, map[string]interface{}{
		"type": "move_forward",
		"data": map[string]interface{}{"speed": 80},
	}))
	if data["action"] != "move_forward" {
		t.Fatalf("wrong action: %v", data)
	}
	state, speed := h.server.motor.Status()
	if state != motor.Forward || speed != 80 {
		t.Fatalf("motor not driving: state=%v speed=%d", state, speed)
	}
}

func TestMoveDefaultSpeeds(t *testing.T) {
	h := newHarness(t, nil)
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "turn_left"}))
	state, speed := h.server.motor.Status()
	if state != motor.TurningLeft || speed != 50 {
		t.Fatalf("turn default wrong: state=%v speed=%d", state, speed)
	}
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "move_backward"}))
	state, speed = h.server.motor.Status()
	if state != motor.Backward || speed != 70 {
		t.Fatalf("move default wrong: state=%v speed=%d", state, speed)
	}
}

func TestSpeedOutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	expectError(t, h.roundTrip(t, map[string]interface{}{
		"type": "move_forward",
		"data": map[string]interface{}{"speed": 150},
	}), "speed must be <= 100")
	state, _ := h.server.motor.Status()
	if state != motor.Stopped {
		t.Fatal("rejected command must not actuate")
	}
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	expectError(t, h.roundTrip(t, map[string]interface{}{"type": "fly"}), "unknown message type")

	// Connection must survive the bad command.
	reply := h.roundTrip(t, map[string]interface{}{"type": "ping"})
	if reply["type"] != "pong" {
		t.Fatalf("expected pong, got %v", reply)
	}
}

func TestUnknownCommandsShareOneMetricSeries(t *testing.T) {
	h := newHarness(t, nil)
	for _, typ := range []string{"fly", "teleport", "self_destruct"} {
		expectError(t, h.roundTrip(t, map[string]interface{}{"type": typ}), "unknown message type")
	}
	if got := testutil.ToFloat64(h.server.metrics.CommandsTotal.WithLabelValues("unknown", "error")); got != 3 {
		t.Fatalf("unknown bucket = %v, want 3", got)
	}
	// The raw wire strings must not mint their own series.
	if n := testutil.CollectAndCount(h.server.metrics.CommandsTotal); n != 1 {
		t.Fatalf("%d command series after 3 distinct bogus types, want 1", n)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]interface{}
	if err := h.conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["status"] != "error" {
		t.Fatalf("expected error reply, got %v", reply)
	}
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "stop"}))
}

func TestSetSpeedWhileStopped(t *testing.T) {
	h := newHarness(t, nil)
	expectError(t, h.roundTrip(t, map[string]interface{}{
		"type": "set_speed",
		"data": map[string]interface{}{"speed": 60},
	}), "not moving")
}

func TestSetSpeedWhileMoving(t *testing.T) {
	h := newHarness(t, nil)
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "move_forward"}))
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{
		"type": "set_speed",
		"data": map[string]interface{}{"speed": 30},
	}))
	state, speed := h.server.motor.Status()
	if state != motor.Forward || speed != 30 {
		t.Fatalf("speed not applied: state=%v speed=%d", state, speed)
	}
}

func TestGetConfig(t *testing.T) {
	h := newHarness(t, nil)
	data := expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "get_config"}))
	cfg, _ := data["config"].(map[string]interface{})
	if cfg == nil {
		t.Fatalf("missing config payload: %v", data)
	}
	if port, _ := cfg["server_port"].(float64); int(port) != 8888 {
		t.Fatalf("wrong port in config payload: %v", cfg["server_port"])
	}
}

func TestGPIOConfigSwapAndPersist(t *testing.T) {
	h := newHarness(t, nil)
	newCfg := config.Default()
	newCfg.Motors.Pins = config.MotorPins{L1: 29, L2: 31, R1: 36, R2: 37}

	data := expectSuccess(t, h.roundTrip(t, map[string]interface{}{
		"type": "gpio_config",
		"data": map[string]interface{}{"config": configData(newCfg)},
	}))
	if data["action"] != "gpio_config" {
		t.Fatalf("wrong action: %v", data)
	}
	if n := atomic.LoadInt32(h.factoryCalls); n != 2 {
		t.Fatalf("expected driver rebuild, factory calls = %d", n)
	}

	loaded, err := config.Load(h.server.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Motors.Pins != newCfg.Motors.Pins {
		t.Fatalf("persisted pins %+v, want %+v", loaded.Motors.Pins, newCfg.Motors.Pins)
	}
}

func TestGPIOConfigInvalidRejected(t *testing.T) {
	h := newHarness(t, nil)
	bad := config.Default()
	bad.Motors.Pins.L2 = bad.Motors.Pins.L1 // duplicate pin

	expectError(t, h.roundTrip(t, map[string]interface{}{
		"type": "gpio_config",
		"data": map[string]interface{}{"config": configData(bad)},
	}), "pin")

	// Invalid payloads are rejected before any teardown.
	if n := atomic.LoadInt32(h.factoryCalls); n != 1 {
		t.Fatalf("driver must not be touched, factory calls = %d", n)
	}
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "move_forward"}))
}

func TestVoiceCommandDispatch(t *testing.T) {
	h := newHarness(t, nil)
	data := expectSuccess(t, h.roundTrip(t, map[string]interface{}{
		"type": "voice_command",
		"data": map[string]interface{}{"text": "move forwrd"},
	}))
	if data["source"] != "voice" {
		t.Fatalf("missing voice annotation: %v", data)
	}
	state, _ := h.server.motor.Status()
	if state != motor.Forward {
		t.Fatalf("voice command not actuated, state=%v", state)
	}
}

func TestVoiceCommandUnrecognized(t *testing.T) {
	h := newHarness(t, nil)
	expectError(t, h.roundTrip(t, map[string]interface{}{
		"type": "voice_command",
		"data": map[string]interface{}{"text": "sing a song"},
	}), "could not understand")
}

func TestFaceExpression(t *testing.T) {
	h := newHarness(t, nil)
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{
		"type": "face_expression",
		"data": map[string]interface{}{"expression": "happy"},
	}))
	expectError(t, h.roundTrip(t, map[string]interface{}{
		"type": "face_expression",
		"data": map[string]interface{}{"expression": "smug"},
	}), "unknown expression")
}

func TestCameraStreamPush(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Camera = camera.NewStreamer(camera.NewMockSource(320, 240), 60)
	})
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "start_camera"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var push map[string]interface{}
		if err := h.conn.ReadJSON(&push); err != nil {
			t.Fatal(err)
		}
		if push["type"] == "camera_frame" {
			data, _ := push["data"].(map[string]interface{})
			if img, _ := data["image"].(string); img == "" {
				t.Fatal("camera_frame without image payload")
			}
			expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "stop_camera"}))
			return
		}
	}
	t.Fatal("no camera_frame pushed")
}

// fakeRange is an ultrasonic stand-in whose reading the test can move.
type fakeRange struct {
	cm atomic.Value // float64
}

func newFakeRange(cm float64) *fakeRange {
	f := &fakeRange{}
	f.cm.Store(cm)
	return f
}

func (f *fakeRange) Distance() (float64, bool) { return f.cm.Load().(float64), true }
func (f *fakeRange) Close() error              { return nil }

var _ ultrasonic.Interface = (*fakeRange)(nil)

func TestAdjustCameraResolution(t *testing.T) {
	src := camera.NewMockSource(640, 480)
	h := newHarness(t, func(o *Options) {
		o.Camera = camera.NewStreamer(src, 60)
	})
	data := expectSuccess(t, h.roundTrip(t, map[string]interface{}{
		"type": "adjust_camera",
		"data": map[string]interface{}{"width": 320, "height": 240},
	}))
	if data["action"] != "adjust_camera" {
		t.Fatalf("wrong action: %v", data)
	}
	if w, hgt := src.Resolution(); w != 320 || hgt != 240 {
		t.Fatalf("source resolution %dx%d, want 320x240", w, hgt)
	}

	// Without a camera the command degrades, it does not crash.
	bare := newHarness(t, nil)
	expectError(t, bare.roundTrip(t, map[string]interface{}{
		"type": "adjust_camera",
		"data": map[string]interface{}{"width": 320, "height": 240},
	}), "camera not available")
}

func TestEmergencyStopBroadcast(t *testing.T) {
	rng := newFakeRange(100)
	h := newHarness(t, func(o *Options) {
		o.Poller = sensors.New(rng, nil, 10*time.Millisecond)
		o.Safety = watchdog.Config{EmergencyDistance: 15, PollInterval: 10 * time.Millisecond}
	})
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "move_forward"}))
	rng.cm.Store(5.0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var push map[string]interface{}
		if err := h.conn.ReadJSON(&push); err != nil {
			t.Fatal(err)
		}
		if push["type"] != "status" {
			continue
		}
		data, _ := push["data"].(map[string]interface{})
		if data["status"] != "emergency_stop" {
			continue
		}
		if dist, _ := data["distance"].(float64); dist != 5 {
			t.Fatalf("wrong distance in status push: %v", data)
		}
		state, _ := h.server.motor.Status()
		if state != motor.Stopped {
			t.Fatal("emergency stop did not stop the motors")
		}
		return
	}
	t.Fatal("no emergency_stop status pushed")
}

func TestInactivityStopWithoutSensors(t *testing.T) {
	// Ultrasonic and IMU disabled: no poller at all. The inactivity
	// auto-stop must still run.
	h := newHarness(t, func(o *Options) {
		o.Poller = nil
		o.Safety = watchdog.Config{
			InactivityTimeout: 30 * time.Millisecond,
			PollInterval:      5 * time.Millisecond,
		}
	})
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "move_forward"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var push map[string]interface{}
		if err := h.conn.ReadJSON(&push); err != nil {
			t.Fatal(err)
		}
		if push["type"] != "status" {
			continue
		}
		data, _ := push["data"].(map[string]interface{})
		if data["status"] != "auto_stopped" {
			continue
		}
		state, _ := h.server.motor.Status()
		if state != motor.Stopped {
			t.Fatal("auto_stopped status without the motors stopped")
		}
		return
	}
	t.Fatal("no auto_stopped status pushed")
}

func TestLidarScanPush(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Lidar = lidar.NewScanner(lidar.NewMockDevice(), 0)
	})
	expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "start_lidar"}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var push map[string]interface{}
		if err := h.conn.ReadJSON(&push); err != nil {
			t.Fatal(err)
		}
		if push["type"] == "lidar_scan" {
			data, _ := push["data"].(map[string]interface{})
			points, _ := data["points"].([]interface{})
			if len(points) == 0 {
				t.Fatal("lidar_scan without points")
			}
			expectSuccess(t, h.roundTrip(t, map[string]interface{}{"type": "stop_lidar"}))
			return
		}
	}
	t.Fatal("no lidar_scan pushed")
}
