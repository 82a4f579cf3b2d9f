package server

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/qtrobot/robot-server/pkg/config"
	"github.com/qtrobot/robot-server/pkg/facedisplay"
	"github.com/qtrobot/robot-server/pkg/intent"
	"github.com/qtrobot/robot-server/pkg/motor"
	"github.com/qtrobot/robot-server/pkg/protocol"
	"github.com/qtrobot/robot-server/pkg/sound"
)

// ConfigSwapError reports a failed gpio_config swap. The previous
// driver has already been restored when this is returned.
type ConfigSwapError struct {
	Err error
}

func (e *ConfigSwapError) Error() string {
	return fmt.Sprintf("config swap failed: %v (previous configuration restored)", e.Err)
}

func (e *ConfigSwapError) Unwrap() error { return e.Err }

// dispatch executes one validated command and returns the response
// payload. It never touches the connection.
func (s *Server) dispatch(cmd protocol.Command) (map[string]interface{}, error) {
	switch c := cmd.(type) {
	case protocol.Move:
		return s.doMove(c)

	case protocol.Stop:
		s.motorMu.Lock()
		defer s.motorMu.Unlock()
		if err := s.motor.Stop(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"action": "stop"}, nil

	case protocol.SetSpeed:
		s.motorMu.Lock()
		defer s.motorMu.Unlock()
		if err := s.motor.SetSpeed(c.Speed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"action": "set_speed", "speed": c.Speed}, nil

	case protocol.CameraControl:
		if s.camera == nil {
			return nil, &protocol.HardwareUnavailableError{Device: "camera"}
		}
		if c.Start {
			s.camera.Start(s.runCtx)
			return map[string]interface{}{"action": "start_camera"}, nil
		}
		s.camera.Stop()
		return map[string]interface{}{"action": "stop_camera"}, nil

	case protocol.CameraAdjust:
		if s.camera == nil {
			return nil, &protocol.HardwareUnavailableError{Device: "camera"}
		}
		if err := s.camera.SetResolution(c.Width, c.Height); err != nil {
			return nil, err
		}
		return map[string]interface{}{"action": "adjust_camera", "width": c.Width, "height": c.Height}, nil

	case protocol.LidarControl:
		if s.lidarScan == nil {
			return nil, &protocol.HardwareUnavailableError{Device: "lidar"}
		}
		if c.Start {
			if err := s.lidarScan.Start(s.runCtx); err != nil {
				return nil, err
			}
			return map[string]interface{}{"action": "start_lidar"}, nil
		}
		s.lidarScan.Stop()
		return map[string]interface{}{"action": "stop_lidar"}, nil

	case protocol.GPIOConfig:
		if err := s.applyConfig(c.Config); err != nil {
			return nil, err
		}
		return map[string]interface{}{"action": "gpio_config", "config": configData(c.Config)}, nil

	case protocol.GetConfig:
		return map[string]interface{}{"config": configData(s.currentConfig())}, nil

	case protocol.Voice:
		return s.doVoice(c)

	case protocol.Speak:
		log.Printf("Server: speaking %q", c.Text)
		if s.sounds != nil && s.alertSound != "" {
			sound.Play(s.sounds, s.alertSound)
		}
		return map[string]interface{}{"action": "tts_speak", "text": c.Text}, nil

	case protocol.Face:
		expr, err := facedisplay.ParseExpression(c.Expression)
		if err != nil {
			return nil, err
		}
		if err := s.face.Show(expr); err != nil {
			return nil, err
		}
		return map[string]interface{}{"action": "face_expression", "expression": string(expr)}, nil
	}
	return nil, fmt.Errorf("unhandled command %T", cmd)
}

func (s *Server) doMove(c protocol.Move) (map[string]interface{}, error) {
	var state motor.State
	switch c.Direction {
	case protocol.TypeMoveForward:
		state = motor.Forward
	case protocol.TypeMoveBackward:
		state = motor.Backward
	case protocol.TypeTurnLeft:
		state = motor.TurningLeft
	case protocol.TypeTurnRight:
		state = motor.TurningRight
	default:
		return nil, fmt.Errorf("unknown direction %q", c.Direction)
	}
	duration := 0.0
	if c.HasDuration {
		duration = c.Duration
	}
	s.motorMu.Lock()
	defer s.motorMu.Unlock()
	if err := s.motor.Drive(state, c.Speed, duration); err != nil {
		return nil, err
	}
	data := map[string]interface{}{"action": string(c.Direction), "speed": c.Speed}
	if c.HasDuration {
		data["duration"] = c.Duration
	}
	return data, nil
}

// doVoice maps a transcript onto a recognized command and re-enters
// the router with it.
func (s *Server) doVoice(c protocol.Voice) (map[string]interface{}, error) {
	t, ok := intent.Match(c.Text)
	if !ok {
		return nil, fmt.Errorf("could not understand %q", c.Text)
	}
	cmd, err := protocol.ParseCommand(protocol.NewMessage(t, nil))
	if err != nil {
		return nil, err
	}
	data, err := s.dispatch(cmd)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["source"] = "voice"
	data["heard"] = c.Text
	return data, nil
}

// applyConfig swaps the motor driver to a new pin map: stop and
// release the old pins first (the new map may reuse them), then bring
// up the new driver, then persist. A failed bring-up rolls back to the
// previous configuration so the robot is never left driverless.
func (s *Server) applyConfig(newCfg *config.Config) error {
	s.motorMu.Lock()
	defer s.motorMu.Unlock()

	oldCfg := s.currentConfig()
	s.motor.Close()

	m, err := s.motorFactory(newCfg)
	if err != nil {
		log.Printf("Server: new pin map rejected: %v", err)
		prev, rerr := s.motorFactory(oldCfg)
		if rerr != nil {
			// Old pins failed to come back. Nothing sane to drive with.
			return &ConfigSwapError{Err: fmt.Errorf("%v; restore also failed: %v", err, rerr)}
		}
		s.motor = prev
		return &ConfigSwapError{Err: err}
	}
	s.motor = m
	s.setConfig(newCfg)

	if s.configPath != "" {
		if err := s.currentConfig().Save(s.configPath); err != nil {
			return fmt.Errorf("config applied but not persisted: %w", err)
		}
	}
	log.Printf("Server: motor pins now %+v (%s numbering)", newCfg.Motors.Pins, newCfg.PinMode)
	return nil
}

func (s *Server) currentConfig() *config.Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.Clone()
}

func (s *Server) setConfig(c *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = c.Clone()
}

// configData flattens a config into a response payload via its JSON
// tags.
func configData(c *config.Config) map[string]interface{} {
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
