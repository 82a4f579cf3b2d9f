package protocol

import (
	"encoding/json"
	"math"

	"github.com/qtrobot/robot-server/pkg/config"
)

// Command is a validated message: every variant carries its own typed
// parameter record, already coerced, defaulted and range-checked, so
// downstream code can pattern-match exhaustively instead of poking at
// a raw map.
type Command interface {
	isCommand()
}

// Move is any of the four directional commands.
type Move struct {
	Direction   MessageType // move_forward, move_backward, turn_left, turn_right
	Speed       int         // duty-cycle percent, already clamped to the schema range
	Duration    float64     // seconds; valid only if HasDuration
	HasDuration bool
}

type Stop struct{}

type SetSpeed struct {
	Speed int
}

type CameraControl struct {
	Start bool
}

// CameraAdjust changes the capture resolution.
type CameraAdjust struct {
	Width  int
	Height int
}

type LidarControl struct {
	Start bool
}

// GPIOConfig carries a full replacement hardware configuration.
type GPIOConfig struct {
	Config *config.Config
}

type GetConfig struct{}

type Voice struct {
	Text string
}

type Speak struct {
	Text string
}

type Face struct {
	Expression string
}

type Ping struct{}

func (Move) isCommand()          {}
func (Stop) isCommand()          {}
func (SetSpeed) isCommand()      {}
func (CameraControl) isCommand() {}
func (CameraAdjust) isCommand()  {}
func (LidarControl) isCommand()  {}
func (GPIOConfig) isCommand()    {}
func (GetConfig) isCommand()     {}
func (Voice) isCommand()         {}
func (Speak) isCommand()         {}
func (Face) isCommand()          {}
func (Ping) isCommand()          {}

// numSpec is the declared schema for one numeric parameter.
type numSpec struct {
	name     string
	integer  bool
	min      float64
	max      float64
	hasMax   bool
	def      float64
	hasDef   bool
	required bool
}

var moveSchemas = map[MessageType]struct {
	speedDefault int
}{
	TypeMoveForward:  {speedDefault: 70},
	TypeMoveBackward: {speedDefault: 70},
	TypeTurnLeft:     {speedDefault: 50},
	TypeTurnRight:    {speedDefault: 50},
}

// coerceNum extracts one numeric field from the data map per its spec.
// The second return reports whether the field was present (or
// defaulted).
func coerceNum(data map[string]interface{}, spec numSpec) (float64, bool, error) {
	raw, ok := data[spec.name]
	if !ok {
		if spec.required {
			return 0, false, validationf("%s is required", spec.name)
		}
		if spec.hasDef {
			return spec.def, true, nil
		}
		return 0, false, nil
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false, validationf("%s must be a number", spec.name)
		}
		v = f
	case int:
		v = float64(n)
	default:
		return 0, false, validationf("%s must be a number", spec.name)
	}
	if spec.integer && v != math.Trunc(v) {
		return 0, false, validationf("%s must be an integer", spec.name)
	}
	if v < spec.min {
		return 0, false, validationf("%s must be >= %v", spec.name, spec.min)
	}
	if spec.hasMax && v > spec.max {
		return 0, false, validationf("%s must be <= %v", spec.name, spec.max)
	}
	return v, true, nil
}

func coerceString(data map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := data[name]
	if !ok {
		if required {
			return "", validationf("%s is required", name)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", validationf("%s must be a string", name)
	}
	return s, nil
}

// ParseCommand validates a decoded message against the schema for its
// type. Unknown types return UnknownCommandError; schema failures
// return ValidationError. Either way no hardware is touched.
func ParseCommand(msg Message) (Command, error) {
	data := msg.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	switch msg.Type {
	case TypeMoveForward, TypeMoveBackward, TypeTurnLeft, TypeTurnRight:
		schema := moveSchemas[msg.Type]
		speed, _, err := coerceNum(data, numSpec{
			name: "speed", integer: true, min: 0, max: 100, hasMax: true,
			def: float64(schema.speedDefault), hasDef: true,
		})
		if err != nil {
			return nil, err
		}
		duration, hasDur, err := coerceNum(data, numSpec{name: "duration", min: 0})
		if err != nil {
			return nil, err
		}
		return Move{
			Direction:   msg.Type,
			Speed:       int(speed),
			Duration:    duration,
			HasDuration: hasDur,
		}, nil

	case TypeStop:
		return Stop{}, nil

	case TypeSetSpeed:
		speed, _, err := coerceNum(data, numSpec{
			name: "speed", integer: true, min: 0, max: 100, hasMax: true, required: true,
		})
		if err != nil {
			return nil, err
		}
		return SetSpeed{Speed: int(speed)}, nil

	case TypeStartCamera:
		return CameraControl{Start: true}, nil
	case TypeStopCamera:
		return CameraControl{Start: false}, nil

	case TypeAdjustCamera:
		width, _, err := coerceNum(data, numSpec{name: "width", integer: true, min: 1, required: true})
		if err != nil {
			return nil, err
		}
		height, _, err := coerceNum(data, numSpec{name: "height", integer: true, min: 1, required: true})
		if err != nil {
			return nil, err
		}
		return CameraAdjust{Width: int(width), Height: int(height)}, nil

	case TypeStartLidar:
		return LidarControl{Start: true}, nil
	case TypeStopLidar:
		return LidarControl{Start: false}, nil

	case TypeGPIOConfig:
		raw, ok := data["config"]
		if !ok {
			return nil, validationf("config is required")
		}
		// Round-trip through JSON to get a typed config out of the
		// generic map.
		blob, err := json.Marshal(raw)
		if err != nil {
			return nil, validationf("config is not an object")
		}
		cfg := config.Default()
		if err := json.Unmarshal(blob, cfg); err != nil {
			return nil, validationf("config is malformed: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return GPIOConfig{Config: cfg}, nil

	case TypeGetConfig:
		return GetConfig{}, nil

	case TypeVoiceCommand:
		text, err := coerceString(data, "text", true)
		if err != nil {
			return nil, err
		}
		return Voice{Text: text}, nil

	case TypeTTSSpeak:
		text, err := coerceString(data, "text", true)
		if err != nil {
			return nil, err
		}
		return Speak{Text: text}, nil

	case TypeFaceExpression:
		expr, err := coerceString(data, "expression", true)
		if err != nil {
			return nil, err
		}
		return Face{Expression: expr}, nil

	case TypePing:
		return Ping{}, nil
	}

	return nil, &UnknownCommandError{Type: msg.Type}
}
