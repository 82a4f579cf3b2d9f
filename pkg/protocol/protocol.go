// Package protocol defines the wire protocol between the robot server
// and its controllers: one JSON message per text frame, with the
// message type selecting the schema for the data payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	// Connection housekeeping.
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Movement commands.
	TypeMoveForward  MessageType = "move_forward"
	TypeMoveBackward MessageType = "move_backward"
	TypeTurnLeft     MessageType = "turn_left"
	TypeTurnRight    MessageType = "turn_right"
	TypeStop         MessageType = "stop"
	TypeSetSpeed     MessageType = "set_speed"

	// Camera.
	TypeStartCamera  MessageType = "start_camera"
	TypeStopCamera   MessageType = "stop_camera"
	TypeAdjustCamera MessageType = "adjust_camera"
	TypeCameraFrame  MessageType = "camera_frame"

	// LiDAR.
	TypeStartLidar MessageType = "start_lidar"
	TypeStopLidar  MessageType = "stop_lidar"
	TypeLidarScan  MessageType = "lidar_scan"

	// Telemetry pushed by the server.
	TypeSensorData MessageType = "sensor_data"
	TypeStatus     MessageType = "status"

	// Configuration.
	TypeGPIOConfig MessageType = "gpio_config"
	TypeGetConfig  MessageType = "get_config"

	// Voice / presentation.
	TypeVoiceCommand   MessageType = "voice_command"
	TypeTTSSpeak       MessageType = "tts_speak"
	TypeFaceExpression MessageType = "face_expression"

	// Replies.
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message is the wire envelope. Timestamp is a number (unix seconds)
// on messages we produce, but inbound controllers may send a string;
// it is carried opaquely either way.
type Message struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp interface{}            `json:"timestamp,omitempty"`
}

// Response is the reply envelope for both success and error replies.
type Response struct {
	Type      MessageType            `json:"type"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp float64                `json:"timestamp"`
}

// Now returns the protocol timestamp for the current time.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewMessage builds an outbound message with the current timestamp.
func NewMessage(t MessageType, data map[string]interface{}) Message {
	return Message{Type: t, Data: data, Timestamp: Now()}
}

// NewResponse builds a success response.
func NewResponse(data map[string]interface{}) Response {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Response{Type: TypeResponse, Status: StatusSuccess, Data: data, Timestamp: Now()}
}

// NewErrorResponse builds an error response carrying the message from
// err verbatim.
func NewErrorResponse(err error) Response {
	return Response{Type: TypeError, Status: StatusError, Error: err.Error(), Timestamp: Now()}
}

// Encode marshals any protocol value to a JSON frame.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// ParseMessage decodes one text frame. A frame that is not valid JSON
// or has no type field is a protocol error; the connection survives,
// only the frame is rejected.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if msg.Type == "" {
		return Message{}, &ProtocolError{Reason: "message missing 'type' field"}
	}
	return msg, nil
}
