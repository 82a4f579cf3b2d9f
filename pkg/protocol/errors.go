package protocol

import "fmt"

// ProtocolError marks a frame that could not be decoded at all:
// malformed JSON or a missing type field.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return e.Reason }

// UnknownCommandError marks a well-formed message whose type is not a
// command the router knows. It produces an error response, never a
// crash.
type UnknownCommandError struct {
	Type MessageType
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

// ValidationError marks a command whose parameters failed coercion or
// range checking. No hardware call is made for such a command.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// HardwareUnavailableError marks a command aimed at a device this
// robot is running without. The feature degrades; the server stays up.
type HardwareUnavailableError struct {
	Device string
}

func (e *HardwareUnavailableError) Error() string {
	return fmt.Sprintf("%s not available", e.Device)
}
