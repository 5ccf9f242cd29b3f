package agentsocket

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrClosed       = errors.New("agentsocket: session closed")
	ErrNotConnected = errors.New("agentsocket: not connected")
	ErrEmptyMessage = errors.New("agentsocket: empty message")
	ErrToolNotFound = errors.New("agentsocket: tool not found")
)

// ConnectionError represents a transport-level error. These are retried by
// the reconnection policy.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("agentsocket: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("agentsocket: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError represents an error during request sending.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("agentsocket: send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ConfigError is returned when connection parameters cannot be resolved.
// Config errors move the session straight to the failed state and are never
// retried automatically.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agentsocket: config: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("agentsocket: config: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DecodeError is returned for a frame that is not a JSON object. The frame is
// dropped and the connection stays up.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("agentsocket: decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an application-level error frame from the server.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agentsocket: protocol error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("agentsocket: protocol error: %s", e.Message)
}
