package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the sandbox package.
var (
	// ErrSecurityViolation indicates a gated operation was attempted
	// without permission, or a disallowed construct was detected.
	ErrSecurityViolation = errors.New("sandbox: security violation")

	// ErrProtocol indicates a malformed, oversized, or misrouted channel
	// message. After a protocol error the channel is considered
	// unreliable for subsequent calls.
	ErrProtocol = errors.New("sandbox: protocol violation")

	// ErrTimeout indicates no response arrived within the wait ceiling.
	// Timed-out requests are never retried automatically.
	ErrTimeout = errors.New("sandbox: request timed out")

	// ErrLifecycle indicates the sandbox process failed to start or shut
	// down cleanly. Plugins hitting this are marked terminated and are
	// not restarted.
	ErrLifecycle = errors.New("sandbox: lifecycle failure")

	// ErrClosed indicates the controller has already been shut down.
	ErrClosed = errors.New("sandbox: controller closed")

	// ErrValidation indicates a gated operation was invoked with
	// arguments outside its accepted shape or bounds.
	ErrValidation = errors.New("sandbox: validation failure")

	// ErrResourceLimit indicates a bounded host resource, such as the
	// replay queue, refused more work.
	ErrResourceLimit = errors.New("sandbox: resource limit exceeded")
)

// ValidationError carries the argument and reason of a rejected call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// SecurityViolationError carries the operation and reason of a refused call.
// It wraps ErrSecurityViolation so errors.Is still works.
type SecurityViolationError struct {
	Op     string
	Reason string
}

func (e *SecurityViolationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", ErrSecurityViolation.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrSecurityViolation.Error(), e.Op, e.Reason)
}

func (e *SecurityViolationError) Unwrap() error {
	return ErrSecurityViolation
}

// ProtocolError carries the reason a channel message was rejected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocol.Error(), e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// RemoteError is an error reported by the sandboxed plugin itself, for
// example a command handler throwing. It is a plain failure of the one
// call, never a channel fault.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "plugin error: " + e.Message
}

// Wire error type tags. Errors are serialized as tagged results across the
// channel and reconstructed as typed errors on the receiving side.
const (
	wireErrSecurity   = "security"
	wireErrProtocol   = "protocol"
	wireErrTimeout    = "timeout"
	wireErrValidation = "validation"
	wireErrResource   = "resource_limit"
	wireErrRuntime    = "runtime"
)

// WireError is the serialized form of a cross-channel failure.
type WireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// toWireError tags err for serialization across the channel.
func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrSecurityViolation):
		return &WireError{Type: wireErrSecurity, Message: err.Error()}
	case errors.Is(err, ErrProtocol):
		return &WireError{Type: wireErrProtocol, Message: err.Error()}
	case errors.Is(err, ErrTimeout):
		return &WireError{Type: wireErrTimeout, Message: err.Error()}
	case errors.Is(err, ErrValidation):
		return &WireError{Type: wireErrValidation, Message: err.Error()}
	case errors.Is(err, ErrResourceLimit):
		return &WireError{Type: wireErrResource, Message: err.Error()}
	default:
		return &WireError{Type: wireErrRuntime, Message: err.Error()}
	}
}

// Err reconstructs the typed error a WireError represents.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	switch w.Type {
	case wireErrSecurity:
		return &SecurityViolationError{Reason: w.Message}
	case wireErrProtocol:
		return &ProtocolError{Reason: w.Message}
	case wireErrTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, w.Message)
	case wireErrValidation:
		return &ValidationError{Reason: w.Message}
	case wireErrResource:
		return fmt.Errorf("%w: %s", ErrResourceLimit, w.Message)
	default:
		return &RemoteError{Message: w.Message}
	}
}
