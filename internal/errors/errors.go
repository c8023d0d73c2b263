// Package errors provides structured error types for the gateway bridge.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrNotPaired    = errors.New("device not paired")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrNotConnected = errors.New("not connected to gateway")
	ErrClosed       = errors.New("connection closed")
	ErrStopped      = errors.New("session stopped")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// Gateway error codes with dedicated local meaning.
const (
	CodeNotPaired    = "NOT_PAIRED"
	CodeDisconnected = "DISCONNECTED"
	CodeTimeout      = "TIMEOUT"
)

// GatewayError represents an error frame returned by the gateway.
type GatewayError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error %s", e.Code)
}

// Is maps well-known gateway codes onto the local sentinels so callers
// can use errors.Is without inspecting codes themselves.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrNotPaired:
		return e.Code == CodeNotPaired
	case ErrClosed:
		return e.Code == CodeDisconnected
	case ErrTimeout:
		return e.Code == CodeTimeout
	}
	return false
}

// NewGatewayError creates a gateway error from a wire error frame.
func NewGatewayError(code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Pairing rejection and auth failures need out-of-band action and never are.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNotPaired) || errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected)
}
