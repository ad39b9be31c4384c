package types

import (
	"fmt"
	"time"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Balancing
	ErrCodeNoNodes         ErrorCode = "NO_NODES_AVAILABLE"
	ErrCodeNodeNotFound    ErrorCode = "NODE_NOT_FOUND"
	ErrCodeNodeExists      ErrorCode = "NODE_EXISTS"
	ErrCodeNodeUnavailable ErrorCode = "NODE_UNAVAILABLE"

	// Control connection
	ErrCodeTimeout          ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	ErrCodeUnknownOperation ErrorCode = "UNKNOWN_OPERATION"

	// Playback
	ErrCodeInvalidTrack  ErrorCode = "INVALID_TRACK"
	ErrCodePlaybackError ErrorCode = "PLAYBACK_ERROR"

	// Infrastructure
	ErrCodeStoreError    ErrorCode = "STORE_ERROR"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Matching is done by code.
var (
	ErrNoNodes          = NewError(ErrCodeNoNodes, "no available nodes")
	ErrRequestTimeout   = NewError(ErrCodeTimeout, "request timed out")
	ErrConnectionClosed = NewError(ErrCodeConnectionClosed, "connection closed")
	ErrUnauthorized     = NewError(ErrCodeUnauthorized, "authorization rejected")
)

// Error represents a structured error in voxlink
type Error struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

// NewError creates a new Error
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Details:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new Error wrapping cause
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	err := NewError(code, message)
	err.Cause = cause
	return err
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if this error is of a specific code
func (e *Error) IsCode(code ErrorCode) bool {
	return e.Code == code
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// IsRetryable returns true if the caller may retry the failed operation
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeConnectionClosed, ErrCodeNodeUnavailable, ErrCodeStoreError:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of err if it is (or wraps) an *Error.
func CodeOf(err error) (ErrorCode, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// ErrTimeout creates a timeout error for a named request
func ErrTimeout(operation string, timeout time.Duration) *Error {
	return NewError(ErrCodeTimeout, fmt.Sprintf("%s timed out", operation)).
		WithDetail("operation", operation).
		WithDetail("timeout", timeout.String())
}

// ErrInvalidMessage creates an invalid message error
func ErrInvalidMessage(details string, cause error) *Error {
	return NewErrorWithCause(ErrCodeInvalidMessage, "invalid message", cause).WithDetail("details", details)
}

// ErrNodeNotFound creates a node not found error
func ErrNodeNotFound(name string) *Error {
	return NewError(ErrCodeNodeNotFound, "node not found").WithDetail("node", name)
}

// ErrStore wraps a failed assignment store operation
func ErrStore(operation string, cause error) *Error {
	return NewErrorWithCause(ErrCodeStoreError, fmt.Sprintf("store operation failed: %s", operation), cause)
}
