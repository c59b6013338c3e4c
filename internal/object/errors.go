package object

import (
	"errors"
	"fmt"
)

// Error is a structured actor error.
//
// Absence is never an Error: missing keys and connections surface as
// (zero, false) returns. Errors cover the cases the caller must act on:
//   - Validation: malformed options (negative TTL, empty key, bad cursor)
//   - Hook failed: a lifecycle observer returned an error; the state
//     machine stays at its last successfully completed step
//   - Actor closed: the run loop has shut down
//
// Storage failures are wrapped with %w and propagate as-is; no retry
// happens at this layer.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key identifies the affected record, when there is one.
	Key string

	// Hook names the lifecycle hook, for hook errors.
	Hook string

	// Err is the underlying cause, when there is one.
	Err error
}

// ErrorCode categorizes actor errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed caller-supplied options.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeHookFailed indicates a lifecycle hook returned an error.
	ErrCodeHookFailed ErrorCode = "HOOK_FAILED"

	// ErrCodeClosed indicates the actor's run loop has shut down.
	ErrCodeClosed ErrorCode = "ACTOR_CLOSED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Hook != "":
		return fmt.Sprintf("%s: %s hook: %s", e.Code, e.Hook, e.Message)
	case e.Key != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation Error. key may be empty.
func NewValidationError(message, key string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Key: key}
}

// NewHookError wraps an error returned by the named lifecycle hook.
func NewHookError(hook string, err error) *Error {
	return &Error{Code: ErrCodeHookFailed, Message: err.Error(), Hook: hook, Err: err}
}

// ErrClosed is returned by every operation once the actor has shut down.
var ErrClosed = &Error{Code: ErrCodeClosed, Message: "actor is closed"}

// IsValidation reports whether err is a validation error.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeValidation
}

// IsHookError reports whether err came from a lifecycle hook.
// Uses errors.As to handle wrapped errors.
func IsHookError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeHookFailed
}

// IsClosed reports whether err means the actor has shut down.
func IsClosed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeClosed
}
