// File: api/errors.go
// Author: momentics <momentics@gmail.com>
//
// Common error values and the structured Error type used across ringloop.

package api

import "fmt"

// Common errors used across the library.
var (
	// ErrQueueFull reports a saturated submission ring. Recoverable: the
	// caller backs off and retries after prior completions drain.
	ErrQueueFull = fmt.Errorf("submission ring is full")

	// ErrRingUnsupported reports that the kernel lacks the asynchronous IO
	// facility. Surfaced at construction time only.
	ErrRingUnsupported = fmt.Errorf("kernel io ring not supported")

	// ErrContextOwned reports that another goroutine already owns the
	// context iteration and the caller declined to block.
	ErrContextOwned = fmt.Errorf("context is owned by another iterator")

	// ErrDefaultMismatch reports an unbalanced thread-default stack pop.
	ErrDefaultMismatch = fmt.Errorf("popped context is not the current default")

	// ErrSourceDetached reports an operation on a source that has already
	// been detached from its context.
	ErrSourceDetached = fmt.Errorf("source is detached")

	// ErrBackendClosed reports a submit against a finalized ring backend.
	ErrBackendClosed = fmt.Errorf("ring backend is closed")
)

// ErrorCode classifies structured errors.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeUnsupported
	ErrCodeOwnership
	ErrCodeInternal
)

// Error is a structured error with a code and free-form context.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a structured error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
