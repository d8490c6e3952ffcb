package base

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled matches failures caused by cancellation of a blocking wait
	ErrCancelled = errors.New("cancelled")

	// ErrClosed is returned by operations on a closed or stopping component
	ErrClosed = errors.New("closed")

	// ErrRejected is returned when a bounded worker pool refuses new work
	ErrRejected = errors.New("rejected by full worker pool")
)

// CancelledError is returned when a blocking operation is aborted by its context
//
// errors.Is(err, ErrCancelled) is true for it, and the context error is available through Unwrap
type CancelledError struct {
	Op    string
	Cause error
}

// NewCancelledError creates a CancelledError
func NewCancelledError(op string, cause error) error {
	return &CancelledError{Op: op, Cause: cause}
}

func (err *CancelledError) Error() string {
	return fmt.Sprintf("%s was interrupted: %v", err.Op, err.Cause)
}

// Unwrap returns the underlying context error
func (err *CancelledError) Unwrap() error {
	return err.Cause
}

// Is makes CancelledError match ErrCancelled
func (err *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// ConnectError is returned when a connection to a remote address cannot be established
type ConnectError struct {
	Address string
	Cause   error
}

func (err *ConnectError) Error() string {
	return fmt.Sprintf("error connecting to %s: %v", err.Address, err.Cause)
}

// Unwrap returns the underlying cause
func (err *ConnectError) Unwrap() error {
	return err.Cause
}
