package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Sentinel Errors
// --------------------------------------------------------------------------

// Sentinel errors returned by the channel API. Callers match them with
// errors.Is since they may arrive wrapped with additional context.
var (
	// ErrChannelClosed is delivered asynchronously when a send is attempted
	// after the channel left the connected state
	ErrChannelClosed = errors.New("channel closed")

	// ErrAlreadyDisconnected is returned by Disconnect when the channel
	// was disconnected before
	ErrAlreadyDisconnected = errors.New("IPC channel is already disconnected")

	// ErrInvalidHandleType is returned when a handle wrapper (or wire tag)
	// has no registered conversion strategy
	ErrInvalidHandleType = errors.New("invalid handle type")

	// ErrMissingArguments is returned when a required argument is nil
	ErrMissingArguments = errors.New("missing required arguments")

	// ErrInvalidArgumentType is returned when an argument has an
	// unsupported type
	ErrInvalidArgumentType = errors.New("invalid argument type")
)

// --------------------------------------------------------------------------
// Write Errors
// --------------------------------------------------------------------------

// WriteError wraps a transport failure that occurred while writing to the
// channel. It is always delivered asynchronously (callback or error event),
// never as a synchronous return value.
type WriteError struct {
	// Op describes the write that failed (e.g. "send", "handle ack")
	Op string
	// Err is the underlying transport error
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("channel write failed (%s): %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// NewWriteError wraps err as a WriteError for the given operation
func NewWriteError(op string, err error) *WriteError {
	return &WriteError{Op: op, Err: err}
}
