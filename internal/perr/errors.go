// Package perr defines the error taxonomy shared by the transport,
// framer, router, and capability layers.
package perr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for commonly branched conditions.
var (
	// ErrConnClosed indicates the connection was closed while an
	// operation was still pending.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected indicates the transport has not been started.
	ErrNotConnected = errors.New("transport not connected")

	// ErrStdinClosed indicates the outgoing pipe was closed, typically
	// due to context cancellation during a blocked write.
	ErrStdinClosed = errors.New("stdin closed")

	// ErrReaderSuperseded indicates a second reader attached to the
	// connection, invalidating the first.
	ErrReaderSuperseded = errors.New("event reader superseded by a newer reader")

	// ErrAborted indicates the connection-wide abort flag was set while
	// a capability handler was running.
	ErrAborted = errors.New("operation aborted")
)

// ConnectionError indicates the process or pipe became unusable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError indicates a structurally complete line could not be
// parsed as JSON. Framing does not recover from this.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BufferOverflowError indicates the framer's in-flight buffer exceeded
// its configured cap before a newline was seen.
type BufferOverflowError struct {
	Limit int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("line exceeded maximum buffer size of %d bytes", e.Limit)
}

// ProtocolError indicates the remote side answered a control request
// with an explicit error, or sent a malformed control message.
type ProtocolError struct {
	Subtype string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Subtype != "" {
		return fmt.Sprintf("protocol error (%s): %s", e.Subtype, e.Message)
	}

	return fmt.Sprintf("protocol error: %s", e.Message)
}

// TimeoutError indicates no response arrived for a control request
// within the configured window.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// ProcessError indicates the subprocess exited with a non-zero status.
// Stderr carries whatever diagnostic output was captured before exit.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process exited with code %d: %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// WriteError indicates the outgoing channel rejected a write.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failure: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
