package agentpipe

import "github.com/agentpipe/agentpipe/internal/perr"

// Typed errors callers can branch on with errors.As.
type (
	// ConnectionError indicates the process or pipe became unusable.
	ConnectionError = perr.ConnectionError

	// DecodeError indicates a structurally complete line was not
	// parseable JSON. This terminates the event sequence.
	DecodeError = perr.DecodeError

	// BufferOverflowError indicates a line exceeded the configured
	// maximum buffer size before a newline was seen.
	BufferOverflowError = perr.BufferOverflowError

	// ProtocolError indicates the remote side answered a control
	// request with an explicit error.
	ProtocolError = perr.ProtocolError

	// TimeoutError indicates a control request received no response
	// within its window.
	TimeoutError = perr.TimeoutError

	// ProcessError indicates the subprocess exited with a non-zero
	// status. It carries the exit code and captured stderr.
	ProcessError = perr.ProcessError

	// WriteError indicates the outgoing channel rejected a write.
	WriteError = perr.WriteError
)

// Sentinel errors callers can branch on with errors.Is.
var (
	// ErrConnClosed indicates the connection closed while an operation
	// was pending.
	ErrConnClosed = perr.ErrConnClosed

	// ErrNotConnected indicates the transport was never started.
	ErrNotConnected = perr.ErrNotConnected

	// ErrReaderSuperseded indicates a newer event reader attached.
	ErrReaderSuperseded = perr.ErrReaderSuperseded

	// ErrAborted indicates the connection-wide abort flag interrupted
	// a capability handler.
	ErrAborted = perr.ErrAborted
)
