// Package framer turns a raw, chunked byte stream into a sequence of
// newline-delimited JSON objects.
//
// The framer accumulates chunks until a newline is seen, then parses
// the line. Lines that fail to parse but look structurally complete
// (balanced outer braces) are fatal: the stream was expected to carry
// self-contained JSON per line. Lines that look incomplete are dropped
// as speculative transport glitches unless strict mode is enabled.
package framer

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/agentpipe/agentpipe/internal/perr"
)

const (
	// DefaultMaxBufferSize caps the in-flight buffer while waiting for
	// a newline. Exceeding it terminates the sequence with an overflow
	// failure.
	DefaultMaxBufferSize = 1024 * 1024 // 1MB

	readChunkSize = 32 * 1024
)

// Config controls framer behavior.
type Config struct {
	// MaxBufferSize bounds the unterminated-line buffer. Zero means
	// DefaultMaxBufferSize.
	MaxBufferSize int

	// Strict turns the speculative partial-line drop into a decode
	// failure. The lenient default can mask protocol corruption.
	Strict bool

	// ExitStatus, when non-nil, is consulted once the byte source
	// reaches end-of-stream. A non-nil result becomes the terminal
	// error of the sequence (e.g. a ProcessError carrying the exit
	// code and captured stderr).
	ExitStatus func() error
}

// Framer reads newline-delimited JSON objects from a byte source.
//
// The sequence is lazy, ordered, and non-restartable: call Scan until
// it returns false, then check Err for the terminal condition.
type Framer struct {
	log *slog.Logger
	src io.Reader
	cfg Config

	buf   []byte
	chunk []byte
	msg   map[string]any
	err   error
	eof   bool
}

// New creates a framer over src.
func New(log *slog.Logger, src io.Reader, cfg Config) *Framer {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}

	return &Framer{
		log:   log.With("component", "framer"),
		src:   src,
		cfg:   cfg,
		chunk: make([]byte, readChunkSize),
	}
}

// Scan advances to the next parsed JSON object. It returns false when
// the sequence terminates; Err distinguishes normal end-of-stream from
// a failure.
func (f *Framer) Scan() bool {
	if f.err != nil {
		return false
	}

	for {
		// Drain complete lines already buffered before reading more.
		for {
			idx := bytes.IndexByte(f.buf, '\n')
			if idx < 0 {
				break
			}

			line := bytes.TrimSpace(f.buf[:idx])
			f.buf = f.buf[idx+1:]

			if len(line) == 0 {
				continue
			}

			msg, ok := f.parseLine(line)
			if f.err != nil {
				return false
			}

			if ok {
				f.msg = msg

				return true
			}
		}

		if f.eof {
			// Anything left without a terminating newline is partial.
			if len(f.buf) > 0 {
				f.log.Debug("Discarding unterminated trailing bytes", "len", len(f.buf))
				f.buf = nil
			}

			if f.cfg.ExitStatus != nil {
				f.err = f.cfg.ExitStatus()
			}

			return false
		}

		if len(f.buf) > f.cfg.MaxBufferSize {
			f.err = &perr.BufferOverflowError{Limit: f.cfg.MaxBufferSize}

			return false
		}

		if !f.fill() {
			return false
		}
	}
}

// Message returns the object produced by the last successful Scan.
func (f *Framer) Message() map[string]any {
	return f.msg
}

// Err returns the terminal error, or nil after a clean end-of-stream.
func (f *Framer) Err() error {
	return f.err
}

// parseLine attempts to decode one trimmed, non-blank line. It returns
// the object and true on success, false when the line was discarded as
// speculative, and sets f.err for fatal decode failures.
func (f *Framer) parseLine(line []byte) (map[string]any, bool) {
	var msg map[string]any

	if err := json.Unmarshal(line, &msg); err != nil {
		if f.cfg.Strict || looksComplete(line) {
			f.err = &perr.DecodeError{Line: string(line), Err: err}

			return nil, false
		}

		// Best-effort tolerance of transport glitches: an incomplete
		// looking line is treated as a speculative fragment.
		f.log.Debug("Dropping unparseable partial line", "len", len(line))

		return nil, false
	}

	return msg, true
}

// fill reads one chunk from the source. It returns false when the
// sequence should stop scanning because of a read failure.
func (f *Framer) fill() bool {
	n, err := f.src.Read(f.chunk)
	if n > 0 {
		f.buf = append(f.buf, f.chunk[:n]...)

		if bytes.IndexByte(f.buf, '\n') < 0 && len(f.buf) > f.cfg.MaxBufferSize {
			f.err = &perr.BufferOverflowError{Limit: f.cfg.MaxBufferSize}

			return false
		}
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			f.eof = true

			return true
		}

		f.err = &perr.ConnectionError{Err: err}

		return false
	}

	return true
}

// looksComplete reports whether the line appears to be a self-contained
// JSON object: it starts with '{' and its outer braces balance, with
// string literals and escapes accounted for.
func looksComplete(line []byte) bool {
	if len(line) == 0 || line[0] != '{' || line[len(line)-1] != '}' {
		return false
	}

	depth := 0
	inString := false
	escaped := false

	for _, b := range line {
		if escaped {
			escaped = false

			continue
		}

		switch {
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case inString:
		case b == '{':
			depth++
		case b == '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}

	return depth == 0 && !inString
}
