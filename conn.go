package agentpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/capability"
	"github.com/agentpipe/agentpipe/internal/framer"
	"github.com/agentpipe/agentpipe/internal/message"
	"github.com/agentpipe/agentpipe/internal/router"
	"github.com/agentpipe/agentpipe/internal/stdio"
	"github.com/agentpipe/agentpipe/internal/wire"
)

// Transport is the byte-stream pipe a connection runs over. The
// default implementation spawns a subprocess; inject a custom one with
// WithTransport for tests or alternative pipes.
type Transport interface {
	// Start makes the pipe usable.
	Start(ctx context.Context) error

	// Reader is the incoming byte stream, consumed by the framer.
	Reader() io.Reader

	// Write sends one framed message. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// CloseInput signals end of input without tearing the pipe down.
	CloseInput() error

	// ExitStatus blocks until the pipe's owner terminates and reports
	// an abnormal exit, or nil.
	ExitStatus() error

	// Close releases the pipe. Must be idempotent.
	Close() error
}

// Compile-time verification that the subprocess transport satisfies
// Transport.
var _ Transport = (*stdio.Transport)(nil)

// Conn is one logical connection to a subprocess: a single framed byte
// stream carrying ordinary events plus the correlated control
// protocol.
type Conn struct {
	log       *slog.Logger
	opts      *Options
	transport Transport
	router    *router.Router
	sessionID string

	closeOnce sync.Once
	closeErr  error
}

// Connect starts the transport, wires the framer and router, registers
// the capability handlers, and performs the initialize handshake when
// hooks, a permission function, or tool servers are configured.
func Connect(ctx context.Context, opts ...Option) (*Conn, error) {
	options := applyOptions(opts)

	log := options.Logger
	if log == nil {
		log = NopLogger()
	}

	transport := options.Transport
	if transport == nil {
		transport = stdio.New(log, stdio.Config{
			Path:   options.Command,
			Args:   options.Args,
			Env:    options.Env,
			Dir:    options.Dir,
			Stderr: options.Stderr,
		})
	}

	if err := transport.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}

	fr := framer.New(log, transport.Reader(), framer.Config{
		MaxBufferSize: options.MaxBufferSize,
		Strict:        options.StrictDecode,
		ExitStatus:    transport.ExitStatus,
	})

	rt := router.New(log, fr, transport)

	gate := capability.NewPermissionGate(log, options.PermissionFunc, options.PermissionTimeout, rt.Abort())
	hooks := capability.NewHookDispatcher(log, options.Hooks, rt.Abort())
	bridge := capability.NewToolBridge(log, options.ToolServers)

	rt.RegisterHandler(wire.SubtypeCanUseTool, gate.Handle)
	rt.RegisterHandler(wire.SubtypeHookCallback, hooks.Handle)
	rt.RegisterHandler(wire.SubtypeMCPMessage, bridge.Handle)

	rt.Start(ctx)

	sessionID := options.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn := &Conn{
		log:       log.With("component", "conn"),
		opts:      options,
		transport: transport,
		router:    rt,
		sessionID: sessionID,
	}

	if conn.needsInitialize() {
		if err := conn.initialize(ctx); err != nil {
			_ = conn.Close()

			return nil, err
		}
	}

	return conn, nil
}

// needsInitialize reports whether any capability requires the
// handshake before streaming begins.
func (c *Conn) needsInitialize() bool {
	return len(c.opts.Hooks) > 0 ||
		c.opts.PermissionFunc != nil ||
		len(c.opts.ToolServers) > 0
}

// initialize advertises the configured hooks to the remote side.
func (c *Conn) initialize(ctx context.Context) error {
	hooksConfig := make(map[string]any, len(c.opts.Hooks))

	for _, reg := range c.opts.Hooks {
		entry := map[string]any{"matcher": reg.Matcher}
		if reg.Timeout > 0 {
			entry["timeout"] = reg.Timeout.Seconds()
		}

		key := string(reg.Event)
		existing, _ := hooksConfig[key].([]map[string]any)
		hooksConfig[key] = append(existing, entry)
	}

	payload := map[string]any{"hooks": hooksConfig}

	if _, err := c.router.Send(ctx, "initialize", payload, c.opts.InitializeTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	return nil
}

// SessionID returns the id stamped on outgoing user messages.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// SendRequest issues an outgoing control request and waits for the
// correlated response payload, using the configured request timeout.
// The error is a *TimeoutError, *ProtocolError, or ErrConnClosed.
func (c *Conn) SendRequest(ctx context.Context, subtype string, payload map[string]any) (map[string]any, error) {
	return c.router.Send(ctx, subtype, payload, c.opts.RequestTimeout)
}

// Interrupt asks the remote side to stop its current turn.
func (c *Conn) Interrupt(ctx context.Context) error {
	_, err := c.SendRequest(ctx, "interrupt", nil)

	return err
}

// SetPermissionMode switches the remote side's permission mode.
func (c *Conn) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := c.SendRequest(ctx, "set_permission_mode", map[string]any{"mode": mode})

	return err
}

// Abort trips the connection-wide abort flag. Capability handlers
// check it cooperatively before producing results; it does not preempt
// in-flight callbacks, whose liveness is bounded by their per-call
// timeouts.
func (c *Conn) Abort() {
	c.router.Abort().Set()
}

// SendUserMessage writes one user input envelope to the stream.
func (c *Conn) SendUserMessage(ctx context.Context, text string) error {
	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"session_id": c.sessionID,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}

	if err := c.transport.Write(ctx, data); err != nil {
		return fmt.Errorf("send user message: %w", err)
	}

	return nil
}

// CloseInput signals that no more input is coming, letting the
// subprocess finish and exit on its own.
func (c *Conn) CloseInput() error {
	return c.transport.CloseInput()
}

// Events returns the ordinary-event stream as typed events. Attaching
// invalidates any previous reader (its iteration ends with
// ErrReaderSuperseded). Events buffered before attachment are
// delivered first, in arrival order; the iterator then follows the
// live stream until it ends.
//
// A clean end of stream simply ends the iteration. A stream failure
// (decode, overflow, process exit, connection error) is yielded as the
// final element's error.
func (c *Conn) Events(ctx context.Context) iter.Seq2[Event, error] {
	token := c.router.Subscribe()

	return func(yield func(Event, error) bool) {
		for {
			raw, err := c.router.Next(ctx, token)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}

				yield(nil, err)

				return
			}

			if !yield(message.Parse(raw), nil) {
				return
			}
		}
	}
}

// RawEvents is Events without the typed parsing layer.
func (c *Conn) RawEvents(ctx context.Context) iter.Seq2[map[string]any, error] {
	token := c.router.Subscribe()

	return func(yield func(map[string]any, error) bool) {
		for {
			raw, err := c.router.Next(ctx, token)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}

				yield(nil, err)

				return
			}

			if !yield(raw, nil) {
				return
			}
		}
	}
}

// Close stops the read loop, fails all pending correlated requests
// with a connection-closed error, and releases the transport. Safe to
// call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.router.Abort().Set()
		// Closing the transport first unblocks the read loop; the
		// router's Close waits for it to exit.
		c.closeErr = c.transport.Close()
		c.router.Close()
	})

	return c.closeErr
}
