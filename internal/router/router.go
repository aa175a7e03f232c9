// Package router multiplexes one framed byte stream into correlated
// control traffic and an ordered queue of ordinary events.
//
// One dedicated read loop pumps the framer and classifies each object
// exactly once: control responses resolve pending outgoing requests,
// inbound control requests are dispatched to registered handlers on
// their own goroutines (so the read loop never blocks on a handler),
// and everything else is buffered for the event consumer in arrival
// order.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentpipe/agentpipe/internal/framer"
	"github.com/agentpipe/agentpipe/internal/perr"
	"github.com/agentpipe/agentpipe/internal/wire"
)

var errReaderSuperseded = perr.ErrReaderSuperseded

// Writer is the outgoing half of the byte stream.
type Writer interface {
	Write(ctx context.Context, data []byte) error
}

// Handler answers an inbound control request. The returned payload is
// wrapped in a success response; a non-nil error becomes an error
// response. Handler failures never take down the read loop.
type Handler func(ctx context.Context, req *wire.ControlRequest) (map[string]any, error)

// inflightOp tracks an inbound request currently being handled, so a
// later cancel request (or Close) can cancel its context.
type inflightOp struct {
	cancel context.CancelFunc
	done   bool
}

// Router owns the read loop and all correlation state.
type Router struct {
	log *slog.Logger
	fr  *framer.Framer
	out Writer

	seq atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan *wire.ControlResponse

	inflightMu sync.Mutex
	inflight   map[string]*inflightOp

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	events *queue
	abort  *Abort

	errMu sync.RWMutex
	fatal error

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a router over a framer and an outgoing writer.
func New(log *slog.Logger, fr *framer.Framer, out Writer) *Router {
	return &Router{
		log:      log.With("component", "router"),
		fr:       fr,
		out:      out,
		pending:  make(map[string]chan *wire.ControlResponse, 8),
		inflight: make(map[string]*inflightOp, 8),
		handlers: make(map[string]Handler, 8),
		events:   newQueue(),
		abort:    NewAbort(),
		done:     make(chan struct{}),
	}
}

// RegisterHandler registers the handler for an inbound request subtype.
// Registering the same subtype twice replaces the earlier handler.
func (r *Router) RegisterHandler(subtype string, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()

	r.handlers[subtype] = h
}

// Abort returns the connection-wide abort flag.
func (r *Router) Abort() *Abort {
	return r.abort
}

// Start launches the read loop. It must be called exactly once, before
// Send or any event reads.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)

	go r.readLoop(ctx)
}

// Close stops the read loop, cancels in-flight handler invocations,
// and fails all still-pending correlated requests with a
// connection-closed error. Safe to call multiple times.
//
// Close waits for the read loop to exit. A loop blocked on the
// underlying byte source only unblocks when that source closes, so
// tear down the transport before calling Close.
func (r *Router) Close() {
	r.closeDone()
	r.cancelInflight()
	r.events.close()
	r.wg.Wait()
}

// Done returns a channel closed when the router stops.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// FatalError returns the terminal stream error, if any.
func (r *Router) FatalError() error {
	r.errMu.RLock()
	defer r.errMu.RUnlock()

	return r.fatal
}

// Subscribe attaches the caller as the sole live event reader,
// invalidating any previous reader, and returns its token.
func (r *Router) Subscribe() int {
	return r.events.subscribe()
}

// Next returns the oldest buffered ordinary event for the given reader
// token, blocking until one is available. Buffered events are always
// delivered before live ones. It returns io.EOF on clean end of
// stream, the fatal stream error when the stream failed, and
// perr.ErrReaderSuperseded when a newer reader attached.
func (r *Router) Next(ctx context.Context, token int) (map[string]any, error) {
	msg, err := r.events.pop(ctx, token)
	if err == nil {
		return msg, nil
	}

	if errors.Is(err, errQueueClosed) {
		if fatal := r.FatalError(); fatal != nil {
			return nil, fatal
		}

		return nil, io.EOF
	}

	return nil, err
}

func (r *Router) closeDone() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

func (r *Router) setFatal(err error) {
	r.errMu.Lock()

	if r.fatal == nil {
		r.fatal = err
	}

	r.errMu.Unlock()
	r.closeDone()
}

// readLoop pumps the framer until the sequence terminates, then tears
// down: the terminal error (if any) is recorded, pending requests are
// released via done, and the event queue is closed so the consumer
// drains the backlog and observes the end.
func (r *Router) readLoop(ctx context.Context) {
	defer r.wg.Done()
	defer r.events.close()
	defer r.closeDone()

	for r.fr.Scan() {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			r.setFatal(ctx.Err())

			return
		default:
		}

		r.route(ctx, r.fr.Message())
	}

	if err := r.fr.Err(); err != nil {
		r.log.Debug("Stream terminated with error", "error", err)
		r.setFatal(err)

		return
	}

	r.log.Debug("Stream reached end of input")
}

// route decides the disposition of one framed object and acts on it
// exactly once.
func (r *Router) route(ctx context.Context, msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case wire.TypeControlResponse:
		r.resolveResponse(msg)

	case wire.TypeControlRequest:
		r.dispatchRequest(ctx, msg)

	case wire.TypeControlCancel:
		r.cancelRequest(ctx, msg)

	default:
		r.events.push(msg)
	}
}

// resolveResponse delivers a control response to the pending request
// with the matching id. A response with no pending request (late
// arrival after timeout, or never issued) is a no-op.
func (r *Router) resolveResponse(msg map[string]any) {
	responseData, ok := msg["response"].(map[string]any)
	if !ok {
		r.log.Warn("Control response missing response field")

		return
	}

	resp := &wire.ControlResponse{Type: wire.TypeControlResponse, Response: responseData}

	requestID := resp.RequestID()
	if requestID == "" {
		r.log.Warn("Control response missing request_id")

		return
	}

	r.pendingMu.Lock()

	ch, exists := r.pending[requestID]
	if exists {
		delete(r.pending, requestID)
	}

	r.pendingMu.Unlock()

	if !exists {
		r.log.Debug("Dropping response with no pending request", "request_id", requestID)

		return
	}

	// The channel is buffered and we claimed sole ownership above.
	ch <- resp
}

// dispatchRequest invokes the registered handler for an inbound
// control request on its own goroutine and writes the result back.
func (r *Router) dispatchRequest(ctx context.Context, msg map[string]any) {
	requestID, ok := msg["request_id"].(string)
	if !ok {
		r.log.Warn("Control request missing request_id")

		return
	}

	requestData, ok := msg["request"].(map[string]any)
	if !ok {
		r.writeResponse(ctx, wire.NewErrorResponse(requestID, "malformed control request"))

		return
	}

	req := &wire.ControlRequest{
		Type:      wire.TypeControlRequest,
		RequestID: requestID,
		Request:   requestData,
	}

	subtype := req.Subtype()

	r.handlersMu.RLock()
	handler, exists := r.handlers[subtype]
	r.handlersMu.RUnlock()

	if !exists {
		r.log.Warn("No handler for control request", "subtype", subtype)
		r.writeResponse(ctx, wire.NewErrorResponse(requestID, "no handler registered for "+subtype))

		return
	}

	opCtx, cancel := context.WithCancel(ctx)
	op := &inflightOp{cancel: cancel}

	r.inflightMu.Lock()
	r.inflight[requestID] = op
	r.inflightMu.Unlock()

	r.wg.Go(func() {
		defer func() {
			r.inflightMu.Lock()
			op.done = true
			delete(r.inflight, requestID)
			r.inflightMu.Unlock()

			cancel()
		}()

		payload, err := handler(opCtx, req)

		if opCtx.Err() != nil {
			r.writeResponse(ctx, wire.NewErrorResponse(requestID, "operation cancelled"))

			return
		}

		if err != nil {
			r.log.Warn("Handler failed", "subtype", subtype, "error", err)
			r.writeResponse(ctx, wire.NewErrorResponse(requestID, err.Error()))

			return
		}

		r.writeResponse(ctx, wire.NewSuccessResponse(requestID, payload))
	})
}

// cancelRequest cancels the in-flight operation named by a
// control_cancel_request, acknowledging either way.
func (r *Router) cancelRequest(ctx context.Context, msg map[string]any) {
	requestID, ok := msg["request_id"].(string)
	if !ok {
		return
	}

	r.inflightMu.Lock()

	op, exists := r.inflight[requestID]
	found := exists && !op.done

	if found {
		op.cancel()
	}

	r.inflightMu.Unlock()

	ack := &wire.ControlResponse{
		Type: wire.TypeControlResponse,
		Response: map[string]any{
			"subtype":    "cancel_acknowledgment",
			"request_id": requestID,
			"found":      found,
		},
	}

	r.writeResponse(ctx, ack)
}

func (r *Router) cancelInflight() {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()

	for _, op := range r.inflight {
		if !op.done {
			op.cancel()
		}
	}
}

func (r *Router) writeResponse(ctx context.Context, resp *wire.ControlResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.log.Error("Failed to marshal control response", "error", err)

		return
	}

	if err := r.out.Write(ctx, data); err != nil {
		if ctx.Err() != nil {
			return
		}

		r.log.Error("Failed to write control response", "error", err)
	}
}

// nextRequestID issues a connection-unique id: a monotonic counter for
// readability plus a ULID so ids never collide across restarts.
func (r *Router) nextRequestID() string {
	return fmt.Sprintf("req_%d_%s", r.seq.Add(1), newULID())
}

// Send issues an outgoing control request and blocks until the
// matching response arrives, the timeout expires, the connection
// closes, or ctx is done. The waiting caller receives exactly one
// outcome.
func (r *Router) Send(
	ctx context.Context,
	subtype string,
	payload map[string]any,
	timeout time.Duration,
) (map[string]any, error) {
	requestID := r.nextRequestID()
	respCh := make(chan *wire.ControlResponse, 1)

	r.pendingMu.Lock()
	r.pending[requestID] = respCh
	r.pendingMu.Unlock()

	r.log.Debug("Sending control request", "request_id", requestID, "subtype", subtype)

	data, err := json.Marshal(wire.NewRequest(requestID, subtype, payload))
	if err != nil {
		r.removePending(requestID)

		return nil, fmt.Errorf("marshal control request: %w", err)
	}

	if err := r.out.Write(ctx, data); err != nil {
		r.removePending(requestID)

		return nil, &perr.WriteError{Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.IsError() {
			return nil, &perr.ProtocolError{Subtype: subtype, Message: resp.ErrorMessage()}
		}

		return resp.Payload(), nil

	case <-timer.C:
		// Remove the id so a late response is ignored, not mis-delivered.
		r.removePending(requestID)

		return nil, &perr.TimeoutError{Op: subtype, Timeout: timeout}

	case <-r.done:
		r.removePending(requestID)

		if fatal := r.FatalError(); fatal != nil {
			return nil, fatal
		}

		return nil, perr.ErrConnClosed

	case <-ctx.Done():
		r.removePending(requestID)

		return nil, ctx.Err()
	}
}

func (r *Router) removePending(requestID string) {
	r.pendingMu.Lock()
	delete(r.pending, requestID)
	r.pendingMu.Unlock()
}
