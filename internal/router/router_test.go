package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentpipe/agentpipe/internal/framer"
	"github.com/agentpipe/agentpipe/internal/perr"
	"github.com/agentpipe/agentpipe/internal/wire"
)

// frameRecorder captures everything the router writes out, parsed back
// into maps, and signals each frame on a channel.
type frameRecorder struct {
	mu     sync.Mutex
	frames []map[string]any
	notify chan map[string]any
	fail   error
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{notify: make(chan map[string]any, 64)}
}

func (w *frameRecorder) Write(_ context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fail != nil {
		return w.fail
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	w.frames = append(w.frames, frame)
	w.notify <- frame

	return nil
}

func (w *frameRecorder) nextFrame(t *testing.T) map[string]any {
	t.Helper()

	select {
	case frame := <-w.notify:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for written frame")

		return nil
	}
}

type harness struct {
	rt   *Router
	out  *frameRecorder
	feed io.WriteCloser
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pr, pw := io.Pipe()
	out := newFrameRecorder()

	fr := framer.New(log, pr, framer.Config{})
	rt := New(log, fr, out)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	t.Cleanup(func() {
		_ = pw.Close()
		rt.Close()
		cancel()
	})

	return &harness{rt: rt, out: out, feed: pw}
}

// push writes one framed message into the router's byte source.
func (h *harness) push(t *testing.T, msg map[string]any) {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	_, err = h.feed.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (h *harness) pushResponse(t *testing.T, requestID string, payload map[string]any) {
	t.Helper()

	h.push(t, map[string]any{
		"type": wire.TypeControlResponse,
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		},
	})
}

func TestSendResolvesMatchingResponse(t *testing.T) {
	h := newHarness(t)

	type result struct {
		payload map[string]any
		err     error
	}

	done := make(chan result, 1)

	go func() {
		payload, err := h.rt.Send(context.Background(), "initialize", nil, 5*time.Second)
		done <- result{payload, err}
	}()

	frame := h.out.nextFrame(t)
	require.Equal(t, wire.TypeControlRequest, frame["type"])

	requestID, _ := frame["request_id"].(string)
	require.NotEmpty(t, requestID)

	request, _ := frame["request"].(map[string]any)
	require.Equal(t, "initialize", request["subtype"])

	h.pushResponse(t, requestID, map[string]any{"ready": true})

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, true, res.payload["ready"])
}

func TestConcurrentSendsResolveByID(t *testing.T) {
	// N concurrent requests must each resolve with their own response,
	// even when responses arrive in reverse order.
	h := newHarness(t)

	const n = 8

	results := make([]map[string]any, n)
	errs := make([]error, n)

	var wg sync.WaitGroup

	for i := range n {
		wg.Go(func() {
			results[i], errs[i] = h.rt.Send(
				context.Background(),
				fmt.Sprintf("op_%d", i),
				nil,
				5*time.Second,
			)
		})
	}

	// Collect the outgoing frames, then answer newest-first.
	frames := make([]map[string]any, n)
	for i := range n {
		frames[i] = h.out.nextFrame(t)
	}

	for i := n - 1; i >= 0; i-- {
		requestID, _ := frames[i]["request_id"].(string)
		request, _ := frames[i]["request"].(map[string]any)
		subtype, _ := request["subtype"].(string)

		h.pushResponse(t, requestID, map[string]any{"echo": subtype})
	}

	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("op_%d", i), results[i]["echo"])
	}
}

func TestSendTimeoutAndLateResponseIsNoOp(t *testing.T) {
	h := newHarness(t)

	_, err := h.rt.Send(context.Background(), "slow_op", nil, 30*time.Millisecond)

	var timeoutErr *perr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "slow_op", timeoutErr.Op)

	// A late response for the timed-out id must be ignored, and the
	// connection must stay usable for new requests.
	frame := h.out.nextFrame(t)
	staleID, _ := frame["request_id"].(string)
	h.pushResponse(t, staleID, map[string]any{"stale": true})

	done := make(chan error, 1)

	go func() {
		_, err := h.rt.Send(context.Background(), "next_op", nil, 5*time.Second)
		done <- err
	}()

	nextFrame := h.out.nextFrame(t)
	nextID, _ := nextFrame["request_id"].(string)
	require.NotEqual(t, staleID, nextID)

	h.pushResponse(t, nextID, nil)
	require.NoError(t, <-done)
}

func TestSendErrorResponseBecomesProtocolError(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 1)

	go func() {
		_, err := h.rt.Send(context.Background(), "bad_op", nil, 5*time.Second)
		done <- err
	}()

	frame := h.out.nextFrame(t)
	requestID, _ := frame["request_id"].(string)

	h.push(t, map[string]any{
		"type": wire.TypeControlResponse,
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      "nope",
		},
	})

	err := <-done

	var protoErr *perr.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, "nope", protoErr.Message)
}

func TestRequestIDsAreUnique(t *testing.T) {
	h := newHarness(t)

	seen := make(map[string]bool)
	for range 100 {
		id := h.rt.nextRequestID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestBufferedEventsDeliveredFIFOBeforeLive(t *testing.T) {
	h := newHarness(t)

	// Events arriving before a reader attaches are buffered.
	for i := range 3 {
		h.push(t, map[string]any{"type": "event", "seq": float64(i)})
	}

	token := h.rt.Subscribe()
	ctx := context.Background()

	for i := range 3 {
		msg, err := h.rt.Next(ctx, token)
		require.NoError(t, err)
		require.Equal(t, float64(i), msg["seq"])
	}

	// Live events follow, in order.
	h.push(t, map[string]any{"type": "event", "seq": float64(3)})

	msg, err := h.rt.Next(ctx, token)
	require.NoError(t, err)
	require.Equal(t, float64(3), msg["seq"])
}

func TestEventsBufferedWhileSendPendingDeliveredFIFO(t *testing.T) {
	// Ordinary events arriving while a correlated request is still
	// awaiting its response are queued in arrival order, not dropped,
	// and precede anything pushed after the reader attaches.
	h := newHarness(t)

	done := make(chan error, 1)

	go func() {
		_, err := h.rt.Send(context.Background(), "slow_op", nil, 5*time.Second)
		done <- err
	}()

	frame := h.out.nextFrame(t)
	requestID, _ := frame["request_id"].(string)

	for i := range 3 {
		h.push(t, map[string]any{"type": "event", "seq": float64(i)})
	}

	token := h.rt.Subscribe()
	ctx := context.Background()

	for i := range 3 {
		msg, err := h.rt.Next(ctx, token)
		require.NoError(t, err)
		require.Equal(t, float64(i), msg["seq"])
	}

	h.pushResponse(t, requestID, nil)
	require.NoError(t, <-done)

	h.push(t, map[string]any{"type": "event", "seq": float64(3)})

	msg, err := h.rt.Next(ctx, token)
	require.NoError(t, err)
	require.Equal(t, float64(3), msg["seq"])
}

func TestSecondReaderSupersedesFirst(t *testing.T) {
	h := newHarness(t)

	first := h.rt.Subscribe()
	second := h.rt.Subscribe()

	_, err := h.rt.Next(context.Background(), first)
	require.ErrorIs(t, err, perr.ErrReaderSuperseded)

	h.push(t, map[string]any{"type": "event", "n": float64(1)})

	msg, err := h.rt.Next(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, float64(1), msg["n"])
}

func TestNextRespectsContextCancellation(t *testing.T) {
	h := newHarness(t)
	token := h.rt.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.rt.Next(ctx, token)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInboundRequestDispatchedToHandler(t *testing.T) {
	h := newHarness(t)

	h.rt.RegisterHandler("ping", func(_ context.Context, req *wire.ControlRequest) (map[string]any, error) {
		return map[string]any{"pong": req.Request["value"]}, nil
	})

	h.push(t, map[string]any{
		"type":       wire.TypeControlRequest,
		"request_id": "remote_1",
		"request":    map[string]any{"subtype": "ping", "value": "hi"},
	})

	frame := h.out.nextFrame(t)
	require.Equal(t, wire.TypeControlResponse, frame["type"])

	response, _ := frame["response"].(map[string]any)
	require.Equal(t, "success", response["subtype"])
	require.Equal(t, "remote_1", response["request_id"])

	payload, _ := response["response"].(map[string]any)
	require.Equal(t, "hi", payload["pong"])
}

func TestInboundRequestWithoutHandlerGetsErrorResponse(t *testing.T) {
	h := newHarness(t)

	h.push(t, map[string]any{
		"type":       wire.TypeControlRequest,
		"request_id": "remote_2",
		"request":    map[string]any{"subtype": "mystery"},
	})

	frame := h.out.nextFrame(t)
	response, _ := frame["response"].(map[string]any)
	require.Equal(t, "error", response["subtype"])
	require.Equal(t, "remote_2", response["request_id"])
}

func TestHandlerFailureBecomesErrorResponseNotCrash(t *testing.T) {
	h := newHarness(t)

	h.rt.RegisterHandler("explode", func(context.Context, *wire.ControlRequest) (map[string]any, error) {
		return nil, errors.New("handler blew up")
	})

	h.push(t, map[string]any{
		"type":       wire.TypeControlRequest,
		"request_id": "remote_3",
		"request":    map[string]any{"subtype": "explode"},
	})

	frame := h.out.nextFrame(t)
	response, _ := frame["response"].(map[string]any)
	require.Equal(t, "error", response["subtype"])
	require.Equal(t, "handler blew up", response["error"])

	// The read loop survives: ordinary events still flow.
	token := h.rt.Subscribe()
	h.push(t, map[string]any{"type": "event"})

	_, err := h.rt.Next(context.Background(), token)
	require.NoError(t, err)
}

func TestInboundRequestServicedWhileOutgoingPending(t *testing.T) {
	// Bidirectional reentrancy: an inbound request must be answered
	// while an outgoing request is still awaiting its response.
	h := newHarness(t)

	h.rt.RegisterHandler("ping", func(context.Context, *wire.ControlRequest) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})

	done := make(chan error, 1)

	go func() {
		_, err := h.rt.Send(context.Background(), "outer", nil, 5*time.Second)
		done <- err
	}()

	outgoing := h.out.nextFrame(t)
	outgoingID, _ := outgoing["request_id"].(string)

	// Inbound request arrives while "outer" is pending.
	h.push(t, map[string]any{
		"type":       wire.TypeControlRequest,
		"request_id": "remote_4",
		"request":    map[string]any{"subtype": "ping"},
	})

	inboundReply := h.out.nextFrame(t)
	response, _ := inboundReply["response"].(map[string]any)
	require.Equal(t, "remote_4", response["request_id"])
	require.Equal(t, "success", response["subtype"])

	// Only now does the outgoing response arrive.
	h.pushResponse(t, outgoingID, nil)
	require.NoError(t, <-done)
}

func TestCancelRequestStopsInflightHandler(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})

	h.rt.RegisterHandler("long_op", func(ctx context.Context, _ *wire.ControlRequest) (map[string]any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})

	h.push(t, map[string]any{
		"type":       wire.TypeControlRequest,
		"request_id": "remote_5",
		"request":    map[string]any{"subtype": "long_op"},
	})

	<-started

	h.push(t, map[string]any{
		"type":       wire.TypeControlCancel,
		"request_id": "remote_5",
	})

	// Two frames follow in some order: the cancel acknowledgment and
	// the cancelled operation's error response.
	var sawAck, sawCancelled bool

	for range 2 {
		frame := h.out.nextFrame(t)
		response, _ := frame["response"].(map[string]any)

		switch response["subtype"] {
		case "cancel_acknowledgment":
			require.Equal(t, "remote_5", response["request_id"])
			require.Equal(t, true, response["found"])

			sawAck = true
		case "error":
			require.Equal(t, "remote_5", response["request_id"])
			require.Equal(t, "operation cancelled", response["error"])

			sawCancelled = true
		}
	}

	require.True(t, sawAck)
	require.True(t, sawCancelled)
}

func TestCancelUnknownRequestAcknowledgedNotFound(t *testing.T) {
	h := newHarness(t)

	h.push(t, map[string]any{
		"type":       wire.TypeControlCancel,
		"request_id": "never_issued",
	})

	frame := h.out.nextFrame(t)
	response, _ := frame["response"].(map[string]any)
	require.Equal(t, "cancel_acknowledgment", response["subtype"])
	require.Equal(t, false, response["found"])
}

func TestCloseFailsPendingRequests(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 1)

	go func() {
		_, err := h.rt.Send(context.Background(), "doomed", nil, 5*time.Second)
		done <- err
	}()

	h.out.nextFrame(t)

	_ = h.feed.Close()
	h.rt.Close()
	h.rt.Close() // idempotent

	require.ErrorIs(t, <-done, perr.ErrConnClosed)
}

func TestStreamEndClosesEventReader(t *testing.T) {
	h := newHarness(t)
	token := h.rt.Subscribe()

	h.push(t, map[string]any{"type": "event"})
	require.NoError(t, h.feed.Close())

	ctx := context.Background()

	_, err := h.rt.Next(ctx, token)
	require.NoError(t, err)

	_, err = h.rt.Next(ctx, token)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeFailureIsFatalForReaders(t *testing.T) {
	h := newHarness(t)
	token := h.rt.Subscribe()

	_, err := h.feed.Write([]byte("{definitely not json}\n"))
	require.NoError(t, err)

	_, err = h.rt.Next(context.Background(), token)

	var decodeErr *perr.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.ErrorAs(t, h.rt.FatalError(), &decodeErr)
}
