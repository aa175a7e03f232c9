package agentpipe

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memTransport is an in-memory Transport: the test feeds inbound frames
// through a pipe and observes outbound frames on a channel.
type memTransport struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	writes chan map[string]any

	mu          sync.Mutex
	inputClosed bool
	exitErr     error

	closeOnce sync.Once
}

func newMemTransport() *memTransport {
	pr, pw := io.Pipe()

	return &memTransport{
		pr:     pr,
		pw:     pw,
		writes: make(chan map[string]any, 64),
	}
}

func (t *memTransport) Start(context.Context) error { return nil }

func (t *memTransport) Reader() io.Reader { return t.pr }

func (t *memTransport) Write(_ context.Context, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	t.writes <- frame

	return nil
}

func (t *memTransport) CloseInput() error {
	t.mu.Lock()
	t.inputClosed = true
	t.mu.Unlock()

	return nil
}

func (t *memTransport) ExitStatus() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.exitErr
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { _ = t.pw.Close() })

	return nil
}

// feed writes one inbound frame to the stream the connection reads.
// Writes to an already-ended stream are dropped.
func (t *memTransport) feed(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}

	_, _ = t.pw.Write(append(data, '\n'))
}

func (t *memTransport) endStream() { _ = t.pw.Close() }

func (t *memTransport) nextWrite(tb testing.TB) map[string]any {
	tb.Helper()

	select {
	case frame := <-t.writes:
		return frame
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for outbound frame")

		return nil
	}
}

// answerControlRequests answers every outbound control request with a
// success response, forwarding each observed frame to seen.
func (t *memTransport) answerControlRequests(seen chan<- map[string]any) {
	go func() {
		for frame := range t.writes {
			if seen != nil {
				seen <- frame
			}

			if frame["type"] != "control_request" {
				continue
			}

			requestID, _ := frame["request_id"].(string)
			t.feed(map[string]any{
				"type": "control_response",
				"response": map[string]any{
					"subtype":    "success",
					"request_id": requestID,
					"response":   map[string]any{},
				},
			})
		}
	}()
}

func TestConnectStreamsTypedEvents(t *testing.T) {
	tr := newMemTransport()

	conn, err := Connect(context.Background(), WithTransport(tr))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	tr.feed(map[string]any{"type": "system", "subtype": "init", "session_id": "s1"})
	tr.feed(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"model":   "opus",
			"content": []any{map[string]any{"type": "text", "text": "hi"}},
		},
	})
	tr.feed(map[string]any{"type": "result", "subtype": "success"})
	tr.endStream()

	var events []Event

	for event, eventErr := range conn.Events(context.Background()) {
		require.NoError(t, eventErr)
		events = append(events, event)
	}

	require.Len(t, events, 3)

	system, ok := events[0].(*SystemEvent)
	require.True(t, ok)
	require.Equal(t, "init", system.Subtype)

	assistant, ok := events[1].(*AssistantEvent)
	require.True(t, ok)
	require.Equal(t, "opus", assistant.Model)

	result, ok := events[2].(*ResultEvent)
	require.True(t, ok)
	require.Equal(t, "success", result.Subtype)
}

func TestConnectWithoutCapabilitiesSkipsHandshake(t *testing.T) {
	tr := newMemTransport()

	conn, err := Connect(context.Background(), WithTransport(tr))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	select {
	case frame := <-tr.writes:
		t.Fatalf("unexpected outbound frame: %v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectPerformsInitializeHandshake(t *testing.T) {
	tr := newMemTransport()
	seen := make(chan map[string]any, 8)
	tr.answerControlRequests(seen)

	hook := func(context.Context, *HookInput) (*HookResult, error) {
		return nil, nil
	}

	conn, err := Connect(context.Background(),
		WithTransport(tr),
		WithHooks(HookRegistration{
			Event:     HookPreToolUse,
			Matcher:   "Bash",
			Callbacks: []HookFunc{hook},
			Timeout:   10 * time.Second,
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	frame := <-seen
	require.Equal(t, "control_request", frame["type"])

	request, _ := frame["request"].(map[string]any)
	require.Equal(t, "initialize", request["subtype"])

	hooks, _ := request["hooks"].(map[string]any)
	entries, _ := hooks["PreToolUse"].([]any)
	require.Len(t, entries, 1)

	entry, _ := entries[0].(map[string]any)
	require.Equal(t, "Bash", entry["matcher"])
	require.Equal(t, float64(10), entry["timeout"])
}

func TestRemotePermissionRoundTrip(t *testing.T) {
	tr := newMemTransport()

	fn := func(_ context.Context, toolName string, _ map[string]any, _ *PermissionCall) (PermissionDecision, error) {
		if toolName == "Bash" {
			return &Deny{Message: "shell disabled"}, nil
		}

		return &Allow{}, nil
	}

	// Answer the initialize handshake, then stop intercepting.
	go func() {
		frame := <-tr.writes
		requestID, _ := frame["request_id"].(string)
		tr.feed(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": requestID,
				"response":   map[string]any{},
			},
		})
	}()

	conn, err := Connect(context.Background(), WithTransport(tr), WithPermissionFunc(fn))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	tr.feed(map[string]any{
		"type":       "control_request",
		"request_id": "remote_1",
		"request": map[string]any{
			"subtype":   "can_use_tool",
			"tool_name": "Bash",
			"input":     map[string]any{"command": "rm -rf /"},
		},
	})

	frame := tr.nextWrite(t)
	require.Equal(t, "control_response", frame["type"])

	response, _ := frame["response"].(map[string]any)
	require.Equal(t, "success", response["subtype"])
	require.Equal(t, "remote_1", response["request_id"])

	payload, _ := response["response"].(map[string]any)
	require.Equal(t, "deny", payload["behavior"])
	require.Equal(t, "shell disabled", payload["message"])
}

func TestRemoteToolCallRoundTrip(t *testing.T) {
	tr := newMemTransport()

	server := NewToolServer("calc", "1.0.0",
		NewTool("add", "Adds numbers", SimpleSchema(map[string]string{"a": "number", "b": "number"}),
			func(_ context.Context, req *CallToolRequest) (*CallToolResult, error) {
				args, err := ParseArguments(req)
				if err != nil {
					return nil, err
				}

				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)

				return TextResult(formatNumber(a + b)), nil
			},
		),
	)

	go func() {
		frame := <-tr.writes
		requestID, _ := frame["request_id"].(string)
		tr.feed(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "success",
				"request_id": requestID,
				"response":   map[string]any{},
			},
		})
	}()

	conn, err := Connect(context.Background(), WithTransport(tr), WithToolServer("calc", server))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	tr.feed(map[string]any{
		"type":       "control_request",
		"request_id": "remote_2",
		"request": map[string]any{
			"subtype":     "mcp_message",
			"server_name": "calc",
			"message": map[string]any{
				"jsonrpc": "2.0",
				"id":      float64(1),
				"method":  "tools/call",
				"params": map[string]any{
					"name":      "add",
					"arguments": map[string]any{"a": float64(2), "b": float64(3)},
				},
			},
		},
	})

	frame := tr.nextWrite(t)
	response, _ := frame["response"].(map[string]any)
	require.Equal(t, "success", response["subtype"])

	payload, _ := response["response"].(map[string]any)
	reply, _ := payload["mcp_response"].(map[string]any)
	result, _ := reply["result"].(map[string]any)

	content, _ := result["content"].([]any)
	require.Len(t, content, 1)

	text, _ := content[0].(map[string]any)
	require.Equal(t, "5", text["text"])
}

func TestSendUserMessageEnvelope(t *testing.T) {
	tr := newMemTransport()

	conn, err := Connect(context.Background(), WithTransport(tr), WithSessionID("sess_fixed"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	require.Equal(t, "sess_fixed", conn.SessionID())
	require.NoError(t, conn.SendUserMessage(context.Background(), "hello there"))

	frame := tr.nextWrite(t)
	require.Equal(t, "user", frame["type"])
	require.Equal(t, "sess_fixed", frame["session_id"])

	inner, _ := frame["message"].(map[string]any)
	require.Equal(t, "user", inner["role"])
	require.Equal(t, "hello there", inner["content"])
}

func TestInterruptSendsControlRequest(t *testing.T) {
	tr := newMemTransport()

	conn, err := Connect(context.Background(), WithTransport(tr))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	done := make(chan error, 1)

	go func() { done <- conn.Interrupt(context.Background()) }()

	frame := tr.nextWrite(t)
	request, _ := frame["request"].(map[string]any)
	require.Equal(t, "interrupt", request["subtype"])

	requestID, _ := frame["request_id"].(string)
	tr.feed(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
		},
	})

	require.NoError(t, <-done)
}

func TestEventsYieldProcessFailure(t *testing.T) {
	tr := newMemTransport()
	tr.exitErr = &ProcessError{ExitCode: 2, Stderr: "fatal: bad flag"}

	conn, err := Connect(context.Background(), WithTransport(tr))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	tr.feed(map[string]any{"type": "system", "subtype": "init"})
	tr.endStream()

	var finalErr error

	for _, eventErr := range conn.Events(context.Background()) {
		finalErr = eventErr
	}

	var procErr *ProcessError
	require.ErrorAs(t, finalErr, &procErr)
	require.Equal(t, 2, procErr.ExitCode)
}

func TestSecondEventsIteratorSupersedesFirst(t *testing.T) {
	tr := newMemTransport()

	conn, err := Connect(context.Background(), WithTransport(tr))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	firstDone := make(chan error, 1)

	go func() {
		var lastErr error
		for _, eventErr := range conn.Events(context.Background()) {
			lastErr = eventErr
		}
		firstDone <- lastErr
	}()

	// Give the first iterator time to attach before replacing it.
	time.Sleep(20 * time.Millisecond)

	second := conn.RawEvents(context.Background())

	require.ErrorIs(t, <-firstDone, ErrReaderSuperseded)

	tr.feed(map[string]any{"type": "result"})
	tr.endStream()

	var count int

	for raw, eventErr := range second {
		require.NoError(t, eventErr)
		require.Equal(t, "result", raw["type"])
		count++
	}

	require.Equal(t, 1, count)
}

func TestCloseFailsPendingRequestsAndIsIdempotent(t *testing.T) {
	tr := newMemTransport()

	conn, err := Connect(context.Background(), WithTransport(tr))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		_, err := conn.SendRequest(context.Background(), "interrupt", nil)
		done <- err
	}()

	tr.nextWrite(t)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	require.ErrorIs(t, <-done, ErrConnClosed)
}

func formatNumber(f float64) string {
	data, _ := json.Marshal(f)

	return string(data)
}
