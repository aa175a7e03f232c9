package capability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentpipe/agentpipe/internal/perr"
	"github.com/agentpipe/agentpipe/internal/router"
	"github.com/agentpipe/agentpipe/internal/wire"
)

// DefaultHookTimeout bounds a single hook callback when the
// registration does not set its own timeout.
const DefaultHookTimeout = 30 * time.Second

// HookEvent names a lifecycle event hooks can attach to.
type HookEvent string

const (
	HookPreToolUse       HookEvent = "PreToolUse"
	HookPostToolUse      HookEvent = "PostToolUse"
	HookUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookStop             HookEvent = "Stop"
	HookSubagentStop     HookEvent = "SubagentStop"
	HookPreCompact       HookEvent = "PreCompact"
)

// HookInput carries the contextual fields of one hook invocation.
type HookInput struct {
	Event      HookEvent
	SessionID  string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput any
	Prompt     string
	StopReason string

	// Raw preserves the full inbound input for fields the typed view
	// does not cover.
	Raw map[string]any
}

// HookResult is what a callback returns. A nil result means continue.
type HookResult struct {
	// Continue, when explicitly false, stops dispatch and tells the
	// remote side not to proceed.
	Continue *bool

	// Decision set to "block" denies the triggering action.
	Decision string

	// Reason explains a block decision.
	Reason string

	// StopReason is surfaced when Continue is false.
	StopReason string

	// SystemMessage is shown to the user without affecting control
	// flow.
	SystemMessage string

	// AdditionalContext is injected into the conversation.
	AdditionalContext string
}

// blocks reports whether the result short-circuits dispatch.
func (r *HookResult) blocks() bool {
	if r == nil {
		return false
	}

	if r.Decision == "block" {
		return true
	}

	return r.Continue != nil && !*r.Continue
}

// HookFunc is a single hook callback.
type HookFunc func(ctx context.Context, input *HookInput) (*HookResult, error)

// HookRegistration binds callbacks to an event kind. Supplied at
// construction time and immutable thereafter.
type HookRegistration struct {
	// Event is the lifecycle event this registration fires on.
	Event HookEvent

	// Matcher is a tool-name pattern: empty matches everything,
	// otherwise pipe-separated alternatives matched by equality or
	// substring. Not a regex.
	Matcher string

	// Callbacks run in order until one blocks.
	Callbacks []HookFunc

	// Timeout bounds each callback individually. Zero means
	// DefaultHookTimeout.
	Timeout time.Duration
}

func (reg *HookRegistration) timeout() time.Duration {
	if reg.Timeout > 0 {
		return reg.Timeout
	}

	return DefaultHookTimeout
}

// matches applies the registration's matcher to a tool name.
func (reg *HookRegistration) matches(toolName string) bool {
	if reg.Matcher == "" {
		return true
	}

	for _, alt := range strings.Split(reg.Matcher, "|") {
		if alt == "" {
			continue
		}

		if alt == toolName || strings.Contains(toolName, alt) {
			return true
		}
	}

	return false
}

// HookDispatcher answers hook_callback control requests by running the
// registrations for the event in order.
type HookDispatcher struct {
	log   *slog.Logger
	regs  map[HookEvent][]HookRegistration
	abort *router.Abort
}

// NewHookDispatcher indexes registrations by event kind.
func NewHookDispatcher(log *slog.Logger, regs []HookRegistration, abort *router.Abort) *HookDispatcher {
	index := make(map[HookEvent][]HookRegistration, len(regs))
	for _, reg := range regs {
		index[reg.Event] = append(index[reg.Event], reg)
	}

	return &HookDispatcher{
		log:   log.With("component", "hooks"),
		regs:  index,
		abort: abort,
	}
}

// Handle implements router.Handler for the hook_callback subtype.
//
// Matched registrations run their callbacks in registration order,
// each racing its configured timeout. The first result carrying a
// block decision or an explicit do-not-continue flag is returned
// immediately; remaining callbacks are skipped. If nothing matches or
// blocks, the outcome is "continue".
func (d *HookDispatcher) Handle(ctx context.Context, req *wire.ControlRequest) (map[string]any, error) {
	inputData, _ := req.Request["input"].(map[string]any)
	if inputData == nil {
		return nil, fmt.Errorf("hook_callback request missing input")
	}

	input := parseHookInput(inputData)

	for _, reg := range d.regs[input.Event] {
		if !reg.matches(input.ToolName) {
			continue
		}

		for _, callback := range reg.Callbacks {
			result, err := d.invoke(ctx, callback, input, reg.timeout())
			if err != nil {
				return nil, err
			}

			if d.abort.IsSet() {
				return nil, perr.ErrAborted
			}

			if result.blocks() {
				d.log.Debug("Hook blocked", "event", input.Event, "tool", input.ToolName)

				return hookResultToMap(result), nil
			}
		}
	}

	return map[string]any{"continue": true}, nil
}

// invoke races one callback against its timeout. Whichever finishes
// first wins; a timed-out callback's eventual result is discarded.
func (d *HookDispatcher) invoke(
	ctx context.Context,
	callback HookFunc,
	input *HookInput,
	timeout time.Duration,
) (*HookResult, error) {
	type outcome struct {
		result *HookResult
		err    error
	}

	cbCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)

	go func() {
		result, err := callback(cbCtx, input)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("hook callback: %w", out.err)
		}

		return out.result, nil

	case <-timer.C:
		return nil, &perr.TimeoutError{Op: "hook_callback", Timeout: timeout}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parseHookInput maps the wire fields onto the typed view.
func parseHookInput(data map[string]any) *HookInput {
	event, _ := data["hook_event_name"].(string)
	sessionID, _ := data["session_id"].(string)
	toolName, _ := data["tool_name"].(string)
	toolInput, _ := data["tool_input"].(map[string]any)
	prompt, _ := data["prompt"].(string)
	stopReason, _ := data["stop_reason"].(string)

	return &HookInput{
		Event:      HookEvent(event),
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolInput:  toolInput,
		ToolOutput: data["tool_response"],
		Prompt:     prompt,
		StopReason: stopReason,
		Raw:        data,
	}
}

// hookResultToMap shapes a result for the control response.
func hookResultToMap(result *HookResult) map[string]any {
	out := make(map[string]any, 6)

	if result.Continue != nil {
		out["continue"] = *result.Continue
	} else {
		out["continue"] = true
	}

	if result.Decision != "" {
		out["decision"] = result.Decision
	}

	if result.Reason != "" {
		out["reason"] = result.Reason
	}

	if result.StopReason != "" {
		out["stopReason"] = result.StopReason
	}

	if result.SystemMessage != "" {
		out["systemMessage"] = result.SystemMessage
	}

	if result.AdditionalContext != "" {
		out["additionalContext"] = result.AdditionalContext
	}

	return out
}
