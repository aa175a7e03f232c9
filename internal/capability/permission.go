package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentpipe/agentpipe/internal/perr"
	"github.com/agentpipe/agentpipe/internal/router"
	"github.com/agentpipe/agentpipe/internal/wire"
)

// DefaultPermissionTimeout bounds a permission decision when no
// timeout is configured. A hung decision function must not pin the
// dispatch goroutine forever.
const DefaultPermissionTimeout = 60 * time.Second

// PermissionUpdateType classifies a permission-rule update emitted
// alongside an allow decision.
type PermissionUpdateType string

const (
	UpdateAddRules          PermissionUpdateType = "addRules"
	UpdateReplaceRules      PermissionUpdateType = "replaceRules"
	UpdateRemoveRules       PermissionUpdateType = "removeRules"
	UpdateSetMode           PermissionUpdateType = "setMode"
	UpdateAddDirectories    PermissionUpdateType = "addDirectories"
	UpdateRemoveDirectories PermissionUpdateType = "removeDirectories"
)

// PermissionRule names a tool plus optional rule content.
type PermissionRule struct {
	ToolName    string
	RuleContent string
}

// PermissionUpdate is a rule change forwarded to the remote side.
type PermissionUpdate struct {
	Type        PermissionUpdateType
	Rules       []PermissionRule
	Behavior    string
	Mode        string
	Directories []string
	Destination string
}

// toMap converts the update into its wire representation.
func (u *PermissionUpdate) toMap() map[string]any {
	result := map[string]any{"type": string(u.Type)}

	if len(u.Rules) > 0 {
		rules := make([]map[string]any, len(u.Rules))

		for i, rule := range u.Rules {
			entry := map[string]any{"toolName": rule.ToolName}
			if rule.RuleContent != "" {
				entry["ruleContent"] = rule.RuleContent
			}

			rules[i] = entry
		}

		result["rules"] = rules
	}

	if u.Behavior != "" {
		result["behavior"] = u.Behavior
	}

	if u.Mode != "" {
		result["mode"] = u.Mode
	}

	if len(u.Directories) > 0 {
		result["directories"] = u.Directories
	}

	if u.Destination != "" {
		result["destination"] = u.Destination
	}

	return result
}

// PermissionDecision is the outcome of a permission check: either
// *Allow or *Deny.
type PermissionDecision interface {
	Behavior() string
}

// Allow permits the tool call, optionally rewriting its input and
// emitting permission-rule updates.
type Allow struct {
	UpdatedInput       map[string]any
	UpdatedPermissions []*PermissionUpdate
}

// Behavior implements PermissionDecision.
func (*Allow) Behavior() string { return "allow" }

// Deny refuses the tool call. Interrupt additionally stops the whole
// session.
type Deny struct {
	Message   string
	Interrupt bool
}

// Behavior implements PermissionDecision.
func (*Deny) Behavior() string { return "deny" }

// PermissionCall carries per-call context into the decision function.
type PermissionCall struct {
	// Suggestions are rule updates proposed by the remote side.
	Suggestions []*PermissionUpdate

	// Aborted reports whether the connection-wide abort flag is set.
	Aborted func() bool
}

// PermissionFunc decides whether a tool may run.
type PermissionFunc func(
	ctx context.Context,
	toolName string,
	input map[string]any,
	call *PermissionCall,
) (PermissionDecision, error)

// PermissionGate answers can_use_tool control requests. With no
// decision function configured every call is allowed.
type PermissionGate struct {
	log     *slog.Logger
	fn      PermissionFunc
	timeout time.Duration
	abort   *router.Abort
}

// NewPermissionGate builds a gate around an optional decision function.
// Each decision races the given timeout; zero means
// DefaultPermissionTimeout.
func NewPermissionGate(log *slog.Logger, fn PermissionFunc, timeout time.Duration, abort *router.Abort) *PermissionGate {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}

	return &PermissionGate{
		log:     log.With("component", "permission"),
		fn:      fn,
		timeout: timeout,
		abort:   abort,
	}
}

// Handle implements router.Handler for the can_use_tool subtype.
func (g *PermissionGate) Handle(ctx context.Context, req *wire.ControlRequest) (map[string]any, error) {
	if g.fn == nil {
		return map[string]any{"behavior": "allow"}, nil
	}

	toolName, _ := req.Request["tool_name"].(string)
	input, _ := req.Request["input"].(map[string]any)

	call := &PermissionCall{Aborted: g.abort.IsSet}

	if raw, ok := req.Request["suggestions"].([]any); ok {
		call.Suggestions = parseSuggestions(raw)
	}

	decision, err := g.decide(ctx, toolName, input, call)
	if err != nil {
		return nil, err
	}

	if g.abort.IsSet() {
		return nil, perr.ErrAborted
	}

	switch d := decision.(type) {
	case *Allow:
		result := map[string]any{"behavior": "allow"}

		if d.UpdatedInput != nil {
			result["updatedInput"] = d.UpdatedInput
		}

		if len(d.UpdatedPermissions) > 0 {
			updates := make([]map[string]any, len(d.UpdatedPermissions))
			for i, u := range d.UpdatedPermissions {
				updates[i] = u.toMap()
			}

			result["updatedPermissions"] = updates
		}

		return result, nil

	case *Deny:
		result := map[string]any{
			"behavior": "deny",
			"message":  d.Message,
		}

		if d.Interrupt {
			result["interrupt"] = true
		}

		return result, nil

	default:
		return nil, fmt.Errorf("permission callback returned %T, want *Allow or *Deny", decision)
	}
}

// decide races the decision function against the gate's timeout.
// Whichever finishes first wins; a timed-out decision's eventual
// result is discarded.
func (g *PermissionGate) decide(
	ctx context.Context,
	toolName string,
	input map[string]any,
	call *PermissionCall,
) (PermissionDecision, error) {
	type outcome struct {
		decision PermissionDecision
		err      error
	}

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)

	go func() {
		decision, err := g.fn(fnCtx, toolName, input, call)
		done <- outcome{decision: decision, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("permission callback: %w", out.err)
		}

		return out.decision, nil

	case <-timer.C:
		return nil, &perr.TimeoutError{Op: "permission_callback", Timeout: g.timeout}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parseSuggestions extracts the rule updates the remote side proposed.
// Unknown fields are ignored.
func parseSuggestions(raw []any) []*PermissionUpdate {
	suggestions := make([]*PermissionUpdate, 0, len(raw))

	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		update := &PermissionUpdate{}

		if t, ok := m["type"].(string); ok {
			update.Type = PermissionUpdateType(t)
		}

		if b, ok := m["behavior"].(string); ok {
			update.Behavior = b
		}

		if mode, ok := m["mode"].(string); ok {
			update.Mode = mode
		}

		if dest, ok := m["destination"].(string); ok {
			update.Destination = dest
		}

		suggestions = append(suggestions, update)
	}

	return suggestions
}
