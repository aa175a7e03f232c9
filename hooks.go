package agentpipe

import "github.com/agentpipe/agentpipe/internal/capability"

// Re-export hook types from the capability package.
type (
	// HookEvent names a lifecycle event hooks can attach to.
	HookEvent = capability.HookEvent

	// HookInput carries the contextual fields of one hook invocation.
	HookInput = capability.HookInput

	// HookResult is a callback's outcome. Nil means continue.
	HookResult = capability.HookResult

	// HookFunc is a single hook callback.
	HookFunc = capability.HookFunc

	// HookRegistration binds callbacks to an event kind with an
	// optional tool-name matcher and a per-call timeout.
	HookRegistration = capability.HookRegistration
)

// Lifecycle events.
const (
	HookPreToolUse       = capability.HookPreToolUse
	HookPostToolUse      = capability.HookPostToolUse
	HookUserPromptSubmit = capability.HookUserPromptSubmit
	HookStop             = capability.HookStop
	HookSubagentStop     = capability.HookSubagentStop
	HookPreCompact       = capability.HookPreCompact
)

// DefaultHookTimeout bounds a hook callback when its registration sets
// no timeout.
const DefaultHookTimeout = capability.DefaultHookTimeout

// BlockHook builds a result that blocks the triggering action and
// short-circuits remaining callbacks.
func BlockHook(reason string) *HookResult {
	return &HookResult{Decision: "block", Reason: reason}
}

// StopHook builds a result with an explicit do-not-continue flag.
func StopHook(stopReason string) *HookResult {
	cont := false

	return &HookResult{Continue: &cont, StopReason: stopReason}
}
