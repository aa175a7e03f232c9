package agentpipe

import "github.com/agentpipe/agentpipe/internal/capability"

// Re-export permission types from the capability package.
type (
	// PermissionFunc decides whether a tool may run.
	PermissionFunc = capability.PermissionFunc

	// PermissionDecision is the outcome of a permission check: either
	// *Allow or *Deny.
	PermissionDecision = capability.PermissionDecision

	// Allow permits the tool call, optionally rewriting its input and
	// emitting permission-rule updates.
	Allow = capability.Allow

	// Deny refuses the tool call, optionally interrupting the session.
	Deny = capability.Deny

	// PermissionCall carries per-call context into the decision
	// function, including remote suggestions and the abort check.
	PermissionCall = capability.PermissionCall

	// PermissionUpdate is a rule change forwarded to the remote side.
	PermissionUpdate = capability.PermissionUpdate

	// PermissionRule names a tool plus optional rule content.
	PermissionRule = capability.PermissionRule

	// PermissionUpdateType classifies a rule update.
	PermissionUpdateType = capability.PermissionUpdateType
)

// Permission update types.
const (
	UpdateAddRules          = capability.UpdateAddRules
	UpdateReplaceRules      = capability.UpdateReplaceRules
	UpdateRemoveRules       = capability.UpdateRemoveRules
	UpdateSetMode           = capability.UpdateSetMode
	UpdateAddDirectories    = capability.UpdateAddDirectories
	UpdateRemoveDirectories = capability.UpdateRemoveDirectories
)
