package agentpipe

import "github.com/agentpipe/agentpipe/internal/message"

// Re-export typed event views from the message package.
type (
	// Event is a typed view over one ordinary event from the stream.
	Event = message.Event

	// SystemEvent is an informational event from the remote side.
	SystemEvent = message.SystemEvent

	// AssistantEvent carries a model turn.
	AssistantEvent = message.AssistantEvent

	// UserEvent echoes user input back through the stream.
	UserEvent = message.UserEvent

	// ResultEvent terminates a turn with its outcome.
	ResultEvent = message.ResultEvent

	// GenericEvent passes through unmodeled event kinds.
	GenericEvent = message.GenericEvent

	// ContentBlock is one element of a message's content list.
	ContentBlock = message.ContentBlock

	// TextBlock is plain text content.
	TextBlock = message.TextBlock

	// ToolUseBlock is a tool invocation requested by the model.
	ToolUseBlock = message.ToolUseBlock

	// ToolResultBlock carries tool output back to the model.
	ToolResultBlock = message.ToolResultBlock

	// RawBlock passes through unmodeled content kinds.
	RawBlock = message.RawBlock
)
