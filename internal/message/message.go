// Package message maps ordinary events onto typed variants. The
// control plane treats events as opaque; this layer exists for
// consumers who want structure without re-parsing.
package message

// Event is a typed view over one ordinary event.
type Event interface {
	EventType() string
}

// SystemEvent is an informational event from the remote side, such as
// the init handshake summary.
type SystemEvent struct {
	Subtype   string
	SessionID string
	Data      map[string]any
}

// EventType implements Event.
func (*SystemEvent) EventType() string { return "system" }

// AssistantEvent carries a model turn.
type AssistantEvent struct {
	SessionID string
	Model     string
	Content   []ContentBlock
	Raw       map[string]any
}

// EventType implements Event.
func (*AssistantEvent) EventType() string { return "assistant" }

// UserEvent echoes user input back through the stream.
type UserEvent struct {
	SessionID string
	Content   []ContentBlock
	Raw       map[string]any
}

// EventType implements Event.
func (*UserEvent) EventType() string { return "user" }

// ResultEvent terminates a turn with its outcome and accounting.
type ResultEvent struct {
	Subtype    string
	SessionID  string
	DurationMS int
	NumTurns   int
	IsError    bool
	Result     string
	Raw        map[string]any
}

// EventType implements Event.
func (*ResultEvent) EventType() string { return "result" }

// GenericEvent passes through event kinds this layer does not model.
type GenericEvent struct {
	Type string
	Data map[string]any
}

// EventType implements Event.
func (e *GenericEvent) EventType() string { return e.Type }

// ContentBlock is one element of a message's content list.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string
}

// BlockType implements ContentBlock.
func (*TextBlock) BlockType() string { return "text" }

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// BlockType implements ContentBlock.
func (*ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock carries a tool's output back to the model.
type ToolResultBlock struct {
	ToolUseID string
	Content   any
	IsError   bool
}

// BlockType implements ContentBlock.
func (*ToolResultBlock) BlockType() string { return "tool_result" }

// RawBlock passes through content kinds this layer does not model.
type RawBlock struct {
	Type string
	Data map[string]any
}

// BlockType implements ContentBlock.
func (b *RawBlock) BlockType() string { return b.Type }

// Parse maps one framed event onto its typed variant. Unknown event
// kinds come back as *GenericEvent rather than an error: this layer
// never drops data.
func Parse(data map[string]any) Event {
	eventType, _ := data["type"].(string)
	sessionID, _ := data["session_id"].(string)

	switch eventType {
	case "system":
		subtype, _ := data["subtype"].(string)

		return &SystemEvent{Subtype: subtype, SessionID: sessionID, Data: data}

	case "assistant":
		inner, _ := data["message"].(map[string]any)
		model, _ := inner["model"].(string)

		return &AssistantEvent{
			SessionID: sessionID,
			Model:     model,
			Content:   parseContent(inner),
			Raw:       data,
		}

	case "user":
		inner, _ := data["message"].(map[string]any)

		return &UserEvent{
			SessionID: sessionID,
			Content:   parseContent(inner),
			Raw:       data,
		}

	case "result":
		subtype, _ := data["subtype"].(string)
		isError, _ := data["is_error"].(bool)
		result, _ := data["result"].(string)

		return &ResultEvent{
			Subtype:    subtype,
			SessionID:  sessionID,
			DurationMS: intField(data, "duration_ms"),
			NumTurns:   intField(data, "num_turns"),
			IsError:    isError,
			Result:     result,
			Raw:        data,
		}

	default:
		return &GenericEvent{Type: eventType, Data: data}
	}
}

func parseContent(inner map[string]any) []ContentBlock {
	raw, ok := inner["content"].([]any)
	if !ok {
		return nil
	}

	blocks := make([]ContentBlock, 0, len(raw))

	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		blockType, _ := m["type"].(string)

		switch blockType {
		case "text":
			text, _ := m["text"].(string)
			blocks = append(blocks, &TextBlock{Text: text})

		case "tool_use":
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			input, _ := m["input"].(map[string]any)
			blocks = append(blocks, &ToolUseBlock{ID: id, Name: name, Input: input})

		case "tool_result":
			toolUseID, _ := m["tool_use_id"].(string)
			isError, _ := m["is_error"].(bool)
			blocks = append(blocks, &ToolResultBlock{
				ToolUseID: toolUseID,
				Content:   m["content"],
				IsError:   isError,
			})

		default:
			blocks = append(blocks, &RawBlock{Type: blockType, Data: m})
		}
	}

	return blocks
}

func intField(data map[string]any, key string) int {
	if v, ok := data[key].(float64); ok {
		return int(v)
	}

	return 0
}
