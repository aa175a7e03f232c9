package agentpipe

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentpipe/agentpipe/internal/toolserver"
)

// Re-export MCP SDK types used by tool handlers.
type (
	// ToolServer answers the embedded JSON-RPC tool surface for one
	// named server.
	ToolServer = toolserver.Server

	// CallToolRequest is the request passed to tool handlers.
	CallToolRequest = mcp.CallToolRequest

	// CallToolResult is a handler's response. Use TextResult,
	// ErrorResult, or ImageResult to build one.
	CallToolResult = mcp.CallToolResult

	// ToolHandler executes one tool invocation.
	ToolHandler = mcp.ToolHandler

	// Schema is a JSON Schema for tool input validation.
	Schema = jsonschema.Schema
)

// Tool pairs a tool definition with its handler for registration on a
// ToolServer.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     ToolHandler
}

// NewTool builds a Tool.
func NewTool(name, description string, inputSchema *jsonschema.Schema, handler ToolHandler) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Handler:     handler,
	}
}

// NewToolServer builds an embedded tool server and registers the given
// tools in order. Tools may be added later with AddTool but never
// removed; tools/list reports registration order.
func NewToolServer(name, version string, tools ...*Tool) *ToolServer {
	server := toolserver.New(name, version)

	for _, tool := range tools {
		server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, tool.Handler)
	}

	return server
}

// SimpleSchema builds an object schema from a property-name → type-name
// map, e.g. {"a": "number", "b": "string"}.
func SimpleSchema(props map[string]string) *jsonschema.Schema {
	return toolserver.SimpleSchema(props)
}

// TextResult builds a successful result with one text content item.
func TextResult(text string) *mcp.CallToolResult {
	return toolserver.TextResult(text)
}

// ErrorResult builds a result flagged as a tool-level error.
func ErrorResult(message string) *mcp.CallToolResult {
	return toolserver.ErrorResult(message)
}

// ImageResult builds a successful result with one image content item.
func ImageResult(data []byte, mimeType string) *mcp.CallToolResult {
	return toolserver.ImageResult(data, mimeType)
}

// ParseArguments unmarshals a CallToolRequest's raw arguments.
func ParseArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	return toolserver.ParseArguments(req)
}
