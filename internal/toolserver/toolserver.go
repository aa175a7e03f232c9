// Package toolserver implements the embedded tool-invocation server: a
// minimal JSON-RPC-style responder answering initialize, tools/list,
// and tools/call against a registry of named tools.
//
// Tool and result types come from the official MCP SDK so handlers are
// interchangeable with transport-based MCP servers.
package toolserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProtocolVersion is the MCP protocol revision declared in initialize
// responses.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes used by the responder.
const (
	// CodeMethodNotFound covers unrecognized methods and missing
	// servers.
	CodeMethodNotFound = -32601
	// CodeInvalidParams covers malformed params and unknown tools.
	CodeInvalidParams = -32602
	// CodeToolFailure covers errors raised by the tool handler itself.
	CodeToolFailure = -32000
)

// registeredTool pairs a tool definition with its handler.
type registeredTool struct {
	tool    *mcp.Tool
	handler mcp.ToolHandler
}

// Server answers the JSON-RPC method surface for one named embedded
// server. Tools may be added after construction but never removed;
// tools/list reports them in registration order.
type Server struct {
	name    string
	version string

	mu    sync.RWMutex
	order []string
	tools map[string]*registeredTool
}

// New creates an embedded tool server with the given identity.
func New(name, version string) *Server {
	return &Server{
		name:    name,
		version: version,
		tools:   make(map[string]*registeredTool, 8),
	}
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// AddTool registers a tool. Re-registering a name replaces the handler
// without changing its position in the listing order.
func (s *Server) AddTool(tool *mcp.Tool, handler mcp.ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[tool.Name]; !exists {
		s.order = append(s.order, tool.Name)
	}

	s.tools[tool.Name] = &registeredTool{tool: tool, handler: handler}
}

// HandleMessage answers one inner JSON-RPC-shaped message. The second
// return value is false for notifications, which produce no output.
// Every reply echoes the original request id verbatim.
func (s *Server) HandleMessage(ctx context.Context, message map[string]any) (map[string]any, bool) {
	method, _ := message["method"].(string)
	params, _ := message["params"].(map[string]any)
	id := message["id"]

	switch method {
	case "initialize":
		return s.reply(id, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}), true

	case "notifications/initialized":
		return nil, false

	case "tools/list":
		return s.reply(id, map[string]any{"tools": s.listTools()}), true

	case "tools/call":
		return s.callTool(ctx, id, params), true

	default:
		return ErrorReply(id, CodeMethodNotFound, "method not found: "+method), true
	}
}

// listTools returns {name, description, inputSchema} triples in
// registration order.
func (s *Server) listTools() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]map[string]any, 0, len(s.order))

	for _, name := range s.order {
		t := s.tools[name]
		entry := map[string]any{
			"name":        t.tool.Name,
			"description": t.tool.Description,
		}

		if schema := schemaToMap(t.tool.InputSchema); schema != nil {
			entry["inputSchema"] = schema
		}

		result = append(result, entry)
	}

	return result
}

// callTool validates params, invokes the named tool, and shapes the
// result. A failing handler yields a structured error, never a crash.
func (s *Server) callTool(ctx context.Context, id any, params map[string]any) map[string]any {
	if params == nil {
		return ErrorReply(id, CodeInvalidParams, "missing params for tools/call")
	}

	name, _ := params["name"].(string)
	if name == "" {
		return ErrorReply(id, CodeInvalidParams, "missing tool name in params")
	}

	s.mu.RLock()
	t, exists := s.tools[name]
	s.mu.RUnlock()

	if !exists {
		return ErrorReply(id, CodeInvalidParams, "unknown tool: "+name)
	}

	arguments, _ := params["arguments"].(map[string]any)

	argBytes, err := json.Marshal(arguments)
	if err != nil {
		return ErrorReply(id, CodeInvalidParams, "unencodable arguments: "+err.Error())
	}

	req := &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{
			Name:      name,
			Arguments: argBytes,
		},
	}

	result, err := t.handler(ctx, req)
	if err != nil {
		return ErrorReply(id, CodeToolFailure, err.Error())
	}

	return s.reply(id, resultToMap(result))
}

func (s *Server) reply(id any, result map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
}

// ErrorReply builds a JSON-RPC error response echoing the request id.
func ErrorReply(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// resultToMap serializes a CallToolResult into the result.content /
// result.isError shape.
func resultToMap(result *mcp.CallToolResult) map[string]any {
	if result == nil {
		return map[string]any{
			"content": []map[string]any{},
			"isError": false,
		}
	}

	content := make([]map[string]any, 0, len(result.Content))

	for _, c := range result.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			content = append(content, map[string]any{
				"type": "text",
				"text": v.Text,
			})

		case *mcp.ImageContent:
			content = append(content, map[string]any{
				"type":     "image",
				"data":     v.Data,
				"mimeType": v.MIMEType,
			})

		case *mcp.EmbeddedResource:
			if v.Resource != nil {
				content = append(content, map[string]any{
					"type": "resource",
					"resource": map[string]any{
						"uri":      v.Resource.URI,
						"mimeType": v.Resource.MIMEType,
						"text":     v.Resource.Text,
					},
				})
			}
		}
	}

	return map[string]any{
		"content": content,
		"isError": result.IsError,
	}
}

// schemaToMap converts a JSON schema value into plain JSON for the
// wire.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return nil
	}

	return m
}
