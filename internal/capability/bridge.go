package capability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentpipe/agentpipe/internal/toolserver"
	"github.com/agentpipe/agentpipe/internal/wire"
)

// ToolBridge routes mcp_message control requests to the named embedded
// tool server.
type ToolBridge struct {
	log     *slog.Logger
	servers map[string]*toolserver.Server
}

// NewToolBridge builds a bridge over a registry of named servers.
func NewToolBridge(log *slog.Logger, servers map[string]*toolserver.Server) *ToolBridge {
	return &ToolBridge{
		log:     log.With("component", "toolbridge"),
		servers: servers,
	}
}

// ServerNames lists the registered embedded servers.
func (b *ToolBridge) ServerNames() []string {
	names := make([]string, 0, len(b.servers))
	for name := range b.servers {
		names = append(names, name)
	}

	return names
}

// Handle implements router.Handler for the mcp_message subtype.
//
// An unknown target server is not a control-protocol failure: it is
// reported as a JSON-RPC not-found error inside a successful control
// response, so the remote side can distinguish "server missing" from
// "bridge broken".
func (b *ToolBridge) Handle(ctx context.Context, req *wire.ControlRequest) (map[string]any, error) {
	serverName, _ := req.Request["server_name"].(string)

	message, _ := req.Request["message"].(map[string]any)
	if message == nil {
		return nil, fmt.Errorf("mcp_message request missing message")
	}

	server, exists := b.servers[serverName]
	if !exists {
		b.log.Warn("MCP message for unknown server", "server", serverName)

		reply := toolserver.ErrorReply(
			message["id"],
			toolserver.CodeMethodNotFound,
			"server not found: "+serverName,
		)

		return map[string]any{"mcp_response": reply}, nil
	}

	reply, hasReply := server.HandleMessage(ctx, message)
	if !hasReply {
		// Notification: acknowledged with an empty payload, no
		// JSON-RPC output.
		return map[string]any{}, nil
	}

	return map[string]any{"mcp_response": reply}, nil
}
