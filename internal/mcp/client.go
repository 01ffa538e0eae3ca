// ABOUTME: Capability interface shared by the stdio and streamable HTTP tool clients
// ABOUTME: The registry only ever talks to this interface

package mcp

import "context"

// Client is a connection to one tool server.
type Client interface {
	// Name identifies the client; it is stamped on every descriptor it returns.
	Name() string

	// Connect prepares the client for use. For the stdio variant this spawns
	// the process and performs the initialize handshake.
	Connect(ctx context.Context) error

	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// Close releases the client. Spawned processes are terminated.
	Close() error
}

// clientInfo is what this service reports during the initialize handshake.
var clientInfo = Implementation{Name: "agent-gateway", Version: "1.0.0"}
