package libmcp

import (
	"context"
	"encoding/json"
)

const (
	// JSONRPCVersion is sent on every request envelope.
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC request to an MCP server
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
	ID      int                    `json:"id"`
}

// Response represents a JSON-RPC response from an MCP server
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError represents an error in an MCP response
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tool represents an MCP tool definition
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult represents the result of a tools/list call
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// Screener checks traffic against a content-safety service before a request
// leaves the client and after the server answers. ScreenInteraction returns
// nil when the payload passed screening and a violation error when it was
// flagged and the screener runs fail-closed.
type Screener interface {
	// ScreenInteraction screens a method call and, when result is non-nil,
	// the server's answer to it.
	ScreenInteraction(ctx context.Context, method string, params map[string]interface{}, result json.RawMessage) error

	// ScreenTools filters a discovered tool list down to the safe subset.
	ScreenTools(ctx context.Context, tools []Tool) []Tool
}
