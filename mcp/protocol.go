package mcp

import "encoding/json"

// Wire types for the MCP stdio protocol. The agent CLI speaks JSON-RPC 2.0
// over the subprocess's stdin/stdout; only the handshake, tools/list and
// tools/call surface is implemented since the server exposes exactly one
// tool.

// JSONRPCRequest is one incoming protocol message.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is the reply to a request with the same ID. Exactly one
// of Result or Error is set.
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handshake types for the initialize method.

type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    Capability `json:"capabilities"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

type Capability struct {
	Tools *ToolCapability `json:"tools,omitempty"`
}

type ToolCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    Capability `json:"capabilities"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Instructions    string     `json:"instructions,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool discovery and invocation types.

type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ToolDefinition describes one callable tool to the agent CLI.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema is the JSON schema fragment the CLI validates tool input
// against. Only the object/properties subset the approval tool needs.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallResult is the tools/call reply payload. IsError marks a denial
// or failure; Content carries the JSON the CLI parses back out.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Approval flow types. These cross the Unix socket between the approval
// subprocess and the engine, correlated by the JSON-RPC request id.

// ApprovalRequest asks the engine to decide one tool call.
type ApprovalRequest struct {
	ID          any            `json:"id"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Arguments   map[string]any `json:"arguments"`
}

// ApprovalResponse is the engine's decision. UpdatedInput, when set,
// replaces the tool input the agent proposed.
type ApprovalResponse struct {
	ID           any            `json:"id"`
	Allowed      bool           `json:"allowed"`
	Always       bool           `json:"always"`
	Message      string         `json:"message"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// ApprovalResult is the shape the agent CLI expects back from its
// permission-prompt tool: behavior "allow" with the (possibly updated)
// input, or "deny" with a message.
type ApprovalResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}
