package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chorushq/chorus-core/logger"
)

const (
	// DecisionHandoffTimeout bounds passing an approval request to the
	// socket forwarder.
	DecisionHandoffTimeout = 10 * time.Second
	// DecisionWaitTimeout bounds the wait for an approval decision.
	// 5 minutes leaves room for a human to notice and answer the prompt.
	DecisionWaitTimeout = 5 * time.Minute
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "chorus-approval"
	ServerVersion   = "1.0.0"
	ToolName        = "approval_prompt"
)

// Server implements an MCP server that exposes a single approval_prompt tool.
// Tool calls the agent CLI cannot decide on its own arrive here as JSON-RPC
// requests; the server either auto-approves them from its allowed list or
// forwards them through the approvals channel pair and waits for a decision.
type Server struct {
	reader       *bufio.Reader
	writer       io.Writer
	approvals    *ChannelPair[ApprovalRequest, ApprovalResponse]
	allowedTools []string // Pre-allowed tools for this conversation
	mu           sync.Mutex
	log          *slog.Logger // Logger with conversation context
}

// NewServer wires the server to its request and response streams. Stdio when
// launched by the agent CLI; in-memory buffers in tests.
func NewServer(r io.Reader, w io.Writer, approvals *ChannelPair[ApprovalRequest, ApprovalResponse], allowedTools []string, conversationID string) *Server {
	return &Server{
		reader:       bufio.NewReader(r),
		writer:       w,
		approvals:    approvals,
		allowedTools: allowedTools,
		log:          logger.WithConversation(conversationID).With("component", "mcp"),
	}
}

// Run consumes newline-delimited JSON-RPC requests until the stream closes.
// Requests arrive one per line; bufio.Scanner is deliberately avoided because
// Edit approvals can carry file contents well past its default token limit.
func (s *Server) Run() error {
	s.log.Info("approval server listening")

	for {
		line, err := s.reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.dispatchLine(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("request stream closed, shutting down")
				return nil
			}
			s.log.Error("request stream read failed", "error", err)
			return err
		}
	}
}

func (s *Server) dispatchLine(line string) {
	s.log.Debug("request line", "line", line)

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Error("malformed request line", "error", err)
		s.sendError(nil, -32700, "Parse error", nil)
		return
	}
	s.route(&req)
}

func (s *Server) route(req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized":
		// Notification only, nothing to send back.
		s.log.Debug("client finished initializing")
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(req)
	default:
		s.log.Warn("unsupported method", "method", req.Method)
		s.sendError(req.ID, -32601, "Method not found", nil)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	s.sendResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{Tools: &ToolCapability{}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
		Instructions:    "This server handles tool approval prompts for agent sessions.",
	})
}

// approvalTool is the single tool this server advertises. The agent CLI calls
// it from its permission prompt hook with the original tool's name and input.
var approvalTool = ToolDefinition{
	Name:        ToolName,
	Description: "Handle tool approval prompts for agent operations",
	InputSchema: InputSchema{
		Type: "object",
		Properties: map[string]Property{
			"tool_name":   {Type: "string", Description: "The tool requesting approval (e.g., Edit, Bash, Read)"},
			"input":       {Type: "object", Description: "The input the tool will be invoked with"},
			"tool_use_id": {Type: "string", Description: "Identifier of the originating tool use"},
		},
		Required: []string{"tool_name"},
	},
}

func (s *Server) handleToolsList(req *JSONRPCRequest) {
	s.sendResult(req.ID, ToolsListResult{Tools: []ToolDefinition{approvalTool}})
}

func (s *Server) handleToolsCall(req *JSONRPCRequest) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.Error("bad tools/call params", "error", err)
		s.sendError(req.ID, -32602, "Invalid params", nil)
		return
	}

	if params.Name != ToolName {
		s.log.Warn("call for a tool this server does not advertise", "tool", params.Name)
		s.sendError(req.ID, -32602, "Unknown tool", nil)
		return
	}

	s.handleApprovalToolCall(req, params)
}

// approvalDetails pulls the tool name, prompt description and tool input out
// of the CLI's tool_name/input argument convention. Missing or unusable
// pieces degrade to generic placeholders rather than failing the call.
func approvalDetails(args map[string]any) (tool, description string, input map[string]any) {
	tool, _ = args["tool_name"].(string)

	if in, ok := args["input"].(map[string]any); ok {
		input = in
		description = toolSummary(tool, in)
	}
	if description == "" {
		description = argumentSummary(args)
	}
	if tool == "" {
		tool = "Tool call"
	}
	return tool, description, input
}

func (s *Server) handleApprovalToolCall(req *JSONRPCRequest, params ToolCallParams) {
	// Arguments decoded from JSON always re-marshal, so the error can only
	// be nil here.
	if raw, err := json.Marshal(params.Arguments); err == nil {
		s.log.Debug("approval tool invoked", "arguments", string(raw))
	}

	tool, description, arguments := approvalDetails(params.Arguments)

	s.log.Info("approval request", "tool", tool, "description", clip(description, 120))

	if s.isToolAllowed(tool) {
		s.log.Debug("tool already on the allowed list", "tool", tool)
		s.sendApprovalResult(req.ID, true, arguments, "")
		return
	}

	// Hand off to the socket forwarder. The timeout keeps a wedged engine
	// side from deadlocking the CLI subprocess.
	select {
	case s.approvals.Req <- ApprovalRequest{
		ID:          req.ID,
		Tool:        tool,
		Description: description,
		Arguments:   arguments,
	}:
		s.log.Debug("awaiting approval decision")
	case <-time.After(DecisionHandoffTimeout):
		s.log.Warn("approval request handoff timed out")
		s.sendApprovalResult(req.ID, false, arguments, "Approval broker not responding")
		return
	}

	select {
	case resp := <-s.approvals.Resp:
		s.log.Info("approval decision", "allowed", resp.Allowed, "always", resp.Always)

		// "Always allow" covers future calls to the same tool in this
		// conversation.
		if resp.Always {
			s.addAllowedTool(tool)
		}
		if resp.UpdatedInput != nil {
			arguments = resp.UpdatedInput
		}
		s.sendApprovalResult(req.ID, resp.Allowed, arguments, resp.Message)
	case <-time.After(DecisionWaitTimeout):
		s.log.Warn("no approval decision before the deadline")
		s.sendApprovalResult(req.ID, false, arguments, "Approval request timed out")
	}
}

func (s *Server) isToolAllowed(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.allowedTools {
		// "*" approves everything; the broker sets it in bypass mode.
		// Scoped entries like "Bash(git:*)" never auto-approve here, the
		// broker resolves them against the actual command.
		if entry == "*" || entry == tool {
			return true
		}
	}
	return false
}

// addAllowedTool records an "always allow" decision so later calls for the
// same tool skip the socket round trip.
func (s *Server) addAllowedTool(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.allowedTools, tool) {
		s.allowedTools = append(s.allowedTools, tool)
	}
}

// deniedFallback is sent when the approval result itself cannot be encoded,
// so the CLI still receives a decision instead of hanging.
const deniedFallback = `{"behavior":"deny","message":"internal error: failed to marshal result"}`

// sendApprovalResult encodes the decision in the shape the agent CLI expects:
// a tool result whose text content is itself a JSON behavior document.
func (s *Server) sendApprovalResult(id any, allowed bool, args map[string]any, message string) {
	result := ApprovalResult{Behavior: "deny", Message: message}
	if allowed {
		result = ApprovalResult{Behavior: "allow", UpdatedInput: args}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		s.log.Error("encoding approval result failed", "error", err)
		payload = []byte(deniedFallback)
	}

	s.sendResult(id, ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: string(payload)}},
	})
}

func (s *Server) sendResult(id any, result any) {
	s.send(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id any, code int, message string, data any) {
	s.send(JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}})
}

func (s *Server) send(resp JSONRPCResponse) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encoding response failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(append(encoded, '\n')); err != nil {
		s.log.Error("writing response failed", "error", err)
		return
	}
	s.log.Debug("response sent", "data", string(encoded))
}

// singleFieldDescriptions covers the tools whose approval line is one
// labeled input field. Tools with richer lines are special-cased in
// toolSummary.
var singleFieldDescriptions = map[string]struct {
	field string
	label string
}{
	"Edit":         {"file_path", "Edit file: "},
	"Write":        {"file_path", "Write file: "},
	"Read":         {"file_path", "Read file: "},
	"Bash":         {"command", "Run: "},
	"WebFetch":     {"url", "Fetch URL: "},
	"WebSearch":    {"query", "Web search: "},
	"NotebookEdit": {"notebook_path", "Edit notebook: "},
}

// toolSummary renders the one-line summary shown on the approval prompt.
// An empty return means the input had nothing recognizable; the caller
// falls back to a generic key-value dump.
func toolSummary(tool string, input map[string]any) string {
	str := func(key string) (string, bool) {
		v, ok := input[key].(string)
		return v, ok
	}

	switch tool {
	case "Glob", "Grep":
		pattern, ok := str("pattern")
		if !ok {
			return ""
		}
		prefix := "Search for: "
		if tool == "Glob" {
			prefix = "Search for files: "
		}
		if path, ok := str("path"); ok {
			return prefix + pattern + " in " + path
		}
		return prefix + pattern
	case "Task":
		for _, key := range []string{"description", "prompt"} {
			if v, ok := str(key); ok {
				return "Delegate task: " + v
			}
		}
		return ""
	}

	if entry, ok := singleFieldDescriptions[tool]; ok {
		if v, ok := str(entry.field); ok {
			return entry.label + v
		}
		return ""
	}

	// Unrecognized tool: take the first conventional field present.
	for _, key := range []string{"file_path", "command", "url", "path"} {
		if v, ok := str(key); ok {
			return tool + ": " + v
		}
	}
	return ""
}

// argumentSummary renders arbitrary tool arguments as a single key-value
// line, used when no tool-specific summary applies. Keys are sorted so the
// line is stable; tool_use_id is correlation plumbing and stays hidden.
func argumentSummary(args map[string]any) string {
	var parts []string
	for _, key := range slices.Sorted(maps.Keys(args)) {
		if key == "tool_use_id" {
			continue
		}
		if piece := describeField(key, args[key]); piece != "" {
			parts = append(parts, piece)
		}
	}
	if len(parts) == 0 {
		return "(nothing to display)"
	}
	return strings.Join(parts, " | ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// describeField renders one argument, or "" for values with nothing to show.
func describeField(key string, value any) string {
	label := fieldLabel(key)

	switch v := value.(type) {
	case string:
		if v == "" {
			return ""
		}
		return label + ": " + v
	case bool:
		return label + ": " + yesNo(v)
	case map[string]any:
		if body := describeObject(v); body != "" {
			return label + ": " + body
		}
		return ""
	case []any:
		if body := describeList(v); body != "" {
			return label + ": " + body
		}
		return ""
	default:
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%s: %v", label, value)
	}
}

// fieldLabels overrides the argument keys whose prompt label is not just
// the title-cased key.
var fieldLabels = map[string]string{
	"file_path":     "File",
	"tool_name":     "Tool",
	"notebook_path": "Notebook",
	"url":           "URL",
	"old_string":    "Find",
	"new_string":    "Replace with",
	"replace_all":   "Replace all",
}

// fieldLabel converts an argument key to its prompt label. Unlisted keys
// get each underscore-separated word capitalized.
func fieldLabel(key string) string {
	if label, ok := fieldLabels[key]; ok {
		return label
	}
	var b strings.Builder
	for word := range strings.SplitSeq(key, "_") {
		if word == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strings.ToUpper(word[:1]) + word[1:])
	}
	return b.String()
}

// describeObject inlines small maps and collapses large ones to a count.
// An empty map describes as "".
func describeObject(obj map[string]any) string {
	if len(obj) == 0 {
		return ""
	}
	if len(obj) > 3 {
		return fmt.Sprintf("(%d fields)", len(obj))
	}

	parts := make([]string, 0, len(obj))
	for _, k := range slices.Sorted(maps.Keys(obj)) {
		switch val := obj[k].(type) {
		case string:
			parts = append(parts, fieldLabel(k)+": "+val)
		case bool:
			parts = append(parts, fieldLabel(k)+": "+yesNo(val))
		default:
			parts = append(parts, fmt.Sprintf("%s: %v", fieldLabel(k), val))
		}
	}
	return strings.Join(parts, ", ")
}

// describeList shows a lone element directly and collapses longer lists
// to a count. An empty list describes as "".
func describeList(list []any) string {
	if len(list) > 1 {
		return fmt.Sprintf("(%d entries)", len(list))
	}
	if len(list) == 0 {
		return ""
	}
	if s, ok := list[0].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", list[0])
}

// clip shortens s to limit bytes, marking the cut with an ellipsis when
// there is room for one. Zero or negative limit disables clipping.
func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit > 3 {
		return s[:limit-3] + "..."
	}
	return s[:limit]
}
