package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ChunkType represents the type of streaming chunk
type ChunkType string

const (
	ChunkTypeText        ChunkType = "text"         // Regular text content
	ChunkTypeThinking    ChunkType = "thinking"     // Extended thinking content
	ChunkTypeToolUse     ChunkType = "tool_use"     // The agent is calling a tool
	ChunkTypeToolResult  ChunkType = "tool_result"  // Tool execution result
	ChunkTypeTodoUpdate  ChunkType = "todo_update"  // TodoWrite tool call with todo list
	ChunkTypeSessionInit ChunkType = "session_init" // system/init message with session id, tools, model
	ChunkTypeResult      ChunkType = "result"       // Terminal result event for the turn
	ChunkTypeRaw         ChunkType = "raw"          // CLI output that did not parse as stream JSON
)

// StreamUsage represents token usage data from the agent CLI's usage blocks
type StreamUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// ModelUsageEntry represents usage statistics for a specific model in the
// result message. This includes both the parent model and any sub-agents.
type ModelUsageEntry struct {
	InputTokens   int `json:"inputTokens"`
	OutputTokens  int `json:"outputTokens"`
	ContextWindow int `json:"contextWindow"`
}

// PermissionDenial is one entry of the result message's permission_denials
// array: a tool call the user refused during the turn.
type PermissionDenial struct {
	Tool        string `json:"tool"`
	Description string `json:"description"`
	Reason      string `json:"reason"`
}

// SessionInit carries the fields of the system/init message. The session id
// is authoritative: when it differs from the id the engine generated, the
// engine swaps to the CLI's id for resume.
type SessionInit struct {
	SessionID      string
	Model          string
	Tools          []string
	WorkingDir     string
	PermissionMode string
}

// TurnResult is the terminal result event for a turn. Exit without one is a
// protocol violation reported by the supervisor.
type TurnResult struct {
	Subtype           string
	IsError           bool
	Result            string
	Errors            []string
	SessionID         string
	DurationMS        int
	DurationAPIMS     int
	NumTurns          int
	TotalCostUSD      float64
	Usage             *StreamUsage
	ModelUsage        map[string]*ModelUsageEntry
	PermissionDenials []PermissionDenial
}

// Failed reports whether this result represents an error outcome.
// The CLI uses several error subtypes, so match on the substring.
func (t *TurnResult) Failed() bool {
	return t.IsError || strings.Contains(t.Subtype, "error")
}

// ErrorText returns the error message from whichever field the CLI used.
func (t *TurnResult) ErrorText() string {
	if t.Result != "" {
		return t.Result
	}
	if len(t.Errors) > 0 {
		return strings.Join(t.Errors, "; ")
	}
	return ""
}

// ContextWindow returns the largest context window reported in the per-model
// usage map, or 0 when the result carried none.
func (t *TurnResult) ContextWindow() int {
	window := 0
	for _, entry := range t.ModelUsage {
		if entry != nil && entry.ContextWindow > window {
			window = entry.ContextWindow
		}
	}
	return window
}

// ToolResultInfo carries the structured half of a tool result: per-tool
// details the CLI reports alongside the plain text output.
type ToolResultInfo struct {
	// Read
	FilePath   string // Path to the file that was read
	NumLines   int    // Number of lines returned
	StartLine  int    // Starting line number (1-indexed)
	TotalLines int    // Total lines in the file

	// Edit
	Edited bool // Whether an edit was applied

	// Glob
	NumFiles int // Number of files matched

	// Bash
	ExitCode *int // Exit code (nil if not available)
}

// Summary returns a brief human-readable summary of the tool result.
func (t *ToolResultInfo) Summary() string {
	if t == nil {
		return ""
	}

	if t.FilePath != "" && t.TotalLines > 0 {
		if t.NumLines < t.TotalLines {
			return fmt.Sprintf("lines %d-%d of %d", t.StartLine, t.StartLine+t.NumLines-1, t.TotalLines)
		}
		return fmt.Sprintf("%d lines", t.TotalLines)
	}

	if t.Edited {
		return "applied"
	}

	if t.NumFiles > 0 {
		if t.NumFiles == 1 {
			return "1 file"
		}
		return fmt.Sprintf("%d files", t.NumFiles)
	}

	if t.ExitCode != nil {
		if *t.ExitCode == 0 {
			return "success"
		}
		return fmt.Sprintf("exit %d", *t.ExitCode)
	}

	return ""
}

// Chunk represents one parsed unit of agent CLI output.
type Chunk struct {
	Type         ChunkType       // Type of this chunk
	Content      string          // Text content (text, thinking, raw, tool_result)
	Model        string          // Model that produced this content, when known
	ToolName     string          // Tool being used (for tool_use chunks)
	ToolInput    string          // Brief description of tool input for display
	ToolRawInput json.RawMessage // Full tool input, persisted with the tool_use message
	ToolUseID    string          // Unique ID pairing tool_use with tool_result
	IsError      bool            // Whether a tool_result reported an error
	ResultInfo   *ToolResultInfo // Details about tool result (for tool_result chunks)
	TodoList     *TodoList       // Todo list (for ChunkTypeTodoUpdate)
	Init         *SessionInit    // Session init payload (for ChunkTypeSessionInit)
	Result       *TurnResult     // Terminal result payload (for ChunkTypeResult)
	Done         bool
	Error        error
}

// streamContent is one content block inside an assistant or user message.
type streamContent struct {
	Type      string          `json:"type"` // "text", "thinking", "tool_use", "tool_result", "image"
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`        // tool_use only
	Input     json.RawMessage `json:"input,omitempty"`       // tool_use only
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result only
	ToolUseId string          `json:"toolUseId,omitempty"`   // camelCase variant from the CLI
	Content   json.RawMessage `json:"content,omitempty"`     // tool result content (string or block array)
	IsError   bool            `json:"is_error,omitempty"`
}

// cliMessage is one decoded line of the agent CLI's stream-json output.
type cliMessage struct {
	Type            string `json:"type"`    // "system", "assistant", "user", "result", "stream_event"
	Subtype         string `json:"subtype"` // "init", "success", "error_max_turns", "error_during_execution"
	ParentToolUseID string `json:"parent_tool_use_id"`
	Message         struct {
		ID      string          `json:"id,omitempty"`
		Model   string          `json:"model,omitempty"`
		Content []streamContent `json:"content"`
		Usage   *StreamUsage    `json:"usage,omitempty"`
	} `json:"message"`
	// Present on type="stream_event" messages when partial delivery is on.
	Event *cliEvent `json:"event,omitempty"`
	// tool_use_result rides at the top level of user messages, next to the
	// message body, and is a string for errors or an object for rich data.
	ToolUseResult *toolResultField `json:"tool_use_result,omitempty"`
	// Init message fields (type="system", subtype="init")
	SessionID      string   `json:"session_id,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	// Result message fields (type="result")
	IsError           bool                        `json:"is_error,omitempty"`
	Result            string                      `json:"result,omitempty"`
	Error             string                      `json:"error,omitempty"`
	Errors            []string                    `json:"errors,omitempty"`
	PermissionDenials []PermissionDenial          `json:"permission_denials,omitempty"`
	DurationMs        int                         `json:"duration_ms,omitempty"`
	DurationAPIMs     int                         `json:"duration_api_ms,omitempty"`
	NumTurns          int                         `json:"num_turns,omitempty"`
	TotalCostUSD      float64                     `json:"total_cost_usd,omitempty"`
	Usage             *StreamUsage                `json:"usage,omitempty"`
	ModelUsage        map[string]*ModelUsageEntry `json:"modelUsage,omitempty"`
}

// toolResultData is the object form of tool_use_result. Each tool fills
// in its own slice of the fields.
type toolResultData struct {
	Type string `json:"type,omitempty"`

	// Read
	File *toolResultFile `json:"file,omitempty"`

	// Edit (a structuredPatch means the edit landed)
	FilePath        string `json:"filePath,omitempty"`
	StructuredPatch any    `json:"structuredPatch,omitempty"`

	// Glob
	NumFiles  int      `json:"numFiles,omitempty"`
	Filenames []string `json:"filenames,omitempty"`

	// Bash
	ExitCode *int   `json:"exitCode,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// toolResultField absorbs both shapes of tool_use_result. Exactly one of
// Text and Data is set after decoding.
type toolResultField struct {
	Text string
	Data *toolResultData
}

func (f *toolResultField) UnmarshalJSON(data []byte) error {
	// Error results arrive as a bare string, rich results as an object.
	var s string
	if json.Unmarshal(data, &s) == nil {
		f.Text = s
		return nil
	}

	obj := &toolResultData{}
	if err := json.Unmarshal(data, obj); err != nil {
		return err
	}
	f.Data = obj
	return nil
}

// toolResultFile is the file block inside a Read tool result.
type toolResultFile struct {
	FilePath   string `json:"filePath,omitempty"`
	NumLines   int    `json:"numLines,omitempty"`
	StartLine  int    `json:"startLine,omitempty"`
	TotalLines int    `json:"totalLines,omitempty"`
}

// cliEvent is the event payload of a stream_event message, present when
// --include-partial-messages is enabled. Type cycles through message_start,
// content_block_start, content_block_delta, content_block_stop,
// message_delta and message_stop.
type cliEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string       `json:"id,omitempty"`
		Model string       `json:"model,omitempty"`
		Usage *StreamUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type,omitempty"` // "text", "thinking", "tool_use"
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type,omitempty"` // "text_delta", "thinking_delta", "input_json_delta"
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *StreamUsage `json:"usage,omitempty"`
}

// parseStreamMessage parses one line from the agent CLI's stream-json output
// and returns zero or more Chunks representing the message content.
//
// Lines that are not valid stream-json are emitted as ChunkTypeRaw rather than
// dropped, so CLI warnings and stray output still reach the transcript. When
// partialStream is true, text and thinking content from "assistant" messages
// is skipped because it duplicates content already delivered via stream_event
// deltas.
func parseStreamMessage(line string, partialStream bool, log *slog.Logger) []Chunk {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// --verbose mode mixes plain informational lines into stdout.
	if !strings.HasPrefix(line, "{") {
		log.Debug("non-JSON line from agent CLI", "line", clipForLog(line))
		return []Chunk{{Type: ChunkTypeRaw, Content: line}}
	}

	var msg cliMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("stream line did not parse", "error", err, "line", clipForLog(line))
		return []Chunk{{Type: ChunkTypeRaw, Content: line}}
	}
	if msg.Type == "" {
		log.Warn("JSON line without a message type", "line", clipForLog(line))
		return []Chunk{{Type: ChunkTypeRaw, Content: line}}
	}

	var chunks []Chunk

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			log.Debug("session initialized", "sessionID", msg.SessionID, "model", msg.Model, "toolCount", len(msg.Tools))
			chunks = append(chunks, Chunk{
				Type: ChunkTypeSessionInit,
				Init: &SessionInit{
					SessionID:      msg.SessionID,
					Model:          msg.Model,
					Tools:          msg.Tools,
					WorkingDir:     msg.CWD,
					PermissionMode: msg.PermissionMode,
				},
			})
		} else {
			log.Debug("system message", "subtype", msg.Subtype)
		}

	case "stream_event":
		if msg.Event != nil {
			chunks = append(chunks, parseEvent(msg.Event, log)...)
		}

	case "assistant":
		for _, content := range msg.Message.Content {
			switch content.Type {
			case "text", "thinking":
				if partialStream {
					// Deltas already delivered this content incrementally.
					log.Debug("dropping assistant content covered by deltas", "blockType", content.Type)
					continue
				}
				body, kind := content.Text, ChunkTypeText
				if content.Type == "thinking" {
					body, kind = content.Thinking, ChunkTypeThinking
				}
				if body != "" {
					chunks = append(chunks, Chunk{
						Type:    kind,
						Content: body,
						Model:   msg.Message.Model,
					})
				}
			case "image":
				chunks = append(chunks, Chunk{
					Type:    ChunkTypeText,
					Content: "[Image]",
					Model:   msg.Message.Model,
				})
			case "tool_use":
				// TodoWrite carries the whole list as input; surface it as a
				// todo update instead of a generic tool call.
				if content.Name == "TodoWrite" {
					todos, err := ParseTodoWriteInput(content.Input)
					if err == nil {
						chunks = append(chunks, Chunk{Type: ChunkTypeTodoUpdate, TodoList: todos})
						log.Debug("todo list updated", "items", len(todos.Items))
						continue
					}
					// A malformed TodoWrite still shows up as a plain tool call.
					log.Warn("TodoWrite input did not parse", "error", err)
				}

				preview := toolInputPreview(content.Name, content.Input)
				chunks = append(chunks, Chunk{
					Type:         ChunkTypeToolUse,
					ToolName:     content.Name,
					ToolInput:    preview,
					ToolRawInput: content.Input,
					ToolUseID:    content.ID,
					Model:        msg.Message.Model,
				})
				log.Debug("tool call", "tool", content.Name, "id", content.ID, "input", preview)
			}
		}

	case "user":
		// In stream-json, user messages carry tool results back to the
		// agent. The tool use id field name varies across CLI versions.
		for _, content := range msg.Message.Content {
			id := content.ToolUseID
			if id == "" {
				id = content.ToolUseId
			}
			if content.Type != "tool_result" && id == "" {
				continue
			}

			text := flattenToolResultContent(content.Content)
			if text == "" && msg.ToolUseResult != nil {
				text = msg.ToolUseResult.Text
			}
			details := toolResultDetails(msg.ToolUseResult)

			log.Debug("tool result", "toolUseID", id, "isError", content.IsError, "rich", details != nil)
			chunks = append(chunks, Chunk{
				Type:       ChunkTypeToolResult,
				Content:    text,
				ToolUseID:  id,
				IsError:    content.IsError,
				ResultInfo: details,
			})
		}

	case "result":
		log.Debug("turn result", "subtype", msg.Subtype, "isError", msg.IsError, "numTurns", msg.NumTurns)
		errs := msg.Errors
		if msg.Error != "" {
			errs = append([]string{msg.Error}, errs...)
		}
		chunks = append(chunks, Chunk{
			Type: ChunkTypeResult,
			Result: &TurnResult{
				Subtype:           msg.Subtype,
				IsError:           msg.IsError,
				Result:            msg.Result,
				Errors:            errs,
				SessionID:         msg.SessionID,
				DurationMS:        msg.DurationMs,
				DurationAPIMS:     msg.DurationAPIMs,
				NumTurns:          msg.NumTurns,
				TotalCostUSD:      msg.TotalCostUSD,
				Usage:             msg.Usage,
				ModelUsage:        msg.ModelUsage,
				PermissionDenials: msg.PermissionDenials,
			},
		})

	default:
		log.Debug("unhandled stream message type", "type", msg.Type)
	}

	return chunks
}

// parseEvent turns a stream_event payload into chunks. Only content
// deltas produce output; the other lifecycle events are logged and dropped.
func parseEvent(event *cliEvent, log *slog.Logger) []Chunk {
	var chunks []Chunk

	switch event.Type {
	case "content_block_delta":
		if event.Delta == nil {
			break
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				chunks = append(chunks, Chunk{Type: ChunkTypeText, Content: event.Delta.Text})
			}
		case "thinking_delta":
			if event.Delta.Thinking != "" {
				chunks = append(chunks, Chunk{Type: ChunkTypeThinking, Content: event.Delta.Thinking})
			}
		case "input_json_delta":
			// Partial tool input. The assistant message repeats the complete
			// input, so nothing is emitted here.
		}

	case "content_block_start":
		if event.ContentBlock != nil {
			log.Debug("content block opened", "blockType", event.ContentBlock.Type, "name", event.ContentBlock.Name)
		}

	case "message_delta":
		stop := ""
		if event.Delta != nil {
			stop = event.Delta.StopReason
		}
		log.Debug("message delta", "stopReason", stop)

	default:
		// message_start, content_block_stop, message_stop carry nothing the
		// engine surfaces.
		log.Debug("stream lifecycle event", "eventType", event.Type, "index", event.Index)
	}

	return chunks
}

// flattenToolResultContent renders the content field of a tool_result block
// as plain text. The CLI sends either a bare string or an array of typed
// blocks; anything else is returned empty.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// inputPreview says which input field previews a tool call in transcripts
// and how to compress it.
type inputPreview struct {
	key   string // input field holding the interesting value
	base  bool   // reduce a path to its last component
	limit int    // truncation length, 0 for unlimited
}

var inputPreviews = map[string]inputPreview{
	"Bash":         {key: "command", limit: 40},
	"Edit":         {key: "file_path", base: true},
	"Glob":         {key: "pattern"},
	"Grep":         {key: "pattern", limit: 30},
	"NotebookEdit": {key: "notebook_path", base: true},
	"Read":         {key: "file_path", base: true},
	"Task":         {key: "description"},
	"WebFetch":     {key: "url", limit: 40},
	"WebSearch":    {key: "query"},
	"Write":        {key: "file_path", base: true},
}

// defaultPreviewLen caps previews for tools without their own limit.
const defaultPreviewLen = 40

// toolInputPreview extracts a brief, human-readable description
// from tool input using the inputPreviews table.
func toolInputPreview(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}

	if p, ok := inputPreviews[toolName]; ok {
		if value, ok := fields[p.key].(string); ok {
			if p.base {
				value = pathBase(value)
			}
			return clip(value, p.limit)
		}
	}

	// Unknown tool, or the expected field is absent: preview the first
	// string value instead.
	for _, v := range fields {
		if s, ok := v.(string); ok && s != "" {
			return clip(s, defaultPreviewLen)
		}
	}
	return ""
}

// clip caps s at maxLen characters, ellipsis included. Zero or
// negative maxLen means unlimited.
func clip(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen > 3 {
		return s[:maxLen-3] + "..."
	}
	return s[:maxLen]
}

// pathBase reduces a path to its last component.
func pathBase(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// clipForLog keeps log attributes readable when the CLI emits huge lines.
func clipForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// toolResultDetails pulls the structured details out of a decoded
// tool_use_result. A string-only result, or an object with nothing the
// engine displays, yields nil.
func toolResultDetails(field *toolResultField) *ToolResultInfo {
	if field == nil || field.Data == nil {
		return nil
	}
	d := field.Data

	var info ToolResultInfo
	populated := false

	if f := d.File; f != nil {
		info.FilePath = f.FilePath
		info.NumLines = f.NumLines
		info.StartLine = f.StartLine
		info.TotalLines = f.TotalLines
		populated = true
	}
	if d.StructuredPatch != nil {
		info.Edited = true
		info.FilePath = d.FilePath
		populated = true
	}
	switch {
	case d.NumFiles > 0:
		info.NumFiles = d.NumFiles
		populated = true
	case len(d.Filenames) > 0:
		info.NumFiles = len(d.Filenames)
		populated = true
	}
	if d.ExitCode != nil {
		info.ExitCode = d.ExitCode
		populated = true
	}

	if !populated {
		return nil
	}
	return &info
}
