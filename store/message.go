package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the message union.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeToolUse    MessageType = "tool_use"
	MessageTypeToolResult MessageType = "tool_result"
	MessageTypeError      MessageType = "error"
	MessageTypeSystem     MessageType = "system"
)

// TokenUsage is the usage snapshot attached to assistant and tool_use
// messages. Input plus the two cache counts is the current context-window
// occupancy; output tokens are the response, not context consumed.
type TokenUsage struct {
	InputTokens              int `json:"inputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
	OutputTokens             int `json:"outputTokens"`
}

// ContextTokens returns the tokens occupying the context window.
func (u TokenUsage) ContextTokens() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Message is one entry in a conversation transcript. Messages are
// append-only and ordered by arrival; only the currently streaming assistant
// message accumulates deltas before being persisted.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`

	// Assistant and tool_use messages carry the model and usage snapshot.
	Model string      `json:"model,omitempty"`
	Usage *TokenUsage `json:"usage,omitempty"`

	// Tool invocation fields. ToolUseID pairs a tool_result with its
	// originating tool_use.
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	// Turn summary fields, recorded on system messages when a terminal
	// result arrives.
	CostUSD       float64 `json:"costUSD,omitempty"`
	DurationMS    int64   `json:"durationMs,omitempty"`
	NumTurns      int     `json:"numTurns,omitempty"`
	ContextWindow int     `json:"contextWindow,omitempty"`
}

// NewUserMessage creates a user message with a fresh id and timestamp.
func NewUserMessage(conversationID, content string) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageTypeUser,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// NewAssistantMessage creates an assistant message carrying the model's
// usage snapshot.
func NewAssistantMessage(conversationID, content, model string, usage *TokenUsage) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageTypeAssistant,
		Content:        content,
		Timestamp:      time.Now(),
		Model:          model,
		Usage:          usage,
	}
}

// NewToolUseMessage creates a tool_use message. The toolUseID comes from the
// agent stream and later pairs the matching tool_result.
func NewToolUseMessage(conversationID, toolName string, toolInput json.RawMessage, toolUseID string) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageTypeToolUse,
		Timestamp:      time.Now(),
		ToolName:       toolName,
		ToolInput:      toolInput,
		ToolUseID:      toolUseID,
	}
}

// NewToolResultMessage creates a tool_result message referencing a prior
// tool_use.
func NewToolResultMessage(conversationID, toolUseID, content string, isError bool) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageTypeToolResult,
		Content:        content,
		Timestamp:      time.Now(),
		ToolUseID:      toolUseID,
		IsError:        isError,
	}
}

// NewErrorMessage creates an error message shown in the transcript.
func NewErrorMessage(conversationID, content string) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageTypeError,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(conversationID, content string) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           MessageTypeSystem,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// HasMatchingToolUse reports whether messages contains a tool_use whose id
// matches toolUseID. A tool_result failing this check is displayed unpaired
// rather than rejected.
func HasMatchingToolUse(messages []Message, toolUseID string) bool {
	if toolUseID == "" {
		return false
	}
	for i := range messages {
		if messages[i].Type == MessageTypeToolUse && messages[i].ToolUseID == toolUseID {
			return true
		}
	}
	return false
}

// UnpairedToolUses returns the ids of tool_use messages that have no
// matching tool_result yet.
func UnpairedToolUses(messages []Message) []string {
	resolved := make(map[string]bool)
	for i := range messages {
		if messages[i].Type == MessageTypeToolResult && messages[i].ToolUseID != "" {
			resolved[messages[i].ToolUseID] = true
		}
	}

	var unpaired []string
	for i := range messages {
		if messages[i].Type == MessageTypeToolUse && !resolved[messages[i].ToolUseID] {
			unpaired = append(unpaired, messages[i].ToolUseID)
		}
	}
	return unpaired
}
