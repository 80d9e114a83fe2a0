package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/chorushq/chorus-core/paths"
)

const (
	// MaxMessageLines caps the transcript content kept per conversation.
	// Older messages are trimmed from the front when the cap is exceeded.
	MaxMessageLines = 10000
)

// transcriptPath resolves the on-disk transcript file for a conversation.
func transcriptPath(conversationID string) (string, error) {
	dir, err := paths.ConversationsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, conversationID+".json"), nil
}

// transcriptIDs lists the conversation ids that have a transcript on disk.
// A missing conversations directory reads as no transcripts.
func transcriptIDs() ([]string, error) {
	dir, err := paths.ConversationsDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// SaveMessages writes a conversation's transcript to its own file, keeping
// roughly the last maxLines lines of content. Pass maxLines <= 0 to keep
// everything.
func SaveMessages(conversationID string, messages []Message, maxLines int) error {
	path, err := transcriptPath(conversationID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if len(messages) > 0 && maxLines > 0 {
		messages = trimMessages(messages, maxLines)
	}

	payload, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0644)
}

// trimMessages keeps the newest messages totalling approximately maxLines of
// content. The newest message always survives, even when it is over the cap
// by itself. Leading tool_result messages whose tool_use fell off the front
// are dropped as well so the kept transcript starts cleanly.
func trimMessages(messages []Message, maxLines int) []Message {
	budget := maxLines
	n := 0
	for n < len(messages) {
		cost := countLines(messages[len(messages)-1-n].Content)
		if cost > budget && n > 0 {
			break
		}
		budget -= cost
		n++
	}
	kept := messages[len(messages)-n:]

	for len(kept) > 0 && kept[0].Type == MessageTypeToolResult &&
		!HasMatchingToolUse(kept, kept[0].ToolUseID) {
		kept = kept[1:]
	}
	return kept
}

// LoadMessages reads a conversation's transcript. A missing file yields an
// empty transcript, not an error.
func LoadMessages(conversationID string) ([]Message, error) {
	path, err := transcriptPath(conversationID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// DeleteMessages removes a conversation's transcript file.
func DeleteMessages(conversationID string) error {
	path, err := transcriptPath(conversationID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ClearAllMessages deletes every transcript file. Returns the number of
// files deleted.
func ClearAllMessages() (int, error) {
	ids, err := transcriptIDs()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if DeleteMessages(id) == nil {
			deleted++
		}
	}
	return deleted, nil
}

// FindOrphanedMessages returns the ids of transcript files that have no
// matching conversation in the index.
func FindOrphanedMessages(s *Store) ([]string, error) {
	ids, err := transcriptIDs()
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, conv := range s.List() {
		known[conv.ID] = true
	}

	orphans := []string{}
	for _, id := range ids {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// PruneOrphanedMessages deletes transcript files with no matching
// conversation. Returns the number of files deleted.
func PruneOrphanedMessages(s *Store) (int, error) {
	orphans, err := FindOrphanedMessages(s)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range orphans {
		if DeleteMessages(id) == nil {
			deleted++
		}
	}
	return deleted, nil
}

// FormatTranscript renders messages as a plain text transcript. Tool calls
// show the tool name; tool results and system messages show their content.
func FormatTranscript(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.Type {
		case MessageTypeUser:
			parts = append(parts, "User:\n"+msg.Content)
		case MessageTypeAssistant:
			parts = append(parts, "Assistant:\n"+msg.Content)
		case MessageTypeToolUse:
			parts = append(parts, "Tool: "+msg.ToolName)
		case MessageTypeToolResult:
			parts = append(parts, "Tool result:\n"+msg.Content)
		default:
			parts = append(parts, string(msg.Type)+":\n"+msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// countLines counts the number of lines in a string. The empty string has
// no lines.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
