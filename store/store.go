// Package store persists conversations and their transcripts. The index of
// conversations lives in a single JSON file; each conversation's messages
// live in their own file keyed by conversation id. Workspace-level defaults
// live inside the workspace at .chorus/workspace-settings.json.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chorushq/chorus-core/paths"
)

// ErrConversationNotFound is returned when an operation references a
// conversation the index does not hold.
var ErrConversationNotFound = errors.New("conversation not found")

// Store holds the conversation index.
type Store struct {
	Conversations []Conversation `json:"conversations"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the conversation index from disk, or creates an empty one if
// the file doesn't exist.
func Load() (*Store, error) {
	path, err := paths.ConversationsFilePath()
	if err != nil {
		return nil, err
	}

	s := &Store{
		Conversations: []Conversation{},
		filePath:      path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	s.ensureInitialized()

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// ensureInitialized makes sure slices are non-nil after unmarshaling.
// Only called from Load before the store is shared across goroutines.
func (s *Store) ensureInitialized() {
	if s.Conversations == nil {
		s.Conversations = []Conversation{}
	}
}

// Validate checks that the index is internally consistent.
func (s *Store) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, conv := range s.Conversations {
		if conv.ID == "" {
			return fmt.Errorf("conversation with empty id found")
		}
		if seen[conv.ID] {
			return fmt.Errorf("duplicate conversation id: %s", conv.ID)
		}
		seen[conv.ID] = true

		if conv.WorkspaceID == "" {
			return fmt.Errorf("conversation %s has empty workspace id", conv.ID)
		}
		if conv.AgentID == "" {
			return fmt.Errorf("conversation %s has empty agent id", conv.ID)
		}
	}

	return nil
}

// Save writes the index to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.filePath, data, 0644)
}

// SetFilePath sets the index file path (for testing).
func (s *Store) SetFilePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filePath = path
}

// Add appends a conversation to the index.
func (s *Store) Add(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Conversations = append(s.Conversations, conv)
}

// Get returns a copy of a conversation by id, or nil if it doesn't exist.
func (s *Store) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			conv := s.Conversations[i] // copy
			return &conv
		}
	}
	return nil
}

// List returns a copy of all conversations.
func (s *Store) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversations := make([]Conversation, len(s.Conversations))
	copy(conversations, s.Conversations)
	return conversations
}

// ListFiltered returns conversations matching the workspace and agent.
// Empty filter values match everything.
func (s *Store) ListFiltered(workspaceID, agentID string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Conversation
	for _, conv := range s.Conversations {
		if workspaceID != "" && conv.WorkspaceID != workspaceID {
			continue
		}
		if agentID != "" && conv.AgentID != agentID {
			continue
		}
		matched = append(matched, conv)
	}
	return matched
}

// ConversationsOnBranch returns all conversations in a workspace whose
// automation branch matches branchName. Cascade deletion uses this to find
// dependents sharing a branch.
func (s *Store) ConversationsOnBranch(workspaceID, branchName string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if branchName == "" {
		return nil
	}

	var matched []Conversation
	for _, conv := range s.Conversations {
		if conv.WorkspaceID == workspaceID && conv.BranchName == branchName {
			matched = append(matched, conv)
		}
	}
	return matched
}

// Remove removes a conversation by id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, conv := range s.Conversations {
		if conv.ID == id {
			s.Conversations = append(s.Conversations[:i], s.Conversations[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveMany removes multiple conversations by id. Returns the count
// removed.
func (s *Store) RemoveMany(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	removed := 0
	remaining := make([]Conversation, 0, len(s.Conversations))
	for _, conv := range s.Conversations {
		if idSet[conv.ID] {
			removed++
		} else {
			remaining = append(remaining, conv)
		}
	}
	s.Conversations = remaining
	return removed
}

// Rename updates a conversation's title.
func (s *Store) Rename(id, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			s.Conversations[i].Title = title
			s.Conversations[i].UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// SetSession records the session id observed from an agent's init event.
// Only the process supervisor calls this, never the UI.
func (s *Store) SetSession(id, sessionID string, createdAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			s.Conversations[i].SessionID = sessionID
			s.Conversations[i].SessionCreatedAt = &createdAt
			return true
		}
	}
	return false
}

// ClearSession drops a conversation's session so the next turn starts fresh.
func (s *Store) ClearSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			s.Conversations[i].SessionID = ""
			s.Conversations[i].SessionCreatedAt = nil
			return true
		}
	}
	return false
}

// SetBranch records the automation branch and worktree owned by a
// conversation.
func (s *Store) SetBranch(id, branchName, worktreePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			s.Conversations[i].BranchName = branchName
			s.Conversations[i].WorktreePath = worktreePath
			return true
		}
	}
	return false
}

// UpdateSettings replaces a conversation's settings overrides.
func (s *Store) UpdateSettings(id string, settings Settings) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			s.Conversations[i].Settings = settings
			s.Conversations[i].UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// MarkMessagesAppended bumps the message count and touches updatedAt.
// Callers never set those fields directly.
func (s *Store) MarkMessagesAppended(id string, count int, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			s.Conversations[i].MessageCount += count
			s.Conversations[i].UpdatedAt = at
			return true
		}
	}
	return false
}

// Count returns the number of conversations in the index.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Conversations)
}
