package store

import (
	"time"

	"github.com/google/uuid"
)

// Settings holds per-conversation overrides. Empty fields fall back to the
// workspace defaults, then to hard-coded defaults.
type Settings struct {
	PermissionMode string   `json:"permissionMode,omitempty"`
	AllowedTools   []string `json:"allowedTools,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Conversation is the persistent UI-facing thread. It maps to zero-or-one
// live agent session and zero-or-one automation branch at a time.
type Conversation struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId,omitempty"`
	SessionCreatedAt *time.Time `json:"sessionCreatedAt,omitempty"`
	AgentID          string     `json:"agentId"`
	WorkspaceID      string     `json:"workspaceId"`
	BranchName       string     `json:"branchName,omitempty"`
	WorktreePath     string     `json:"worktreePath,omitempty"`
	Title            string     `json:"title"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	MessageCount     int        `json:"messageCount"`
	Settings         Settings   `json:"settings"`
}

// NewConversation creates a conversation with a fresh id and timestamps.
func NewConversation(workspaceID, agentID, title string) Conversation {
	if title == "" {
		title = "New Conversation"
	}
	now := time.Now()
	return Conversation{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasSession reports whether the conversation holds a resumable session id.
func (c *Conversation) HasSession() bool {
	return c.SessionID != ""
}

// HasBranch reports whether Git automation owns a branch for this
// conversation.
func (c *Conversation) HasBranch() bool {
	return c.BranchName != ""
}

// HasWorktree reports whether the conversation runs in an isolated worktree.
func (c *Conversation) HasWorktree() bool {
	return c.WorktreePath != ""
}
