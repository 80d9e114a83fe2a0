package engine

import (
	"github.com/chorushq/chorus-core/agent"
	"github.com/chorushq/chorus-core/git"
	"github.com/chorushq/chorus-core/permission"
	"github.com/chorushq/chorus-core/store"
)

// EventKind discriminates engine events.
type EventKind string

const (
	// EventStreamDelta carries an incremental piece of in-flight assistant
	// text for a conversation.
	EventStreamDelta EventKind = "stream-delta"

	// EventStreamClear tells subscribers to discard accumulated deltas; the
	// finished message follows as an EventMessage.
	EventStreamClear EventKind = "stream-clear"

	// EventMessage carries a transcript message that was just persisted.
	EventMessage EventKind = "message"

	// EventStatus reports the conversation's runtime status.
	EventStatus EventKind = "status"

	// EventSessionUpdate reports that the conversation's agent session id
	// was confirmed or replaced by an observed init event.
	EventSessionUpdate EventKind = "session-update"

	// EventPermissionRequest surfaces a tool approval waiting for a
	// decision.
	EventPermissionRequest EventKind = "permission-request"

	// EventFileChanged reports files changed in the working copy after a
	// turn.
	EventFileChanged EventKind = "file-changed"

	// EventTodoUpdate carries the agent's current todo list.
	EventTodoUpdate EventKind = "todo-update"

	// EventBranchCreated reports an automation branch, and worktree when
	// one was made.
	EventBranchCreated EventKind = "branch-created"

	// EventCommitCreated reports an automatic commit.
	EventCommitCreated EventKind = "commit-created"

	// EventConversationsDeleted reports conversations removed from the
	// store, including every conversation taken out by a branch cascade.
	EventConversationsDeleted EventKind = "conversations-deleted"
)

// Status is a conversation's runtime status as reported by EventStatus.
type Status string

const (
	StatusReady Status = "ready"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// Deletion reasons carried by EventConversationsDeleted.
const (
	ReasonDeleted       = "deleted"
	ReasonBranchDeleted = "branch-deleted"
)

// Event is one notification on the engine's event surface. Kind selects
// which payload fields are set; ConversationID is set on every kind except
// EventConversationsDeleted, which lists the affected ids instead.
type Event struct {
	Kind           EventKind
	ConversationID string

	Delta        string              // Text delta (for stream-delta)
	Message      *store.Message      // Persisted message (for message)
	Status       Status              // Runtime status (for status)
	ErrorDetail  string              // What failed, when Status is error
	SessionID    string              // New session id (for session-update)
	Permission   *permission.Request // Pending approval (for permission-request)
	Files        []string            // Changed files (for file-changed)
	Todos        *agent.TodoList     // Current todo list (for todo-update)
	Branch       string              // Branch name (for branch-created)
	WorktreePath string              // Worktree path, when one was created
	Commit       *git.Commit         // Commit details (for commit-created)
	DeletedIDs   []string            // Removed conversations (for conversations-deleted)
	Reason       string              // Why they were removed
}
