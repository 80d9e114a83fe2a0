package engine

import (
	"sync"
	"time"

	"github.com/chorushq/chorus-core/agent"
	"github.com/chorushq/chorus-core/permission"
)

// ConversationState holds all per-conversation runtime state in one place,
// so nothing about a live turn lives in module-level globals.
//
// Thread Safety:
// ConversationState has an internal mutex protecting its fields. Use the
// accessor methods for single fields; use WithLock for operations that need
// several fields read or written atomically. The StateManager's mutex
// protects the map of states, while each state's mutex protects its own
// fields.
type ConversationState struct {
	mu sync.Mutex // Protects all fields below

	// Pending tool approval surfaced to the shell, nil when none
	PendingPermission *permission.Request

	// In-flight turn streaming state
	StreamingContent   string
	StreamingStartTime time.Time
	IsWaiting          bool

	// Policy resolved at Send time, read by the approval router mid-turn
	TurnMode         permission.Mode
	TurnAllowedTools []string

	// Current todo list from the agent's TodoWrite calls
	CurrentTodoList *agent.TodoList

	// StopRequested marks an explicit stop, so end-of-turn handling commits
	// with the stop type and reports ready instead of an error
	StopRequested bool
}

// WithLock executes fn while holding the state lock. Use this for reads or
// writes that span multiple fields.
func (s *ConversationState) WithLock(fn func(*ConversationState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// GetPendingPermission returns a copy of the pending request, or nil.
func (s *ConversationState) GetPendingPermission() *permission.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PendingPermission == nil {
		return nil
	}
	req := *s.PendingPermission
	return &req
}

// SetPendingPermission records the pending request. Pass nil to clear.
func (s *ConversationState) SetPendingPermission(req *permission.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingPermission = req
}

// GetStreamingContent returns the accumulated in-flight assistant text.
func (s *ConversationState) GetStreamingContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamingContent
}

// AppendStreamingContent appends a delta to the in-flight assistant text.
func (s *ConversationState) AppendStreamingContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StreamingContent += content
}

// TakeStreamingContent returns the accumulated text and clears it.
func (s *ConversationState) TakeStreamingContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	content := s.StreamingContent
	s.StreamingContent = ""
	return content
}

// BeginTurn resets the streaming state for a new turn.
func (s *ConversationState) BeginTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StreamingContent = ""
	s.StreamingStartTime = time.Now()
	s.IsWaiting = true
	s.StopRequested = false
}

// EndTurn clears the waiting flag once the turn's process has exited.
func (s *ConversationState) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsWaiting = false
	s.StreamingContent = ""
}

// GetIsWaiting reports whether a turn is in flight.
func (s *ConversationState) GetIsWaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IsWaiting
}

// SetTurnPolicy records the permission mode and allowed tools resolved for
// the current turn.
func (s *ConversationState) SetTurnPolicy(mode permission.Mode, allowedTools []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TurnMode = mode
	s.TurnAllowedTools = allowedTools
}

// TurnPolicy returns the permission mode and allowed tools for the current
// turn.
func (s *ConversationState) TurnPolicy() (permission.Mode, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TurnMode, s.TurnAllowedTools
}

// GetCurrentTodoList returns a copy of the current todo list, or nil.
func (s *ConversationState) GetCurrentTodoList() *agent.TodoList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTodoList(s.CurrentTodoList)
}

// SetCurrentTodoList replaces the current todo list.
func (s *ConversationState) SetCurrentTodoList(list *agent.TodoList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentTodoList = copyTodoList(list)
}

// MarkStopRequested flags the in-flight turn as explicitly stopped.
func (s *ConversationState) MarkStopRequested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopRequested = true
}

// GetStopRequested reports whether the in-flight turn was explicitly
// stopped.
func (s *ConversationState) GetStopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopRequested
}

func copyTodoList(list *agent.TodoList) *agent.TodoList {
	if list == nil {
		return nil
	}
	items := make([]agent.TodoItem, len(list.Items))
	copy(items, list.Items)
	return &agent.TodoList{Items: items}
}

// StateManager tracks per-conversation runtime state. States are created on
// demand and removed when their conversation is deleted.
type StateManager struct {
	mu     sync.RWMutex
	states map[string]*ConversationState
}

// NewStateManager creates an empty state manager.
func NewStateManager() *StateManager {
	return &StateManager{
		states: make(map[string]*ConversationState),
	}
}

// GetOrCreate returns the state for a conversation, creating it if needed.
// Safe for concurrent use; double-checks under the write lock so two
// callers never race a duplicate into the map.
func (m *StateManager) GetOrCreate(conversationID string) *ConversationState {
	m.mu.RLock()
	if state, ok := m.states[conversationID]; ok {
		m.mu.RUnlock()
		return state
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[conversationID]; ok {
		return state
	}
	state := &ConversationState{}
	m.states[conversationID] = state
	return state
}

// GetIfExists returns the state for a conversation, or nil.
func (m *StateManager) GetIfExists(conversationID string) *ConversationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[conversationID]
}

// Delete removes a conversation's state.
func (m *StateManager) Delete(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, conversationID)
}
