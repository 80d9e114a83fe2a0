package agent

import (
	"encoding/json"
	"fmt"
	"slices"
)

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
)

// TodoItem is one task from a TodoWrite call.
type TodoItem struct {
	Content    string     `json:"content"` // imperative form, e.g. "Run tests"
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"activeForm"` // present participle, e.g. "Running tests"
}

// TodoList is the task list the agent maintains during a turn.
type TodoList struct {
	Items []TodoItem
}

// ParseTodoWriteInput parses the raw JSON input from a TodoWrite tool call.
// Each TodoWrite carries the full list, so the latest call replaces any
// previous list for the conversation.
func ParseTodoWriteInput(input json.RawMessage) (*TodoList, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("no input")
	}

	var call struct {
		Todos []TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(input, &call); err != nil {
		return nil, fmt.Errorf("decode TodoWrite input: %w", err)
	}
	if len(call.Todos) == 0 {
		return nil, fmt.Errorf("TodoWrite call carried no todos")
	}

	return &TodoList{Items: call.Todos}, nil
}

// HasItems reports whether the list has any items. Safe on a nil list.
func (t *TodoList) HasItems() bool {
	return t != nil && len(t.Items) > 0
}

// ActiveItem returns the first in-progress item, or nil when nothing is
// currently being worked on.
func (t *TodoList) ActiveItem() *TodoItem {
	if t == nil {
		return nil
	}
	for i := range t.Items {
		if t.Items[i].Status == TodoStatusInProgress {
			return &t.Items[i]
		}
	}
	return nil
}

// CountByStatus returns the count of items with each status.
func (t *TodoList) CountByStatus() (pending, inProgress, completed int) {
	if t == nil {
		return
	}
	for _, item := range t.Items {
		switch item.Status {
		case TodoStatusCompleted:
			completed++
		case TodoStatusInProgress:
			inProgress++
		case TodoStatusPending:
			pending++
		}
	}
	return
}

// IsComplete reports whether every item is completed. An empty list does not
// count as complete.
func (t *TodoList) IsComplete() bool {
	if !t.HasItems() {
		return false
	}
	return !slices.ContainsFunc(t.Items, func(item TodoItem) bool {
		return item.Status != TodoStatusCompleted
	})
}

// Progress returns a short "completed/total" summary like "2/5".
func (t *TodoList) Progress() string {
	if !t.HasItems() {
		return "0/0"
	}
	_, _, completed := t.CountByStatus()
	return fmt.Sprintf("%d/%d", completed, len(t.Items))
}
