package engine

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chorushq/chorus-core/agent"
	pexec "github.com/chorushq/chorus-core/exec"
	"github.com/chorushq/chorus-core/git"
	"github.com/chorushq/chorus-core/logger"
	"github.com/chorushq/chorus-core/mcp"
	"github.com/chorushq/chorus-core/paths"
	"github.com/chorushq/chorus-core/permission"
	"github.com/chorushq/chorus-core/store"
	"github.com/chorushq/chorus-core/usage"
)

var ctx = context.Background()

// setupTest points paths and the logger at a throwaway home directory so
// tests never touch the real one.
func setupTest(t *testing.T) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	logger.Reset()
	t.Cleanup(func() {
		logger.Close()
		logger.Reset()
		paths.Reset()
	})
}

// newTestEngine builds an engine over a fresh store, a git service backed
// by a mock executor, and the built-in agent registry.
func newTestEngine(t *testing.T) (*Engine, *pexec.MockExecutor) {
	t.Helper()
	setupTest(t)

	st, err := store.Load()
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	mock := pexec.NewMockExecutor(nil)
	eng := New(st, git.NewGitServiceWithExecutor(mock), agent.DefaultRegistry())
	t.Cleanup(eng.Shutdown)
	return eng, mock
}

// installRunner routes runner creation to MockRunners preloaded with the
// given chunks. The returned getter yields the most recently created one.
func installRunner(eng *Engine, chunks ...agent.Chunk) func() *agent.MockRunner {
	var (
		mu     sync.Mutex
		runner *agent.MockRunner
	)
	eng.SetRunnerFactory(func(conversationID string, def agent.Definition) agent.RunnerInterface {
		mu.Lock()
		defer mu.Unlock()
		runner = agent.NewMockRunner(conversationID)
		runner.QueueChunks(chunks...)
		return runner
	})
	return func() *agent.MockRunner {
		mu.Lock()
		defer mu.Unlock()
		return runner
	}
}

// collectUntil drains events until pred matches, returning everything seen
// including the matching event.
func collectUntil(t *testing.T, events <-chan Event, pred func(Event) bool) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed after %d events", len(got))
			}
			got = append(got, ev)
			if pred(ev) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event, saw %d", len(got))
		}
	}
}

func untilStatus(status Status) func(Event) bool {
	return func(ev Event) bool { return ev.Kind == EventStatus && ev.Status == status }
}

func findEvent(events []Event, kind EventKind) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func textChunk(content string) agent.Chunk {
	return agent.Chunk{Type: agent.ChunkTypeText, Content: content}
}

func resultChunk(subtype string) agent.Chunk {
	return agent.Chunk{Type: agent.ChunkTypeResult, Result: &agent.TurnResult{Subtype: subtype, NumTurns: 1}}
}

func doneChunk() agent.Chunk {
	return agent.Chunk{Done: true}
}

func TestCreateConversation(t *testing.T) {
	eng, _ := newTestEngine(t)

	conv, err := eng.CreateConversation("/work/acme", "", "Fix login")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.AgentID != agent.DefaultAgentID {
		t.Errorf("AgentID = %q, want default agent", conv.AgentID)
	}
	if conv.Title != "Fix login" {
		t.Errorf("Title = %q", conv.Title)
	}

	list := eng.ListConversations("/work/acme", "")
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Errorf("ListConversations = %+v, want the created conversation", list)
	}
	if got := eng.ListConversations("/work/other", ""); len(got) != 0 {
		t.Errorf("expected no conversations for other workspace, got %d", len(got))
	}
}

func TestCreateConversation_UnknownAgent(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.CreateConversation("/work/acme", "no-such-agent", ""); err == nil {
		t.Error("expected error for unknown agent id")
	}
}

func TestRenameConversation(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "Old")

	if err := eng.RenameConversation(conv.ID, "New title"); err != nil {
		t.Fatalf("RenameConversation: %v", err)
	}
	stored, _, err := eng.LoadConversation(conv.ID)
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if stored.Title != "New title" {
		t.Errorf("Title = %q, want New title", stored.Title)
	}

	if err := eng.RenameConversation("nope", "x"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("rename unknown = %v, want ErrConversationNotFound", err)
	}
}

func TestUpdateConversationSettings(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	settings := store.Settings{PermissionMode: "acceptEdits", AllowedTools: []string{"Read"}, Model: "claude-opus-4-5"}
	if err := eng.UpdateConversationSettings(conv.ID, settings); err != nil {
		t.Fatalf("UpdateConversationSettings: %v", err)
	}
	stored, _, _ := eng.LoadConversation(conv.ID)
	if stored.Settings.PermissionMode != "acceptEdits" || stored.Settings.Model != "claude-opus-4-5" {
		t.Errorf("Settings = %+v", stored.Settings)
	}

	if err := eng.UpdateConversationSettings("nope", settings); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("update unknown = %v, want ErrConversationNotFound", err)
	}
}

func TestClearSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")
	eng.store.SetSession(conv.ID, "sess-1", time.Now())

	if err := eng.ClearSession(conv.ID); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	stored, _, _ := eng.LoadConversation(conv.ID)
	if stored.HasSession() {
		t.Errorf("session survived clear: %q", stored.SessionID)
	}
}

func TestSend_StreamsTextIntoTranscript(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	getRunner := installRunner(eng,
		agent.Chunk{Type: agent.ChunkTypeText, Content: "Hel", Model: "claude-opus-4-5"},
		textChunk("lo"),
		agent.Chunk{Type: agent.ChunkTypeResult, Result: &agent.TurnResult{
			Subtype:      "success",
			NumTurns:     1,
			TotalCostUSD: 0.01,
			DurationMS:   1200,
			Usage:        &agent.StreamUsage{InputTokens: 90, CacheReadInputTokens: 10, OutputTokens: 25},
		}},
		doneChunk(),
	)
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "say hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collectUntil(t, events, untilStatus(StatusReady))

	// The user message is announced before the turn starts.
	if got[0].Kind != EventMessage || got[0].Message.Type != store.MessageTypeUser {
		t.Fatalf("first event = %s, want the user message", got[0].Kind)
	}
	if got[1].Kind != EventStatus || got[1].Status != StatusBusy {
		t.Fatalf("second event = %s %s, want status busy", got[1].Kind, got[1].Status)
	}

	var deltas strings.Builder
	for _, ev := range got {
		if ev.Kind == EventStreamDelta {
			deltas.WriteString(ev.Delta)
		}
	}
	if deltas.String() != "Hello" {
		t.Errorf("accumulated deltas = %q, want Hello", deltas.String())
	}
	if _, ok := findEvent(got, EventStreamClear); !ok {
		t.Error("expected stream-clear before the persisted assistant message")
	}

	_, messages, err := eng.LoadConversation(conv.ID)
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("transcript length = %d, want user+assistant+summary", len(messages))
	}
	if messages[0].Type != store.MessageTypeUser || messages[0].Content != "say hello" {
		t.Errorf("messages[0] = %s %q", messages[0].Type, messages[0].Content)
	}
	if messages[1].Type != store.MessageTypeAssistant || messages[1].Content != "Hello" {
		t.Errorf("messages[1] = %s %q, want assistant Hello", messages[1].Type, messages[1].Content)
	}
	if messages[1].Model != "claude-opus-4-5" {
		t.Errorf("assistant model = %q", messages[1].Model)
	}
	if messages[1].Usage == nil || messages[1].Usage.InputTokens != 90 {
		t.Errorf("assistant usage = %+v, want the turn's usage attached", messages[1].Usage)
	}
	if messages[2].Type != store.MessageTypeSystem {
		t.Errorf("messages[2] = %s, want the turn summary", messages[2].Type)
	}
	if messages[2].CostUSD != 0.01 || messages[2].DurationMS != 1200 || messages[2].NumTurns != 1 {
		t.Errorf("summary = cost %v duration %d turns %d", messages[2].CostUSD, messages[2].DurationMS, messages[2].NumTurns)
	}

	sends := getRunner().Sends()
	if len(sends) != 1 {
		t.Fatalf("Sends = %d, want 1", len(sends))
	}
	if sends[0].Prompt != "say hello" {
		t.Errorf("Prompt = %q", sends[0].Prompt)
	}
	if sends[0].SessionID == "" {
		t.Error("expected a generated session id")
	}
	if sends[0].SessionStarted {
		t.Error("first turn must not resume a session")
	}
	if sends[0].PermissionMode != "default" {
		t.Errorf("PermissionMode = %q, want default", sends[0].PermissionMode)
	}
	if len(sends[0].AllowedTools) == 0 {
		t.Error("expected the built-in allowed tools as fallback")
	}
}

func TestSend_SessionInitAndResume(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	getRunner := installRunner(eng,
		agent.Chunk{Type: agent.ChunkTypeSessionInit, Init: &agent.SessionInit{SessionID: "sess-abc", Model: "claude-opus-4-5"}},
		resultChunk("success"),
		doneChunk(),
	)
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collectUntil(t, events, untilStatus(StatusReady))

	update, ok := findEvent(got, EventSessionUpdate)
	if !ok || update.SessionID != "sess-abc" {
		t.Fatalf("session-update = %+v, want sess-abc", update)
	}

	stored, _, _ := eng.LoadConversation(conv.ID)
	if stored.SessionID != "sess-abc" {
		t.Errorf("SessionID = %q, want sess-abc", stored.SessionID)
	}
	if stored.SessionCreatedAt == nil {
		t.Error("expected SessionCreatedAt set")
	}

	// The next turn resumes the established session.
	runner := getRunner()
	runner.QueueChunks(resultChunk("success"), doneChunk())
	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "again"}); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	collectUntil(t, events, untilStatus(StatusReady))

	sends := runner.Sends()
	if len(sends) != 2 {
		t.Fatalf("Sends = %d, want 2", len(sends))
	}
	if sends[1].SessionID != "sess-abc" || !sends[1].SessionStarted {
		t.Errorf("resume = %q started=%v, want sess-abc resumed", sends[1].SessionID, sends[1].SessionStarted)
	}
}

func TestSend_UnknownConversation(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.Send(ctx, SendRequest{ConversationID: "nope", Message: "hi"})
	if !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("Send = %v, want ErrConversationNotFound", err)
	}
}

func TestSend_SpawnFailure(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	eng.SetRunnerFactory(func(id string, def agent.Definition) agent.RunnerInterface {
		r := agent.NewMockRunner(id)
		r.Stop()
		return r
	})
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "hi"}); err == nil {
		t.Fatal("expected spawn error")
	}

	got := collectUntil(t, events, func(ev Event) bool { return ev.Kind == EventStatus })
	last := got[len(got)-1]
	if last.Status != StatusError || last.ErrorDetail == "" {
		t.Errorf("status = %s %q, want error with detail", last.Status, last.ErrorDetail)
	}

	// The user message was persisted before the spawn attempt.
	_, messages, _ := eng.LoadConversation(conv.ID)
	if len(messages) != 1 || messages[0].Type != store.MessageTypeUser {
		t.Errorf("transcript = %d messages, want just the user message", len(messages))
	}
}

func TestSend_AutoBranchAndCommit(t *testing.T) {
	eng, mock := newTestEngine(t)

	repo := t.TempDir()
	ws := &store.WorkspaceSettings{Git: &store.GitSettings{AutoBranch: true, AutoCommit: true}}
	if err := ws.Save(repo); err != nil {
		t.Fatalf("save workspace settings: %v", err)
	}
	conv, _ := eng.CreateConversation(repo, "", "")

	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "--quiet", "refs/heads/main"}, pexec.MockResponse{Stdout: []byte("9f2c1e8\n")})
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, pexec.MockResponse{Stdout: []byte(" M main.go\n")})
	mock.AddExactMatch("git", []string{"rev-parse", "HEAD"}, pexec.MockResponse{Stdout: []byte("deadbeef\n")})

	getRunner := installRunner(eng, textChunk("done"), resultChunk("success"), doneChunk())
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "fix the bug", RepoPath: repo}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collectUntil(t, events, untilStatus(StatusReady))

	stored, _, _ := eng.LoadConversation(conv.ID)
	sessionID := getRunner().Sends()[0].SessionID
	wantBranch := "agent/chorus/" + sessionID
	if stored.BranchName != wantBranch {
		t.Errorf("BranchName = %q, want %q", stored.BranchName, wantBranch)
	}
	if stored.WorktreePath != "" {
		t.Errorf("WorktreePath = %q, want none without useWorktrees", stored.WorktreePath)
	}

	branchEv, ok := findEvent(got, EventBranchCreated)
	if !ok || branchEv.Branch != wantBranch {
		t.Errorf("branch-created = %+v, want branch %q", branchEv, wantBranch)
	}

	commitEv, ok := findEvent(got, EventCommitCreated)
	if !ok {
		t.Fatal("expected commit-created event")
	}
	if commitEv.Commit.Hash != "deadbeef" || commitEv.Commit.Type != git.CommitTypeTurn {
		t.Errorf("commit = %+v", commitEv.Commit)
	}
	if commitEv.Commit.Message != "fix the bug" {
		t.Errorf("commit message = %q, want the prompt", commitEv.Commit.Message)
	}
	if len(commitEv.Commit.Files) != 1 || commitEv.Commit.Files[0] != "main.go" {
		t.Errorf("commit files = %v", commitEv.Commit.Files)
	}
	if fileEv, ok := findEvent(got, EventFileChanged); !ok || len(fileEv.Files) != 1 {
		t.Errorf("file-changed = %+v", fileEv)
	}

	var sawCheckout bool
	for _, call := range mock.GetCalls() {
		if call.Name == "git" && len(call.Args) == 4 && call.Args[0] == "checkout" && call.Args[1] == "-b" {
			sawCheckout = true
			if call.Args[2] != wantBranch || call.Args[3] != "main" {
				t.Errorf("checkout -b args = %v", call.Args)
			}
			if call.Dir != repo {
				t.Errorf("checkout ran in %q, want %q", call.Dir, repo)
			}
		}
	}
	if !sawCheckout {
		t.Error("expected checkout -b for the session branch")
	}
}

func TestSend_AutoBranchWithWorktree(t *testing.T) {
	eng, mock := newTestEngine(t)

	repo := t.TempDir()
	ws := &store.WorkspaceSettings{Git: &store.GitSettings{AutoBranch: true, UseWorktrees: true}}
	if err := ws.Save(repo); err != nil {
		t.Fatalf("save workspace settings: %v", err)
	}
	conv, _ := eng.CreateConversation(repo, "", "")
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "--quiet", "refs/heads/main"}, pexec.MockResponse{Stdout: []byte("9f2c1e8\n")})

	getRunner := installRunner(eng, resultChunk("success"), doneChunk())
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "go", RepoPath: repo}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collectUntil(t, events, untilStatus(StatusReady))

	wantPath, err := git.WorktreePathFor(conv.ID)
	if err != nil {
		t.Fatalf("WorktreePathFor: %v", err)
	}
	stored, _, _ := eng.LoadConversation(conv.ID)
	if stored.WorktreePath != wantPath {
		t.Errorf("WorktreePath = %q, want %q", stored.WorktreePath, wantPath)
	}
	if branchEv, ok := findEvent(got, EventBranchCreated); !ok || branchEv.WorktreePath != wantPath {
		t.Errorf("branch-created worktree = %+v", branchEv)
	}

	// The agent process works in the isolated worktree, not the checkout.
	if dir := getRunner().Sends()[0].WorkingDir; dir != wantPath {
		t.Errorf("WorkingDir = %q, want the worktree", dir)
	}
}

func TestSend_BranchFailureAbortsTurn(t *testing.T) {
	eng, mock := newTestEngine(t)

	repo := t.TempDir()
	ws := &store.WorkspaceSettings{Git: &store.GitSettings{AutoBranch: true}}
	if err := ws.Save(repo); err != nil {
		t.Fatalf("save workspace settings: %v", err)
	}
	conv, _ := eng.CreateConversation(repo, "", "")

	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "--quiet", "refs/heads/main"}, pexec.MockResponse{Stdout: []byte("9f2c1e8\n")})
	mock.AddPrefixMatch("git", []string{"checkout", "-b"}, pexec.MockResponse{
		Stderr: []byte("fatal: cannot lock ref"),
		Err:    errors.New("exit status 128"),
	})

	installRunner(eng)
	err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "go", RepoPath: repo})
	if err == nil {
		t.Fatal("expected Send to fail when the branch cannot be created")
	}
	var cmdErr *git.CommandError
	if !errors.As(err, &cmdErr) {
		t.Errorf("error = %v, want a git CommandError", err)
	}

	stored, messages, _ := eng.LoadConversation(conv.ID)
	if stored.HasBranch() {
		t.Errorf("branch recorded despite failure: %q", stored.BranchName)
	}
	if len(messages) != 0 {
		t.Errorf("transcript = %d messages, want none for an aborted turn", len(messages))
	}
}

func TestStop_EndsTurnWithoutError(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	// No Done chunk: the turn stays in flight until stopped.
	getRunner := installRunner(eng, textChunk("working on"))
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collectUntil(t, events, func(ev Event) bool { return ev.Kind == EventStreamDelta })

	if !eng.Busy(conv.ID) {
		t.Error("expected busy while the turn is in flight")
	}
	if got := eng.StreamingContent(conv.ID); got != "working on" {
		t.Errorf("StreamingContent = %q", got)
	}

	eng.Stop(conv.ID)

	got := collectUntil(t, events, untilStatus(StatusReady))
	for _, ev := range got {
		if ev.Kind == EventStatus && ev.Status == StatusError {
			t.Error("explicit stop must not report an error status")
		}
	}
	if got := getRunner().KillCount(); got != 1 {
		t.Errorf("KillCount = %d, want 1", got)
	}
	if eng.StreamingContent(conv.ID) != "" {
		t.Error("expected streaming content discarded after stop")
	}
}

func TestSend_TodoUpdates(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	list := &agent.TodoList{Items: []agent.TodoItem{
		{Content: "Run tests", Status: agent.TodoStatusInProgress, ActiveForm: "Running tests"},
	}}
	installRunner(eng, agent.Chunk{Type: agent.ChunkTypeTodoUpdate, TodoList: list}, resultChunk("success"), doneChunk())
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := collectUntil(t, events, untilStatus(StatusReady))

	todoEv, ok := findEvent(got, EventTodoUpdate)
	if !ok || todoEv.Todos == nil || len(todoEv.Todos.Items) != 1 {
		t.Fatalf("todo-update = %+v", todoEv)
	}
	if todoEv.Todos.Items[0].Content != "Run tests" {
		t.Errorf("todo content = %q", todoEv.Todos.Items[0].Content)
	}

	current := eng.CurrentTodos(conv.ID)
	if current == nil || len(current.Items) != 1 || current.Items[0].Status != agent.TodoStatusInProgress {
		t.Errorf("CurrentTodos = %+v", current)
	}
}

func TestSend_ToolUseAndResultPersisted(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	installRunner(eng,
		textChunk("Let me look."),
		agent.Chunk{Type: agent.ChunkTypeToolUse, ToolName: "Read", ToolRawInput: []byte(`{"file_path":"main.go"}`), ToolUseID: "tu-1"},
		agent.Chunk{Type: agent.ChunkTypeToolResult, ToolUseID: "tu-1", Content: "package main"},
		resultChunk("success"),
		doneChunk(),
	)
	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "read main.go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collectUntil(t, events, untilStatus(StatusReady))

	_, messages, _ := eng.LoadConversation(conv.ID)
	// user, flushed assistant text, tool_use, tool_result, summary
	if len(messages) != 5 {
		t.Fatalf("transcript length = %d, want 5", len(messages))
	}
	if messages[1].Type != store.MessageTypeAssistant || messages[1].Content != "Let me look." {
		t.Errorf("messages[1] = %s %q, want the text flushed before the tool call", messages[1].Type, messages[1].Content)
	}
	if messages[2].Type != store.MessageTypeToolUse || messages[2].ToolName != "Read" || messages[2].ToolUseID != "tu-1" {
		t.Errorf("messages[2] = %+v", messages[2])
	}
	if messages[3].Type != store.MessageTypeToolResult || messages[3].ToolUseID != "tu-1" {
		t.Errorf("messages[3] = %+v", messages[3])
	}
	if !store.HasMatchingToolUse(messages, "tu-1") {
		t.Error("expected the tool_result to pair with its tool_use")
	}
}

func TestPermission_ApprovalRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")
	// Restrict the allowlist so Bash needs approval under the default mode.
	if err := eng.UpdateConversationSettings(conv.ID, store.Settings{AllowedTools: []string{"Read"}}); err != nil {
		t.Fatalf("UpdateConversationSettings: %v", err)
	}

	getRunner := installRunner(eng)
	events, cancel := eng.Subscribe()
	defer cancel()
	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "list files"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	runner := getRunner()
	responses := make(chan mcp.ApprovalResponse, 1)
	runner.OnApprovalResp = func(resp mcp.ApprovalResponse) { responses <- resp }
	runner.SimulateApprovalRequest(mcp.ApprovalRequest{ID: float64(1), Tool: "Bash", Arguments: map[string]any{"command": "ls"}})

	got := collectUntil(t, events, func(ev Event) bool { return ev.Kind == EventPermissionRequest })
	req := got[len(got)-1].Permission
	if req.ToolName != "Bash" || req.ConversationID != conv.ID {
		t.Fatalf("permission request = %+v", req)
	}
	pending := eng.PendingPermission(conv.ID)
	if pending == nil || pending.RequestID != req.RequestID {
		t.Fatalf("PendingPermission = %+v, want request %s", pending, req.RequestID)
	}

	if err := eng.RespondPermission(req.RequestID, permission.Response{Approved: true}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}

	select {
	case resp := <-responses:
		if !resp.Allowed {
			t.Error("expected approval delivered to the runner")
		}
		if resp.ID != float64(1) {
			t.Errorf("response id = %v, want the request id", resp.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the approval response")
	}

	// The pending request is cleared before the response is delivered.
	if pending := eng.PendingPermission(conv.ID); pending != nil {
		t.Errorf("pending permission survived resolution: %+v", pending)
	}

	eng.Stop(conv.ID)
	collectUntil(t, events, untilStatus(StatusReady))
}

func TestPermission_PlanModeDenies(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")
	if err := eng.UpdateConversationSettings(conv.ID, store.Settings{PermissionMode: "plan"}); err != nil {
		t.Fatalf("UpdateConversationSettings: %v", err)
	}

	getRunner := installRunner(eng)
	events, cancel := eng.Subscribe()
	defer cancel()
	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "edit something"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	runner := getRunner()
	responses := make(chan mcp.ApprovalResponse, 1)
	runner.OnApprovalResp = func(resp mcp.ApprovalResponse) { responses <- resp }
	runner.SimulateApprovalRequest(mcp.ApprovalRequest{ID: "r1", Tool: "Write", Arguments: map[string]any{"file_path": "/tmp/x"}})

	select {
	case resp := <-responses:
		if resp.Allowed {
			t.Error("plan mode must deny mutating tools")
		}
		if resp.Message == "" {
			t.Error("expected a denial reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the denial")
	}

	// Fast-path denials never surface a permission request.
	if pending := eng.PendingPermission(conv.ID); pending != nil {
		t.Errorf("unexpected pending permission: %+v", pending)
	}

	eng.Stop(conv.ID)
	collectUntil(t, events, untilStatus(StatusReady))
}

func TestPermission_StopCompletelyKillsTurn(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")
	if err := eng.UpdateConversationSettings(conv.ID, store.Settings{AllowedTools: []string{"Read"}}); err != nil {
		t.Fatalf("UpdateConversationSettings: %v", err)
	}

	getRunner := installRunner(eng)
	events, cancel := eng.Subscribe()
	defer cancel()
	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	runner := getRunner()
	runner.SimulateApprovalRequest(mcp.ApprovalRequest{ID: float64(7), Tool: "Bash", Arguments: map[string]any{"command": "rm -rf build"}})
	got := collectUntil(t, events, func(ev Event) bool { return ev.Kind == EventPermissionRequest })
	req := got[len(got)-1].Permission

	resp := permission.Response{Approved: false, Reason: "not in this conversation", StopCompletely: true}
	if err := eng.RespondPermission(req.RequestID, resp); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}

	collectUntil(t, events, untilStatus(StatusReady))
	if got := getRunner().KillCount(); got != 1 {
		t.Errorf("KillCount = %d, want the turn killed once", got)
	}
}

func TestRespondPermission_Stale(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.RespondPermission("nope", permission.Response{Approved: true})
	if !errors.Is(err, permission.ErrStaleRequest) {
		t.Errorf("RespondPermission = %v, want ErrStaleRequest", err)
	}
}

func TestDeleteConversation_RemovesRecordsAndTranscript(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")
	msgs := []store.Message{store.NewUserMessage(conv.ID, "hello")}
	if err := store.SaveMessages(conv.ID, msgs, store.MaxMessageLines); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	ev := recvEvent(t, events)
	if ev.Kind != EventConversationsDeleted {
		t.Fatalf("event = %s, want conversations-deleted", ev.Kind)
	}
	if len(ev.DeletedIDs) != 1 || ev.DeletedIDs[0] != conv.ID || ev.Reason != ReasonDeleted {
		t.Errorf("deleted = %v reason %q", ev.DeletedIDs, ev.Reason)
	}

	if _, _, err := eng.LoadConversation(conv.ID); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("LoadConversation after delete = %v", err)
	}
	loaded, err := store.LoadMessages(conv.ID)
	if err != nil || len(loaded) != 0 {
		t.Errorf("transcript after delete = %d messages, err %v", len(loaded), err)
	}

	if err := eng.DeleteConversation(ctx, conv.ID); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("second delete = %v, want ErrConversationNotFound", err)
	}
}

func TestDeleteConversation_CascadeSharedBranch(t *testing.T) {
	eng, mock := newTestEngine(t)

	repo := "/work/acme"
	a, _ := eng.CreateConversation(repo, "", "one")
	b, _ := eng.CreateConversation(repo, "", "two")
	wtA := filepath.Join(t.TempDir(), "wt-a")
	eng.store.SetBranch(a.ID, "agent/chorus/s1", wtA)
	eng.store.SetBranch(b.ID, "agent/chorus/s1", "")

	events, cancel := eng.Subscribe()
	defer cancel()

	if err := eng.DeleteConversation(ctx, a.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	ev := recvEvent(t, events)
	if ev.Kind != EventConversationsDeleted || ev.Reason != ReasonBranchDeleted {
		t.Fatalf("event = %s reason %q, want conversations-deleted branch-deleted", ev.Kind, ev.Reason)
	}
	deleted := make(map[string]bool, len(ev.DeletedIDs))
	for _, id := range ev.DeletedIDs {
		deleted[id] = true
	}
	if len(ev.DeletedIDs) != 2 || !deleted[a.ID] || !deleted[b.ID] {
		t.Errorf("DeletedIDs = %v, want both conversations on the branch", ev.DeletedIDs)
	}
	if got := eng.ListConversations(repo, ""); len(got) != 0 {
		t.Errorf("conversations left = %d, want 0", len(got))
	}

	var removedWorktree, deletedBranch bool
	for _, call := range mock.GetCalls() {
		if call.Name != "git" {
			continue
		}
		if len(call.Args) == 4 && call.Args[0] == "worktree" && call.Args[1] == "remove" && call.Args[2] == "--force" && call.Args[3] == wtA {
			removedWorktree = true
			if call.Dir != repo {
				t.Errorf("worktree remove ran in %q, want %q", call.Dir, repo)
			}
		}
		if len(call.Args) == 3 && call.Args[0] == "branch" && call.Args[1] == "-D" && call.Args[2] == "agent/chorus/s1" {
			deletedBranch = true
		}
	}
	if !removedWorktree {
		t.Error("expected the shared worktree removed before the branch")
	}
	if !deletedBranch {
		t.Error("expected the session branch force-deleted")
	}
}

func TestDeleteConversation_BranchFailureAborts(t *testing.T) {
	eng, mock := newTestEngine(t)

	repo := "/work/acme"
	conv, _ := eng.CreateConversation(repo, "", "")
	eng.store.SetBranch(conv.ID, "agent/chorus/s1", "")

	mock.AddExactMatch("git", []string{"branch", "-D", "agent/chorus/s1"}, pexec.MockResponse{
		Stderr: []byte("error: unable to delete branch"),
		Err:    errors.New("exit status 1"),
	})

	err := eng.DeleteConversation(ctx, conv.ID)
	var cascadeErr *CascadeDeleteError
	if !errors.As(err, &cascadeErr) {
		t.Fatalf("error = %v, want CascadeDeleteError", err)
	}
	if cascadeErr.Branch != "agent/chorus/s1" || cascadeErr.ConversationID != conv.ID {
		t.Errorf("CascadeDeleteError = %+v", cascadeErr)
	}

	// The cascade aborted before touching any record.
	stored, _, loadErr := eng.LoadConversation(conv.ID)
	if loadErr != nil || !stored.HasBranch() {
		t.Errorf("conversation after failed cascade = %+v, err %v, want intact", stored, loadErr)
	}
}

func TestContextMetrics(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	msgs := []store.Message{
		store.NewUserMessage(conv.ID, "hi"),
		store.NewAssistantMessage(conv.ID, "hello", "claude-opus-4-5", &store.TokenUsage{
			InputTokens:              100,
			CacheReadInputTokens:     40,
			CacheCreationInputTokens: 10,
			OutputTokens:             5,
		}),
	}
	if err := store.SaveMessages(conv.ID, msgs, store.MaxMessageLines); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	metrics, err := eng.ContextMetrics(conv.ID)
	if err != nil {
		t.Fatalf("ContextMetrics: %v", err)
	}
	if metrics.ContextUsed != 150 {
		t.Errorf("ContextUsed = %d, want 150", metrics.ContextUsed)
	}
	if metrics.ContextLimit != usage.DefaultContextLimit {
		t.Errorf("ContextLimit = %d", metrics.ContextLimit)
	}

	if _, err := eng.ContextMetrics("nope"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("ContextMetrics unknown = %v, want ErrConversationNotFound", err)
	}
}

func TestCheckPrerequisites_CoversRegistryAgents(t *testing.T) {
	eng, _ := newTestEngine(t)

	results := eng.CheckPrerequisites()
	names := make(map[string]bool, len(results))
	for _, r := range results {
		names[r.Prerequisite.Name] = true
	}
	for _, want := range []string{"git", "gh", "claude"} {
		if !names[want] {
			t.Errorf("missing prerequisite %q in %v", want, names)
		}
	}
}

func TestPruneOrphanedWorktrees(t *testing.T) {
	eng, mock := newTestEngine(t)

	repo := "/work/acme"
	conv, _ := eng.CreateConversation(repo, "", "known")

	wtDir, err := paths.WorktreesDir()
	if err != nil {
		t.Fatalf("WorktreesDir: %v", err)
	}
	knownPath := filepath.Join(wtDir, conv.ID)
	orphanPath := filepath.Join(wtDir, "gone-conversation")

	porcelain := fmt.Sprintf(
		"worktree %s\nHEAD abc\nbranch refs/heads/main\n\nworktree %s\nHEAD def\nbranch refs/heads/agent/chorus/s1\n\nworktree %s\nHEAD eee\nbranch refs/heads/agent/chorus/s2\n",
		repo, knownPath, orphanPath)
	mock.AddExactMatch("git", []string{"worktree", "list", "--porcelain"}, pexec.MockResponse{Stdout: []byte(porcelain)})

	removed, err := eng.PruneOrphanedWorktrees(ctx, repo)
	if err != nil {
		t.Fatalf("PruneOrphanedWorktrees: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	var removedPaths []string
	for _, call := range mock.GetCalls() {
		if call.Name == "git" && len(call.Args) >= 3 && call.Args[0] == "worktree" && call.Args[1] == "remove" {
			removedPaths = append(removedPaths, call.Args[len(call.Args)-1])
		}
	}
	if len(removedPaths) != 1 || removedPaths[0] != orphanPath {
		t.Errorf("removed worktrees = %v, want only the orphan", removedPaths)
	}
}

func TestCleanupOrphanedProcesses_NoneRunning(t *testing.T) {
	if runtime.GOOS != "windows" {
		if _, err := osexec.LookPath("pgrep"); err != nil {
			t.Skip("pgrep not available")
		}
	}
	setupTest(t)

	st, err := store.Load()
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	reg := &agent.Registry{Agents: []agent.Definition{
		{ID: "fake", Name: "Fake", Command: "chorus-test-no-such-agent"},
	}}
	eng := New(st, git.NewGitServiceWithExecutor(pexec.NewMockExecutor(nil)), reg)
	t.Cleanup(eng.Shutdown)

	killed, err := eng.CleanupOrphanedProcesses()
	if err != nil {
		t.Fatalf("CleanupOrphanedProcesses: %v", err)
	}
	if killed != 0 {
		t.Errorf("killed = %d, want 0", killed)
	}
}

func TestShutdown_StopsRunners(t *testing.T) {
	eng, _ := newTestEngine(t)
	conv, _ := eng.CreateConversation("/work/acme", "", "")

	getRunner := installRunner(eng)
	events, cancel := eng.Subscribe()
	defer cancel()
	if err := eng.Send(ctx, SendRequest{ConversationID: conv.ID, Message: "go"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	eng.Shutdown()

	if eng.Runner(conv.ID) != nil {
		t.Error("expected the runner registry cleared")
	}
	if _, err := getRunner().Send(agent.SendOptions{}); err == nil {
		t.Error("expected the stopped runner to reject further sends")
	}

	// Shutdown closes the bus, so the subscription drains and closes.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed by Shutdown")
		}
	}
}
