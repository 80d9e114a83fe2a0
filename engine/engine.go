// Package engine is the facade the shell embeds. It owns the conversation
// runtime registry (runner, phase, pending permission, stream state per
// conversation), orchestrates agent turns with the Git automation layer,
// and fans engine events out to subscribers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorushq/chorus-core/agent"
	"github.com/chorushq/chorus-core/cli"
	"github.com/chorushq/chorus-core/git"
	"github.com/chorushq/chorus-core/logger"
	"github.com/chorushq/chorus-core/mcp"
	"github.com/chorushq/chorus-core/permission"
	"github.com/chorushq/chorus-core/process"
	"github.com/chorushq/chorus-core/store"
	"github.com/chorushq/chorus-core/usage"
)

// RunnerFactory creates a runner for a conversation.
// This allows tests to inject mock runners.
type RunnerFactory func(conversationID string, def agent.Definition) agent.RunnerInterface

// defaultRunnerFactory creates real agent CLI runners.
func defaultRunnerFactory(conversationID string, def agent.Definition) agent.RunnerInterface {
	return agent.NewRunner(conversationID, def)
}

// Engine coordinates conversations, agent runners, persistence, permissions
// and Git automation behind one API. Create it with New, subscribe to its
// events, then drive it with Send/Stop/RespondPermission and the
// conversation and Git commands.
type Engine struct {
	store    *store.Store
	git      *git.GitService
	registry *agent.Registry
	broker   *permission.Broker
	bus      *Bus
	states   *StateManager

	runnerFactory RunnerFactory
	runners       map[string]agent.RunnerInterface
	mu            sync.RWMutex // Protects runners map
}

// New creates an engine over the given store, git service and agent
// registry.
func New(st *store.Store, gitSvc *git.GitService, registry *agent.Registry) *Engine {
	e := &Engine{
		store:         st,
		git:           gitSvc,
		registry:      registry,
		bus:           NewBus(),
		states:        NewStateManager(),
		runnerFactory: defaultRunnerFactory,
		runners:       make(map[string]agent.RunnerInterface),
	}
	e.broker = permission.NewBroker(e.onPermissionRequest)
	return e
}

// SetRunnerFactory sets a custom runner factory (for testing).
func (e *Engine) SetRunnerFactory(factory RunnerFactory) {
	e.runnerFactory = factory
}

// Subscribe registers an event subscriber. See Bus.Subscribe.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// onPermissionRequest is the broker's notify callback: it records the
// pending request on the conversation's state and surfaces it as an event.
func (e *Engine) onPermissionRequest(req permission.Request) {
	e.states.GetOrCreate(req.ConversationID).SetPendingPermission(&req)
	e.bus.Publish(Event{
		Kind:           EventPermissionRequest,
		ConversationID: req.ConversationID,
		Permission:     &req,
	})
}

// CreateConversation adds a conversation for a workspace and agent and
// persists the index. An empty agentID selects the default agent.
func (e *Engine) CreateConversation(workspaceID, agentID, title string) (store.Conversation, error) {
	if agentID == "" {
		agentID = agent.DefaultAgentID
	}
	if _, ok := e.registry.Get(agentID); !ok {
		return store.Conversation{}, fmt.Errorf("unknown agent %q", agentID)
	}

	conv := store.NewConversation(workspaceID, agentID, title)
	e.store.Add(conv)
	if err := e.store.Save(); err != nil {
		return store.Conversation{}, err
	}
	logger.WithConversation(conv.ID).Info("conversation created", "workspace", workspaceID, "agent", agentID)
	return conv, nil
}

// ListConversations returns conversations filtered by workspace and agent.
// Empty filters match everything.
func (e *Engine) ListConversations(workspaceID, agentID string) []store.Conversation {
	return e.store.ListFiltered(workspaceID, agentID)
}

// LoadConversation returns a conversation and its transcript.
func (e *Engine) LoadConversation(conversationID string) (store.Conversation, []store.Message, error) {
	conv := e.store.Get(conversationID)
	if conv == nil {
		return store.Conversation{}, nil, store.ErrConversationNotFound
	}
	messages, err := store.LoadMessages(conversationID)
	if err != nil {
		return *conv, nil, err
	}
	return *conv, messages, nil
}

// RenameConversation sets a conversation's title.
func (e *Engine) RenameConversation(conversationID, title string) error {
	if !e.store.Rename(conversationID, title) {
		return store.ErrConversationNotFound
	}
	return e.store.Save()
}

// UpdateConversationSettings replaces a conversation's settings overrides.
func (e *Engine) UpdateConversationSettings(conversationID string, settings store.Settings) error {
	if !e.store.UpdateSettings(conversationID, settings) {
		return store.ErrConversationNotFound
	}
	return e.store.Save()
}

// ClearSession drops the conversation's agent session so the next turn
// starts a fresh one with a new session id.
func (e *Engine) ClearSession(conversationID string) error {
	if !e.store.ClearSession(conversationID) {
		return store.ErrConversationNotFound
	}
	return e.store.Save()
}

// ContextMetrics computes context-window usage from the conversation's
// transcript.
func (e *Engine) ContextMetrics(conversationID string) (usage.Metrics, error) {
	if e.store.Get(conversationID) == nil {
		return usage.Metrics{}, store.ErrConversationNotFound
	}
	messages, err := store.LoadMessages(conversationID)
	if err != nil {
		return usage.Metrics{}, err
	}
	return usage.Compute(messages), nil
}

// Runner returns the live runner for a conversation, or nil.
func (e *Engine) Runner(conversationID string) agent.RunnerInterface {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runners[conversationID]
}

// Busy reports whether a conversation has a turn in flight.
func (e *Engine) Busy(conversationID string) bool {
	if runner := e.Runner(conversationID); runner != nil {
		return runner.Busy()
	}
	return false
}

// StreamingContent returns the assistant text accumulated so far for the
// in-flight turn. Late subscribers use this to catch up before deltas.
func (e *Engine) StreamingContent(conversationID string) string {
	if state := e.states.GetIfExists(conversationID); state != nil {
		return state.GetStreamingContent()
	}
	return ""
}

// PendingPermission returns the conversation's outstanding permission
// request, or nil.
func (e *Engine) PendingPermission(conversationID string) *permission.Request {
	if state := e.states.GetIfExists(conversationID); state != nil {
		return state.GetPendingPermission()
	}
	return nil
}

// CurrentTodos returns the conversation's current todo list, or nil.
func (e *Engine) CurrentTodos(conversationID string) *agent.TodoList {
	if state := e.states.GetIfExists(conversationID); state != nil {
		return state.GetCurrentTodoList()
	}
	return nil
}

// getOrCreateRunner returns an existing runner or creates one for the
// conversation. Uses double-checked locking so concurrent sends never race
// a duplicate runner (and its approval socket) into the map.
func (e *Engine) getOrCreateRunner(conv store.Conversation) (agent.RunnerInterface, error) {
	e.mu.RLock()
	if runner, ok := e.runners[conv.ID]; ok {
		e.mu.RUnlock()
		return runner, nil
	}
	e.mu.RUnlock()

	def, ok := e.registry.Get(conv.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", conv.AgentID)
	}

	e.mu.Lock()
	if runner, ok := e.runners[conv.ID]; ok {
		e.mu.Unlock()
		return runner, nil
	}
	logger.WithConversation(conv.ID).Debug("creating runner", "agent", def.ID)
	runner := e.runnerFactory(conv.ID, def)
	e.runners[conv.ID] = runner
	e.mu.Unlock()

	go e.routeApprovals(conv.ID, runner)
	return runner, nil
}

// SendRequest describes one turn of a conversation.
type SendRequest struct {
	ConversationID string
	Message        string

	// RepoPath is the repository the conversation works in. Git automation
	// and workspace defaults are resolved against it.
	RepoPath string

	// SessionID optionally forces the agent session to use. Empty means
	// resume the conversation's stored session, or start a fresh one.
	SessionID string
}

// Send starts one agent turn: applies Git automation, persists the user
// message, spawns the agent process, and pumps its output into transcript
// messages and events until the process exits. Send returns once the turn
// is started; progress and completion arrive as events. A Send while a
// turn is in flight kills the old process first.
func (e *Engine) Send(ctx context.Context, req SendRequest) error {
	convPtr := e.store.Get(req.ConversationID)
	if convPtr == nil {
		return store.ErrConversationNotFound
	}
	conv := *convPtr
	log := logger.WithConversation(conv.ID)

	runner, err := e.getOrCreateRunner(conv)
	if err != nil {
		return err
	}
	def, _ := e.registry.Get(conv.AgentID)

	// Resolve policy: conversation overrides, then workspace defaults,
	// then built-ins
	ws, err := store.LoadWorkspaceSettings(req.RepoPath)
	if err != nil {
		log.Warn("failed to load workspace settings, using defaults", "error", err)
		ws = &store.WorkspaceSettings{}
	}
	mode := permission.ResolveMode(conv.Settings.PermissionMode, ws.DefaultPermissionMode)
	allowedTools := conv.Settings.AllowedTools
	if len(allowedTools) == 0 {
		allowedTools = ws.DefaultAllowedTools
	}
	if len(allowedTools) == 0 {
		allowedTools = agent.DefaultAllowedTools
	}
	model := conv.Settings.Model
	if model == "" {
		model = ws.DefaultModel
	}
	if model == "" {
		model = def.Model
	}
	gitSettings := ws.GitAutomation()

	// Session continuity: resume the stored session unless the caller
	// forced one. First turns get a pre-generated id so the automation
	// branch exists before the process spawns.
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = conv.SessionID
	}
	sessionStarted := sessionID != "" && sessionID == conv.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if req.RepoPath != "" && gitSettings.AutoBranch && !conv.HasBranch() {
		if err := e.createAutomationBranch(ctx, &conv, def, sessionID, req.RepoPath, gitSettings.UseWorktrees); err != nil {
			e.bus.Publish(Event{Kind: EventStatus, ConversationID: conv.ID, Status: StatusError, ErrorDetail: err.Error()})
			return fmt.Errorf("create automation branch: %w", err)
		}
	}

	workingDir := req.RepoPath
	if conv.HasWorktree() {
		workingDir = conv.WorktreePath
	}

	// The user message is persisted and announced before the process
	// spawns, so the transcript shows it even when the spawn fails
	userMsg := store.NewUserMessage(conv.ID, req.Message)
	e.appendMessage(conv.ID, userMsg)

	systemPrompt, err := agent.SystemPrompt(def)
	if err != nil {
		log.Warn("failed to read agent prompt file", "path", def.PromptPath, "error", err)
	}

	state := e.states.GetOrCreate(conv.ID)
	state.SetTurnPolicy(mode, allowedTools)
	state.BeginTurn()

	chunks, err := runner.Send(agent.SendOptions{
		Prompt:         req.Message,
		SessionID:      sessionID,
		SessionStarted: sessionStarted,
		WorkingDir:     workingDir,
		AllowedTools:   allowedTools,
		PermissionMode: string(mode),
		Model:          model,
		SystemPrompt:   systemPrompt,
	})
	if err != nil {
		state.EndTurn()
		e.bus.Publish(Event{Kind: EventStatus, ConversationID: conv.ID, Status: StatusError, ErrorDetail: err.Error()})
		return fmt.Errorf("spawn agent: %w", err)
	}

	e.bus.Publish(Event{Kind: EventStatus, ConversationID: conv.ID, Status: StatusBusy})
	log.Info("turn started", "sessionID", sessionID, "resumed", sessionStarted, "workingDir", workingDir)

	go e.pumpTurn(conv.ID, req.Message, workingDir, gitSettings, chunks)
	return nil
}

// createAutomationBranch creates the session branch (and worktree when
// configured), records it on the conversation, and announces it. The
// passed conversation copy is updated in place so Send sees the new
// worktree path.
func (e *Engine) createAutomationBranch(ctx context.Context, conv *store.Conversation, def agent.Definition, sessionID, repoPath string, useWorktree bool) error {
	var branch, worktreePath string
	var err error
	if useWorktree {
		branch, worktreePath, err = e.git.CreateSessionWorktree(ctx, repoPath, def.Name, sessionID, conv.ID)
	} else {
		branch, err = e.git.CreateSessionBranch(ctx, repoPath, def.Name, sessionID)
	}
	if err != nil {
		return err
	}

	e.store.SetBranch(conv.ID, branch, worktreePath)
	if err := e.store.Save(); err != nil {
		logger.WithConversation(conv.ID).Warn("failed to save conversation index after branch create", "error", err)
	}
	conv.BranchName = branch
	conv.WorktreePath = worktreePath

	e.bus.Publish(Event{
		Kind:           EventBranchCreated,
		ConversationID: conv.ID,
		Branch:         branch,
		WorktreePath:   worktreePath,
	})
	return nil
}

// pumpTurn consumes one turn's chunks, persisting transcript messages and
// emitting events in arrival order. When the channel closes it runs the
// auto-commit and reports the conversation's final status.
func (e *Engine) pumpTurn(conversationID, prompt, workingDir string, gitSettings store.GitSettings, chunks <-chan agent.Chunk) {
	log := logger.WithConversation(conversationID)
	state := e.states.GetOrCreate(conversationID)

	var turnErr error
	var lastModel string
	sawResult := false

	for chunk := range chunks {
		switch chunk.Type {
		case agent.ChunkTypeText, agent.ChunkTypeRaw:
			if chunk.Content == "" {
				break
			}
			if chunk.Model != "" {
				lastModel = chunk.Model
			}
			state.AppendStreamingContent(chunk.Content)
			e.bus.Publish(Event{Kind: EventStreamDelta, ConversationID: conversationID, Delta: chunk.Content})

		case agent.ChunkTypeThinking:
			// Shown transiently by the shell; never part of the transcript

		case agent.ChunkTypeSessionInit:
			e.applySessionInit(conversationID, chunk.Init)

		case agent.ChunkTypeTodoUpdate:
			if !chunk.TodoList.HasItems() {
				break
			}
			state.SetCurrentTodoList(chunk.TodoList)
			if active := chunk.TodoList.ActiveItem(); active != nil {
				log.Debug("todo update", "active", active.ActiveForm, "progress", chunk.TodoList.Progress())
			} else if chunk.TodoList.IsComplete() {
				log.Debug("todo update", "progress", chunk.TodoList.Progress())
			}
			e.bus.Publish(Event{Kind: EventTodoUpdate, ConversationID: conversationID, Todos: chunk.TodoList})

		case agent.ChunkTypeToolUse:
			// Text streamed so far becomes its own assistant message, so
			// the transcript keeps text and tool calls in agent order
			e.flushAssistantText(conversationID, state, lastModel, nil)
			e.appendMessage(conversationID, store.NewToolUseMessage(conversationID, chunk.ToolName, chunk.ToolRawInput, chunk.ToolUseID))

		case agent.ChunkTypeToolResult:
			e.recordToolResult(conversationID, chunk)

		case agent.ChunkTypeResult:
			sawResult = true
			e.finishTurnMessages(conversationID, state, lastModel, chunk.Result)
		}

		if chunk.Done {
			turnErr = chunk.Error
		}
	}

	stopRequested := state.GetStopRequested()
	state.EndTurn()

	// Pending changes are committed even when the turn was killed; the
	// turn's context is gone, so the commit runs on its own
	if gitSettings.AutoCommit && workingDir != "" {
		commitType := git.CommitTypeTurn
		if stopRequested {
			commitType = git.CommitTypeStop
		}
		commit, err := e.git.AutoCommit(context.Background(), workingDir, prompt, commitType)
		if err != nil {
			log.Error("auto-commit failed", "workingDir", workingDir, "error", err)
		} else if commit != nil {
			e.bus.Publish(Event{Kind: EventCommitCreated, ConversationID: conversationID, Commit: commit})
			e.bus.Publish(Event{Kind: EventFileChanged, ConversationID: conversationID, Files: commit.Files})
		}
	}

	if turnErr != nil && !stopRequested {
		log.Warn("turn failed", "error", turnErr)
		// A terminal result already recorded the turn's outcome in the
		// transcript; only a resultless exit needs its own error message
		if !sawResult {
			e.appendMessage(conversationID, store.NewErrorMessage(conversationID, turnErr.Error()))
		}
		e.bus.Publish(Event{Kind: EventStatus, ConversationID: conversationID, Status: StatusError, ErrorDetail: turnErr.Error()})
		return
	}
	e.bus.Publish(Event{Kind: EventStatus, ConversationID: conversationID, Status: StatusReady})
}

// applySessionInit confirms or replaces the conversation's session id from
// an observed init event. Session fields change only here and on explicit
// clear.
func (e *Engine) applySessionInit(conversationID string, init *agent.SessionInit) {
	if init == nil || init.SessionID == "" {
		return
	}
	conv := e.store.Get(conversationID)
	if conv == nil {
		return
	}
	if conv.SessionID == init.SessionID && conv.SessionCreatedAt != nil {
		return
	}

	e.store.SetSession(conversationID, init.SessionID, time.Now())
	if err := e.store.Save(); err != nil {
		logger.WithConversation(conversationID).Warn("failed to save conversation index after session update", "error", err)
	}
	logger.WithConversation(conversationID).Info("agent session established", "sessionID", init.SessionID, "model", init.Model)
	e.bus.Publish(Event{Kind: EventSessionUpdate, ConversationID: conversationID, SessionID: init.SessionID})
}

// flushAssistantText turns the accumulated stream content into a persisted
// assistant message and tells subscribers to drop their accumulated deltas.
func (e *Engine) flushAssistantText(conversationID string, state *ConversationState, model string, tokenUsage *store.TokenUsage) {
	content := state.TakeStreamingContent()
	if content == "" {
		return
	}
	e.bus.Publish(Event{Kind: EventStreamClear, ConversationID: conversationID})
	if strings.TrimSpace(content) == "" {
		return
	}
	e.appendMessage(conversationID, store.NewAssistantMessage(conversationID, content, model, tokenUsage))
}

// recordToolResult persists a tool_result message. A result with no
// matching tool_use is logged and kept; the shell displays it unpaired.
func (e *Engine) recordToolResult(conversationID string, chunk agent.Chunk) {
	messages, err := store.LoadMessages(conversationID)
	if err != nil {
		logger.WithConversation(conversationID).Warn("failed to load transcript for pairing check", "error", err)
	}
	if !store.HasMatchingToolUse(messages, chunk.ToolUseID) {
		logger.WithConversation(conversationID).Warn("tool result without matching tool use", "toolUseID", chunk.ToolUseID)
	}
	e.appendMessage(conversationID, store.NewToolResultMessage(conversationID, chunk.ToolUseID, chunk.Content, chunk.IsError))
}

// finishTurnMessages handles the terminal result: flushes remaining
// assistant text with the turn's cumulative usage attached, then records
// the turn summary as a system message.
func (e *Engine) finishTurnMessages(conversationID string, state *ConversationState, model string, result *agent.TurnResult) {
	var tokenUsage *store.TokenUsage
	if result != nil && result.Usage != nil {
		tokenUsage = &store.TokenUsage{
			InputTokens:              result.Usage.InputTokens,
			CacheCreationInputTokens: result.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     result.Usage.CacheReadInputTokens,
			OutputTokens:             result.Usage.OutputTokens,
		}
	}
	e.flushAssistantText(conversationID, state, model, tokenUsage)
	if result == nil {
		return
	}

	summary := store.NewSystemMessage(conversationID, turnSummary(result))
	summary.CostUSD = result.TotalCostUSD
	summary.DurationMS = int64(result.DurationMS)
	summary.NumTurns = result.NumTurns
	summary.ContextWindow = contextWindowFrom(result)
	e.appendMessage(conversationID, summary)

	if result.IsError && len(result.Errors) > 0 {
		e.appendMessage(conversationID, store.NewErrorMessage(conversationID, strings.Join(result.Errors, "\n")))
	}
}

func turnSummary(result *agent.TurnResult) string {
	if result.Subtype == "" || result.Subtype == "success" {
		return "turn complete"
	}
	return "turn ended: " + result.Subtype
}

// contextWindowFrom returns the largest context window the result reported
// across models, or zero when it reported none.
func contextWindowFrom(result *agent.TurnResult) int {
	limit := 0
	for _, entry := range result.ModelUsage {
		if entry != nil && entry.ContextWindow > limit {
			limit = entry.ContextWindow
		}
	}
	return limit
}

// appendMessage appends one message to the conversation's transcript,
// updates the index bookkeeping, and announces the message.
func (e *Engine) appendMessage(conversationID string, msg store.Message) {
	log := logger.WithConversation(conversationID)

	messages, err := store.LoadMessages(conversationID)
	if err != nil {
		log.Warn("failed to load transcript before append", "error", err)
	}
	messages = append(messages, msg)
	if err := store.SaveMessages(conversationID, messages, store.MaxMessageLines); err != nil {
		log.Error("failed to persist message", "type", msg.Type, "error", err)
	}
	e.store.MarkMessagesAppended(conversationID, 1, msg.Timestamp)
	if err := e.store.Save(); err != nil {
		log.Warn("failed to save conversation index", "error", err)
	}

	e.bus.Publish(Event{Kind: EventMessage, ConversationID: conversationID, Message: &msg})
}

// routeApprovals forwards the runner's approval requests through the
// permission broker and returns each decision to the waiting MCP server.
// Runs until the runner's approval channel closes on Stop.
func (e *Engine) routeApprovals(conversationID string, runner agent.RunnerInterface) {
	log := logger.WithConversation(conversationID)
	requests := runner.ApprovalRequests()
	if requests == nil {
		return
	}

	for req := range requests {
		state := e.states.GetOrCreate(conversationID)
		mode, allowedTools := state.TurnPolicy()

		toolInput, err := json.Marshal(req.Arguments)
		if err != nil {
			toolInput = nil
		}

		result, err := e.broker.Decide(context.Background(), mode, allowedTools, conversationID, req.Tool, toolInput)
		state.SetPendingPermission(nil)
		if err != nil {
			log.Error("permission decision failed", "tool", req.Tool, "error", err)
			if respErr := runner.RespondApproval(mcp.ApprovalResponse{ID: req.ID, Allowed: false, Message: "permission system error"}); respErr != nil {
				log.Warn("failed to deliver approval response", "tool", req.Tool, "error", respErr)
			}
			continue
		}

		resp := mcp.ApprovalResponse{
			ID:      req.ID,
			Allowed: result.Approved(),
			Message: result.Reason,
		}
		if len(result.UpdatedInput) > 0 {
			var updated map[string]any
			if err := json.Unmarshal(result.UpdatedInput, &updated); err == nil {
				resp.UpdatedInput = updated
			}
		}
		if err := runner.RespondApproval(resp); err != nil {
			log.Warn("failed to deliver approval response", "tool", req.Tool, "error", err)
		}
		log.Info("permission resolved", "tool", req.Tool, "outcome", result.Outcome)

		if result.StopCompletely {
			e.Stop(conversationID)
		}
	}
}

// RespondPermission delivers the user's decision for a pending permission
// request. Responding to a request that is no longer outstanding returns
// permission.ErrStaleRequest and changes nothing.
func (e *Engine) RespondPermission(requestID string, resp permission.Response) error {
	return e.broker.Respond(requestID, resp)
}

// Stop kills the in-flight turn, resolving any outstanding permission as
// denied. The turn's exit path commits pending changes with the stop type
// and returns the conversation to ready. Idempotent; a conversation with
// no turn in flight is untouched.
func (e *Engine) Stop(conversationID string) {
	if state := e.states.GetIfExists(conversationID); state != nil {
		state.MarkStopRequested()
	}
	e.broker.CancelConversation(conversationID)

	if runner := e.Runner(conversationID); runner != nil && runner.Busy() {
		logger.WithConversation(conversationID).Info("stopping in-flight turn")
		runner.Kill()
	}
}

// CascadeDeleteError reports a conversation delete aborted because the
// automation branch (or one of its worktrees) could not be removed. All
// conversation records are left intact when this is returned.
type CascadeDeleteError struct {
	ConversationID string
	Branch         string
	Err            error
}

func (e *CascadeDeleteError) Error() string {
	return fmt.Sprintf("delete conversation %s: branch %s: %v", e.ConversationID, e.Branch, e.Err)
}

func (e *CascadeDeleteError) Unwrap() error { return e.Err }

// DeleteConversation removes a conversation and its transcript. When the
// conversation owns an automation branch, every conversation sharing that
// branch goes with it: runners stop, worktrees are removed, the branch is
// deleted, then the records. Git failures abort the cascade with a
// *CascadeDeleteError before any record is touched. Emits one
// conversations-deleted event listing everything removed.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	convPtr := e.store.Get(conversationID)
	if convPtr == nil {
		return store.ErrConversationNotFound
	}
	conv := *convPtr
	log := logger.WithConversation(conversationID)

	ids := []string{conversationID}
	reason := ReasonDeleted

	if conv.HasBranch() {
		reason = ReasonBranchDeleted
		repoPath := conv.WorkspaceID

		sharing := e.store.ConversationsOnBranch(conv.WorkspaceID, conv.BranchName)
		if len(sharing) > 0 {
			ids = ids[:0]
			for i := range sharing {
				ids = append(ids, sharing[i].ID)
			}
		}

		// Processes first, so nothing holds the worktrees open
		for _, id := range ids {
			e.stopAndRemoveRunner(id)
		}

		// Worktrees before the branch; a checked-out branch cannot be
		// deleted
		for i := range sharing {
			if sharing[i].WorktreePath == "" {
				continue
			}
			if err := e.git.RemoveWorktree(ctx, repoPath, sharing[i].WorktreePath, true); err != nil {
				return &CascadeDeleteError{
					ConversationID: conversationID,
					Branch:         conv.BranchName,
					Err:            fmt.Errorf("remove worktree %s: %w", sharing[i].WorktreePath, err),
				}
			}
		}

		if err := e.git.DeleteBranch(ctx, repoPath, conv.BranchName, true); err != nil {
			return &CascadeDeleteError{ConversationID: conversationID, Branch: conv.BranchName, Err: err}
		}
	}

	for _, id := range ids {
		e.stopAndRemoveRunner(id)
		e.broker.CancelConversation(id)
		e.states.Delete(id)
		if err := store.DeleteMessages(id); err != nil {
			log.Warn("failed to delete transcript", "conversation", id, "error", err)
		}
	}
	e.store.RemoveMany(ids)
	if err := e.store.Save(); err != nil {
		return err
	}

	log.Info("conversations deleted", "count", len(ids), "reason", reason)
	e.bus.Publish(Event{Kind: EventConversationsDeleted, DeletedIDs: ids, Reason: reason})
	return nil
}

// stopAndRemoveRunner stops a conversation's runner and forgets it.
func (e *Engine) stopAndRemoveRunner(conversationID string) {
	e.mu.Lock()
	runner := e.runners[conversationID]
	delete(e.runners, conversationID)
	e.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
}

// Git command passthroughs. These run against explicit paths and report
// through return values; only the automation paths in Send and
// DeleteConversation emit events.

// CreateBranch creates a branch off base without checking it out.
func (e *Engine) CreateBranch(ctx context.Context, repoPath, name, base string) error {
	return e.git.CreateBranch(ctx, repoPath, name, base)
}

// Commit stages and commits everything in the working copy.
func (e *Engine) Commit(ctx context.Context, workingDir, message string) error {
	return e.git.CommitAll(ctx, workingDir, message)
}

// AnalyzeMerge reports what merging source into target would do, without
// touching the repository.
func (e *Engine) AnalyzeMerge(ctx context.Context, repoPath, source, target string) (*git.MergeAnalysis, error) {
	return e.git.AnalyzeMerge(ctx, repoPath, source, target)
}

// Merge merges a branch, streaming progress results.
func (e *Engine) Merge(ctx context.Context, repoPath string, opts git.MergeOptions) <-chan git.Result {
	return e.git.Merge(ctx, repoPath, opts)
}

// DeleteBranch deletes a local branch. Force is required for unmerged
// branches.
func (e *Engine) DeleteBranch(ctx context.Context, repoPath, name string, force bool) error {
	return e.git.DeleteBranch(ctx, repoPath, name, force)
}

// Push pushes a branch to its remote.
func (e *Engine) Push(ctx context.Context, repoPath, branch string) error {
	return e.git.Push(ctx, repoPath, branch)
}

// Pull pulls the current branch.
func (e *Engine) Pull(ctx context.Context, repoPath string) error {
	return e.git.Pull(ctx, repoPath)
}

// PullRebase pulls the current branch with rebase.
func (e *Engine) PullRebase(ctx context.Context, repoPath string) error {
	return e.git.PullRebase(ctx, repoPath)
}

// Fetch fetches from the default remote.
func (e *Engine) Fetch(ctx context.Context, repoPath string) error {
	return e.git.Fetch(ctx, repoPath)
}

// SyncStatus reports a branch's position against its tracking branch.
func (e *Engine) SyncStatus(ctx context.Context, repoPath, branch string) (*git.SyncStatus, error) {
	return e.git.GetSyncStatus(ctx, repoPath, branch)
}

// ListWorktrees lists the repository's worktrees.
func (e *Engine) ListWorktrees(ctx context.Context, repoPath string) ([]git.Worktree, error) {
	return e.git.ListWorktrees(ctx, repoPath)
}

// CreateWorktree attaches an existing branch to a new worktree at path.
func (e *Engine) CreateWorktree(ctx context.Context, repoPath, path, branch string) error {
	return e.git.AddWorktree(ctx, repoPath, path, branch)
}

// RemoveWorktree removes a worktree.
func (e *Engine) RemoveWorktree(ctx context.Context, repoPath, path string, force bool) error {
	return e.git.RemoveWorktree(ctx, repoPath, path, force)
}

// CreatePR pushes a branch and opens a pull request with the gh CLI,
// streaming progress.
func (e *Engine) CreatePR(ctx context.Context, repoPath string, opts git.PROptions) <-chan git.Result {
	return e.git.CreatePR(ctx, repoPath, opts)
}

// PushUpdates commits pending changes and pushes them to an existing PR
// branch, streaming progress.
func (e *Engine) PushUpdates(ctx context.Context, repoPath, worktreePath, branch, commitMsg string) <-chan git.Result {
	return e.git.PushUpdates(ctx, repoPath, worktreePath, branch, commitMsg)
}

// CheckPrerequisites probes the host for git, gh, and every agent binary
// the registry names.
func (e *Engine) CheckPrerequisites() []cli.CheckResult {
	return cli.CheckPrerequisites(e.agentCommands())
}

// ValidateHost returns an error describing any required host tool that is
// missing.
func (e *Engine) ValidateHost() error {
	return cli.ValidateRequired(e.CheckPrerequisites())
}

func (e *Engine) agentCommands() []string {
	defs := e.registry.List()
	commands := make([]string, 0, len(defs))
	for _, def := range defs {
		commands = append(commands, def.Command)
	}
	return commands
}

// CleanupOrphanedProcesses kills agent processes left behind by a crash:
// any process of a registry binary carrying a --session-id that no stored
// conversation holds. Returns the number killed.
func (e *Engine) CleanupOrphanedProcesses() (int, error) {
	known := make(map[string]bool)
	for _, conv := range e.store.List() {
		if conv.SessionID != "" {
			known[conv.SessionID] = true
		}
	}

	total := 0
	for _, command := range e.agentCommands() {
		killed, err := process.CleanupOrphanedProcesses(command, known)
		if err != nil {
			return total, err
		}
		total += killed
	}
	return total, nil
}

// PruneOrphanedWorktrees removes automation worktrees that no stored
// conversation references. Returns the number removed.
func (e *Engine) PruneOrphanedWorktrees(ctx context.Context, repoPath string) (int, error) {
	conversations := e.store.List()
	ids := make([]string, 0, len(conversations))
	for _, conv := range conversations {
		ids = append(ids, conv.ID)
	}

	orphans, err := e.git.FindOrphanedWorktrees(ctx, repoPath, ids)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, wt := range orphans {
		if err := e.git.RemoveWorktree(ctx, repoPath, wt.Path, true); err != nil {
			logger.WithComponent("engine").Warn("failed to remove orphaned worktree", "path", wt.Path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Shutdown stops every runner and closes the event bus. Call when the host
// application exits so all agent processes terminate.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	runners := e.runners
	e.runners = make(map[string]agent.RunnerInterface)
	e.mu.Unlock()

	log := logger.WithComponent("engine")
	log.Info("shutting down runners", "count", len(runners))
	for id, runner := range runners {
		logger.WithConversation(id).Debug("stopping runner")
		runner.Stop()
	}
	e.bus.Close()
	log.Info("shutdown complete")
}
