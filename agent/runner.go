package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chorushq/chorus-core/logger"
	"github.com/chorushq/chorus-core/mcp"
)

const (
	// ResponseChannelBuffer is the capacity of a turn's chunk channel.
	ResponseChannelBuffer = 100

	// ResponseChannelFullTimeout is how long a chunk send waits on a full
	// response channel before the chunk is dropped.
	ResponseChannelFullTimeout = 10 * time.Second

	// ApprovalChannelBuffer sizes the approval request/response channels.
	// One outstanding request per conversation.
	ApprovalChannelBuffer = 1
)

// StreamInputMessage is the JSON message written to the agent CLI's stdin.
type StreamInputMessage struct {
	Type    string             `json:"type"`
	Message StreamInputPayload `json:"message"`
}

// StreamInputPayload carries the role and content blocks of an input message.
type StreamInputPayload struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a single block of input content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewUserInputMessage wraps prompt text in the stream input envelope.
func NewUserInputMessage(text string) StreamInputMessage {
	return StreamInputMessage{
		Type: "user",
		Message: StreamInputPayload{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// DisplayText returns the concatenated text content of the message.
func (m StreamInputMessage) DisplayText() string {
	var out string
	for _, block := range m.Message.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// SendOptions configures a single turn.
type SendOptions struct {
	// Prompt is the user's message text.
	Prompt string

	// SessionID identifies the agent session. The engine generates a UUID
	// before the first turn; SessionStarted selects --resume over
	// --session-id.
	SessionID      string
	SessionStarted bool

	// WorkingDir is the worktree path when the conversation has one,
	// otherwise the repository root.
	WorkingDir string

	AllowedTools   []string
	PermissionMode string
	Model          string
	SystemPrompt   string

	// DisableStreamingChunks turns off partial message deltas.
	DisableStreamingChunks bool
}

// Runner manages the agent processes for one conversation: at most one live
// process, an MCP approval socket shared across turns, and per-turn chunk
// delivery. Create one with NewRunner and release it with Stop.
type Runner struct {
	conversationID string
	definition     Definition
	log            *slog.Logger

	mu              sync.RWMutex
	supervisor      *Supervisor
	turnChannel     TurnChannel
	stream          TurnStream
	hasStreamEvents bool

	approvals     *mcp.ChannelPair[mcp.ApprovalRequest, mcp.ApprovalResponse]
	socketServer  *mcp.SocketServer
	mcpConfigPath string

	streamLogFile *os.File

	stopped  bool
	stopOnce sync.Once
}

// NewRunner creates a runner for a conversation using the given agent
// definition. No process is spawned until Send.
func NewRunner(conversationID string, definition Definition) *Runner {
	return &Runner{
		conversationID: conversationID,
		definition:     definition,
		log:            logger.WithConversation(conversationID),
	}
}

// ConversationID returns the conversation this runner serves.
func (r *Runner) ConversationID() string {
	return r.conversationID
}

// AgentID returns the id of the agent definition in use.
func (r *Runner) AgentID() string {
	return r.definition.ID
}

// Phase returns the lifecycle phase of the current turn's process, or
// PhaseIdle when no turn has run yet.
func (r *Runner) Phase() Phase {
	r.mu.RLock()
	sup := r.supervisor
	r.mu.RUnlock()

	if sup == nil {
		return PhaseIdle
	}
	return sup.Phase()
}

// Busy reports whether a turn is currently in flight.
func (r *Runner) Busy() bool {
	r.mu.RLock()
	sup := r.supervisor
	r.mu.RUnlock()

	return sup != nil && !sup.Phase().Terminal()
}

// IsStreaming reports whether chunk delivery for the current turn is still
// active.
func (r *Runner) IsStreaming() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stream.Live
}

// ApprovalRequests returns the channel permission requests arrive on, or
// nil after Stop. A nil channel blocks forever in a select, which is the
// desired behavior for stopped runners.
func (r *Runner) ApprovalRequests() <-chan mcp.ApprovalRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped || r.approvals == nil {
		return nil
	}
	return r.approvals.Req
}

// RespondApproval delivers a permission decision to the waiting MCP server.
func (r *Runner) RespondApproval(resp mcp.ApprovalResponse) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped || r.approvals == nil || r.approvals.Resp == nil {
		return fmt.Errorf("no approval channel for conversation %s", r.conversationID)
	}

	select {
	case r.approvals.Resp <- resp:
		return nil
	default:
		return fmt.Errorf("approval response channel full for conversation %s", r.conversationID)
	}
}

// Send starts one turn: it kills any in-flight process, spawns a fresh one,
// writes the prompt to stdin and closes it, and returns the channel the
// turn's chunks arrive on. The channel is closed when the process exits.
func (r *Runner) Send(opts SendOptions) (<-chan Chunk, error) {
	r.mu.RLock()
	stopped := r.stopped
	old := r.supervisor
	r.mu.RUnlock()

	if stopped {
		return nil, fmt.Errorf("runner for conversation %s is stopped", r.conversationID)
	}

	if old != nil && !old.Phase().Terminal() {
		r.log.Info("killing in-flight turn before new send")
		old.Kill()
		<-old.Done()
	}

	payload, err := json.Marshal(NewUserInputMessage(opts.Prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner for conversation %s is stopped", r.conversationID)
	}

	if err := r.ensureServerRunningLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.ensureStreamLogLocked(opts.SessionID)

	ch := make(chan Chunk, ResponseChannelBuffer)
	r.turnChannel.Setup(ch)
	r.stream.Begin()
	r.hasStreamEvents = !opts.DisableStreamingChunks

	spawn := SpawnConfig{
		ConversationID:         r.conversationID,
		SessionID:              opts.SessionID,
		SessionStarted:         opts.SessionStarted,
		WorkingDir:             opts.WorkingDir,
		Command:                r.definition.Command,
		ExtraArgs:              r.definition.Args,
		AllowedTools:           opts.AllowedTools,
		PermissionMode:         opts.PermissionMode,
		Model:                  opts.Model,
		MCPConfigPath:          r.mcpConfigPath,
		SystemPrompt:           opts.SystemPrompt,
		DisableStreamingChunks: opts.DisableStreamingChunks,
	}
	if spawn.Model == "" {
		spawn.Model = r.definition.Model
	}

	sup := NewSupervisor(spawn, Callbacks{
		OnLine: r.handleLine,
		OnExit: r.handleExit,
	}, r.log)

	if err := sup.Start(); err != nil {
		r.turnChannel.Close()
		r.stream.Reset()
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	r.supervisor = sup
	r.mu.Unlock()

	go func() {
		if err := sup.WriteInput(append(payload, '\n')); err != nil {
			r.log.Error("failed to write prompt to agent", "error", err)
			sup.Kill()
			return
		}
		if err := sup.CloseInput(); err != nil {
			r.log.Debug("error closing agent stdin", "error", err)
		}
	}()

	return ch, nil
}

// Kill terminates the current turn's process, if any. The turn finishes
// with phase killed; the runner stays usable for the next Send.
func (r *Runner) Kill() {
	r.mu.RLock()
	sup := r.supervisor
	r.mu.RUnlock()

	if sup != nil {
		sup.Kill()
	}
}

// Stop kills any in-flight process and releases the runner's resources:
// the approval socket server, its config file, and the stream log.
// Idempotent.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.log.Debug("stopping runner")

		r.mu.RLock()
		sup := r.supervisor
		r.mu.RUnlock()

		if sup != nil {
			sup.Kill()
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		r.stopped = true
		r.turnChannel.Close()

		if r.socketServer != nil {
			if err := r.socketServer.Close(); err != nil {
				r.log.Debug("error closing approval socket server", "error", err)
			}
			r.socketServer = nil
		}
		if r.mcpConfigPath != "" {
			os.Remove(r.mcpConfigPath)
			r.mcpConfigPath = ""
		}
		if r.approvals != nil {
			r.approvals.Close()
			r.approvals = nil
		}
		if r.streamLogFile != nil {
			r.streamLogFile.Close()
			r.streamLogFile = nil
		}
	})
}

// handleLine receives one stdout line from the supervisor: it is appended
// to the raw stream log, parsed into chunks, and the chunks delivered on
// the response channel.
func (r *Runner) handleLine(line string) {
	r.mu.RLock()
	logFile := r.streamLogFile
	hasStreamEvents := r.hasStreamEvents
	stopped := r.stopped
	r.mu.RUnlock()

	if stopped {
		return
	}

	if logFile != nil {
		if _, err := logFile.WriteString(line + "\n"); err != nil {
			r.log.Debug("failed to write stream log", "error", err)
		}
	}

	for _, chunk := range parseStreamMessage(line, hasStreamEvents, r.log) {
		switch chunk.Type {
		case ChunkTypeText:
			// The CLI starts each turn's text with a newline; trim it from
			// the first chunk so transcripts don't lead with a blank line.
			r.mu.Lock()
			if r.stream.AwaitFirst {
				chunk.Content = strings.TrimPrefix(chunk.Content, "\n")
				r.stream.AwaitFirst = false
			}
			r.mu.Unlock()
			if chunk.Content == "" {
				continue
			}
		case ChunkTypeResult:
			r.mu.RLock()
			sup := r.supervisor
			r.mu.RUnlock()
			if sup != nil {
				sup.MarkResultSeen()
			}
		}
		r.sendChunk(chunk)
	}
}

// handleExit runs once per turn after the process exits and output is
// drained. Failures are delivered as an error chunk; the final chunk
// carries Done and the channel is closed.
func (r *Runner) handleExit(phase Phase, err error, stderrTail string) {
	final := Chunk{Done: true}
	if err != nil && phase == PhaseFailed {
		final.Error = err
	}
	r.sendChunk(final)

	r.mu.Lock()
	r.stream.Finish()
	r.turnChannel.Close()
	r.mu.Unlock()
}

// sendChunk delivers a chunk on the response channel. It first attempts a
// non-blocking send, then waits up to ResponseChannelFullTimeout before
// dropping the chunk. Safe without the lock: the channel is closed only
// after the supervisor's reader goroutines (which call this) have finished.
func (r *Runner) sendChunk(chunk Chunk) {
	r.mu.RLock()
	open := r.turnChannel.IsOpen()
	ch := r.turnChannel.Ch
	r.mu.RUnlock()

	if !open || ch == nil {
		return
	}

	select {
	case ch <- chunk:
		return
	default:
	}

	r.log.Debug("response channel full, waiting", "chunk_type", chunk.Type)
	select {
	case ch <- chunk:
	case <-time.After(ResponseChannelFullTimeout):
		r.log.Warn("dropping chunk, response channel full",
			"chunk_type", chunk.Type,
			"conversation_id", r.conversationID)
	}
}

// ensureStreamLogLocked opens the raw stream log for the session if it is
// not already open. Failure to open is logged and otherwise ignored; the
// turn proceeds without a stream log.
func (r *Runner) ensureStreamLogLocked(sessionID string) {
	if r.streamLogFile != nil || sessionID == "" {
		return
	}

	path, err := logger.StreamLogPath(sessionID)
	if err != nil {
		r.log.Warn("failed to resolve stream log path", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		r.log.Warn("failed to open stream log", "path", path, "error", err)
		return
	}
	r.streamLogFile = f
}
