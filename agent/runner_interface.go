package agent

import "github.com/chorushq/chorus-core/mcp"

// RunnerInterface abstracts Runner so the engine can substitute a mock in
// tests without spawning real agent processes.
type RunnerInterface interface {
	// ConversationID returns the conversation this runner serves.
	ConversationID() string

	// AgentID returns the id of the agent definition in use.
	AgentID() string

	// Phase returns the lifecycle phase of the current turn's process, or
	// PhaseIdle when no turn has run yet.
	Phase() Phase

	// Busy reports whether a turn is currently in flight.
	Busy() bool

	// Send starts one turn and returns the channel its chunks arrive on.
	// The channel is closed when the turn's process exits.
	Send(opts SendOptions) (<-chan Chunk, error)

	// Kill terminates the current turn's process without releasing the
	// runner.
	Kill()

	// Stop kills any in-flight process and releases all resources.
	// Idempotent.
	Stop()

	// ApprovalRequests returns the channel permission requests arrive on,
	// or nil after Stop.
	ApprovalRequests() <-chan mcp.ApprovalRequest

	// RespondApproval delivers a permission decision to the waiting MCP
	// server.
	RespondApproval(resp mcp.ApprovalResponse) error
}

// Ensure Runner implements RunnerInterface at compile time.
var _ RunnerInterface = (*Runner)(nil)
