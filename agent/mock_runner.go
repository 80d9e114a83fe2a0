package agent

import (
	"errors"
	"slices"
	"sync"

	"github.com/chorushq/chorus-core/mcp"
)

var (
	errMockStopped     = errors.New("mock runner is stopped")
	errMockChannelFull = errors.New("approval response channel full")
)

// MockRunner is an in-memory RunnerInterface for engine tests. It never
// spawns a process: tests script the stream with QueueChunks and inject
// permission traffic with SimulateApprovalRequest.
//
// NOTE: This file is used by integration tests in engine/*_test.go.
type MockRunner struct {
	mu sync.RWMutex

	conversationID string
	agentID        string
	phase          Phase

	// Chunks scripted by tests, drained by the next Send.
	scripted     []Chunk
	stream       chan Chunk
	streamClosed bool

	approvals *mcp.ChannelPair[mcp.ApprovalRequest, mcp.ApprovalResponse]

	// Test hooks, invoked synchronously when set.
	OnSend         func(opts SendOptions)
	OnApprovalResp func(resp mcp.ApprovalResponse)

	sends     []SendOptions
	killCount int
	stopped   bool
}

// NewMockRunner returns an idle mock bound to the given conversation.
func NewMockRunner(conversationID string) *MockRunner {
	return &MockRunner{
		conversationID: conversationID,
		agentID:        DefaultAgentID,
		phase:          PhaseIdle,
		approvals:      mcp.NewChannelPair[mcp.ApprovalRequest, mcp.ApprovalResponse](ApprovalChannelBuffer),
	}
}

// QueueChunks scripts chunks for the next Send. Include a chunk with Done
// set to end the turn; without one the channel stays open to simulate an
// in-progress turn.
func (m *MockRunner) QueueChunks(chunks ...Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, chunks...)
}

// SimulateApprovalRequest delivers a permission request as if the agent
// CLI had asked for one.
func (m *MockRunner) SimulateApprovalRequest(req mcp.ApprovalRequest) {
	m.mu.RLock()
	done := m.stopped
	m.mu.RUnlock()
	if done {
		return
	}
	m.approvals.Req <- req
}

// Sends returns every SendOptions passed to Send, in order.
func (m *MockRunner) Sends() []SendOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sends)
}

// KillCount returns how many times Kill was called.
func (m *MockRunner) KillCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killCount
}

// SetPhase lets tests force a lifecycle phase.
func (m *MockRunner) SetPhase(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
}

// ConversationID implements RunnerInterface.
func (m *MockRunner) ConversationID() string {
	return m.conversationID
}

// AgentID implements RunnerInterface.
func (m *MockRunner) AgentID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agentID
}

// Phase implements RunnerInterface.
func (m *MockRunner) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Busy implements RunnerInterface.
func (m *MockRunner) Busy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase == PhaseSpawning || m.phase == PhaseRunning
}

// Send implements RunnerInterface. Scripted chunks are streamed on the
// returned channel; a scripted Done chunk closes it and settles the phase.
func (m *MockRunner) Send(opts SendOptions) (<-chan Chunk, error) {
	m.mu.Lock()

	if m.stopped {
		m.mu.Unlock()
		return nil, errMockStopped
	}

	m.sends = append(m.sends, opts)
	if m.OnSend != nil {
		m.OnSend(opts)
	}

	ch := make(chan Chunk, ResponseChannelBuffer)
	m.stream = ch
	m.streamClosed = false
	m.phase = PhaseRunning

	pending := m.scripted
	m.scripted = nil

	m.mu.Unlock()

	go func() {
		for _, chunk := range pending {
			ch <- chunk
			if !chunk.Done {
				continue
			}
			m.mu.Lock()
			if chunk.Error != nil {
				m.phase = PhaseFailed
			} else {
				m.phase = PhaseSucceeded
			}
			m.streamClosed = true
			m.mu.Unlock()
			close(ch)
			return
		}
	}()

	return ch, nil
}

// Kill implements RunnerInterface.
func (m *MockRunner) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.killCount++
	if !m.phase.Terminal() && m.phase != PhaseIdle {
		m.phase = PhaseKilled
	}
	m.closeStreamLocked()
}

// Stop implements RunnerInterface.
func (m *MockRunner) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	m.approvals.Close()
	m.closeStreamLocked()
}

func (m *MockRunner) closeStreamLocked() {
	if m.stream != nil && !m.streamClosed {
		close(m.stream)
		m.streamClosed = true
	}
}

// ApprovalRequests implements RunnerInterface.
func (m *MockRunner) ApprovalRequests() <-chan mcp.ApprovalRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped || m.approvals == nil {
		return nil
	}
	return m.approvals.Req
}

// RespondApproval implements RunnerInterface.
func (m *MockRunner) RespondApproval(resp mcp.ApprovalResponse) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.stopped || m.approvals == nil || m.approvals.Resp == nil {
		return errMockStopped
	}

	if m.OnApprovalResp != nil {
		m.OnApprovalResp(resp)
	}

	select {
	case m.approvals.Resp <- resp:
		return nil
	default:
		return errMockChannelFull
	}
}

var _ RunnerInterface = (*MockRunner)(nil)
