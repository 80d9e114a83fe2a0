// Package permission arbitrates tool approvals between a running agent
// process and the user. Each conversation may have at most one outstanding
// request; the agent blocks until the request resolves as approved, denied,
// or timed out.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorushq/chorus-core/logger"
)

const (
	// ResponseTimeout bounds how long a request may stay outstanding before
	// it resolves as timed out.
	ResponseTimeout = 5 * time.Minute

	// resultChannelBuffer lets Respond deliver without blocking on the
	// waiting requester.
	resultChannelBuffer = 1
)

// ErrStaleRequest is returned by Respond when the request id is not
// outstanding, typically because it already timed out or was cancelled.
var ErrStaleRequest = errors.New("permission request not outstanding")

// ErrRequestPending is returned by Request when the conversation already has
// an outstanding request.
var ErrRequestPending = errors.New("permission request already outstanding for conversation")

// Request is a pending tool approval.
type Request struct {
	RequestID      string          `json:"requestId"`
	ConversationID string          `json:"conversationId"`
	ToolName       string          `json:"toolName"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	IssuedAt       time.Time       `json:"issuedAt"`
}

// Response is the user's answer to a request.
type Response struct {
	Approved bool `json:"approved"`
	// Reason is shown to the agent on denial.
	Reason string `json:"reason,omitempty"`
	// StopCompletely aborts the rest of the turn, not just this tool call.
	StopCompletely bool `json:"stopCompletely,omitempty"`
	// UpdatedInput optionally replaces the tool input on approval.
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
}

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timedOut"
)

// Result is what the waiting requester receives.
type Result struct {
	Outcome        Outcome
	Reason         string
	StopCompletely bool
	UpdatedInput   json.RawMessage
}

// Approved reports whether the request resolved as approved.
func (r Result) Approved() bool {
	return r.Outcome == OutcomeApproved
}

type pendingRequest struct {
	request Request
	result  chan Result
}

// Broker tracks outstanding permission requests keyed by conversation.
// The notify callback publishes each new request so the UI can prompt;
// it is invoked outside the broker's lock.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest // conversation id -> pending
	byID    map[string]string          // request id -> conversation id
	notify  func(Request)
	timeout time.Duration
}

// NewBroker creates a Broker. notify may be nil when no listener is wired.
func NewBroker(notify func(Request)) *Broker {
	return &Broker{
		pending: make(map[string]*pendingRequest),
		byID:    make(map[string]string),
		notify:  notify,
		timeout: ResponseTimeout,
	}
}

// SetTimeout overrides the response timeout (for testing).
func (b *Broker) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// Request registers a new permission request and blocks until it resolves.
// Cancelling ctx resolves the request as denied. A second request for a
// conversation that already has one outstanding fails with
// ErrRequestPending.
func (b *Broker) Request(ctx context.Context, conversationID, toolName string, toolInput json.RawMessage) (Result, error) {
	log := logger.WithConversation(conversationID)

	b.mu.Lock()
	if _, exists := b.pending[conversationID]; exists {
		b.mu.Unlock()
		return Result{}, ErrRequestPending
	}

	req := Request{
		RequestID:      uuid.NewString(),
		ConversationID: conversationID,
		ToolName:       toolName,
		ToolInput:      toolInput,
		IssuedAt:       time.Now(),
	}
	p := &pendingRequest{
		request: req,
		result:  make(chan Result, resultChannelBuffer),
	}
	b.pending[conversationID] = p
	b.byID[req.RequestID] = conversationID
	notify := b.notify
	timeout := b.timeout
	b.mu.Unlock()

	log.Info("permission request issued", "requestID", req.RequestID, "tool", toolName)
	if notify != nil {
		notify(req)
	}

	select {
	case result := <-p.result:
		log.Info("permission request resolved", "requestID", req.RequestID, "outcome", result.Outcome)
		return result, nil
	case <-time.After(timeout):
		b.unregister(req.RequestID)
		log.Warn("permission request timed out", "requestID", req.RequestID, "tool", toolName)
		return Result{Outcome: OutcomeTimedOut, Reason: "permission request timed out"}, nil
	case <-ctx.Done():
		b.unregister(req.RequestID)
		log.Info("permission request cancelled", "requestID", req.RequestID)
		return Result{Outcome: OutcomeDenied, Reason: "conversation stopped", StopCompletely: true}, nil
	}
}

// Respond resolves an outstanding request. Responses for unknown request ids
// return ErrStaleRequest and mutate nothing.
func (b *Broker) Respond(requestID string, resp Response) error {
	b.mu.Lock()
	conversationID, ok := b.byID[requestID]
	if !ok {
		b.mu.Unlock()
		logger.Get().Warn("stale permission response ignored", "requestID", requestID)
		return ErrStaleRequest
	}
	p := b.pending[conversationID]
	delete(b.pending, conversationID)
	delete(b.byID, requestID)
	b.mu.Unlock()

	result := Result{
		Reason:         resp.Reason,
		StopCompletely: resp.StopCompletely,
		UpdatedInput:   resp.UpdatedInput,
	}
	if resp.Approved {
		result.Outcome = OutcomeApproved
	} else {
		result.Outcome = OutcomeDenied
	}

	p.result <- result
	return nil
}

// Outstanding returns a copy of the conversation's outstanding request, or
// nil when there is none.
func (b *Broker) Outstanding(conversationID string) *Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[conversationID]
	if !ok {
		return nil
	}
	req := p.request // copy
	return &req
}

// CancelConversation resolves a conversation's outstanding request as denied.
// Called on stop so the request never dangles. Returns false when nothing
// was outstanding.
func (b *Broker) CancelConversation(conversationID string) bool {
	b.mu.Lock()
	p, ok := b.pending[conversationID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, conversationID)
	delete(b.byID, p.request.RequestID)
	b.mu.Unlock()

	p.result <- Result{Outcome: OutcomeDenied, Reason: "conversation stopped", StopCompletely: true}
	logger.WithConversation(conversationID).Info("outstanding permission request cancelled", "requestID", p.request.RequestID)
	return true
}

// unregister drops a request if it is still outstanding.
func (b *Broker) unregister(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conversationID, ok := b.byID[requestID]
	if !ok {
		return
	}
	delete(b.pending, conversationID)
	delete(b.byID, requestID)
}

// Decide applies the mode policy and, when the policy says Ask, routes the
// invocation through the broker. This is the single entry point used by the
// approval transport.
func (b *Broker) Decide(ctx context.Context, mode Mode, allowedTools []string, conversationID, toolName string, toolInput json.RawMessage) (Result, error) {
	switch Evaluate(mode, toolName, allowedTools) {
	case Allow:
		return Result{Outcome: OutcomeApproved}, nil
	case Deny:
		reason := "tool blocked by permission mode"
		if mode == ModePlan {
			reason = "plan mode blocks mutating tools"
		}
		return Result{Outcome: OutcomeDenied, Reason: reason}, nil
	default:
		return b.Request(ctx, conversationID, toolName, toolInput)
	}
}
