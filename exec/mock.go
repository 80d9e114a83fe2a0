package exec

import (
	"context"
	"slices"
	"sync"
)

// MockResponse is the canned result returned for a matched command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher reports whether a rule applies to a command.
type CommandMatcher func(dir, name string, args []string) bool

type mockRule struct {
	match CommandMatcher
	resp  MockResponse
}

// MockCall records a single command dispatched to a MockExecutor.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// MockExecutor replays canned responses for commands. Rules are checked in
// registration order and the first match wins. Every dispatched command is
// recorded so tests can assert on the exact invocations.
type MockExecutor struct {
	mu       sync.Mutex
	rules    []mockRule
	calls    []MockCall
	fallback CommandExecutor
}

// NewMockExecutor creates a MockExecutor. When fallback is non-nil,
// unmatched commands are delegated to it; otherwise they succeed with
// empty output.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddRule registers a matcher with its response.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, mockRule{match: match, resp: response})
}

// AddExactMatch registers a rule matching a command name and its full
// argument list.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(_, n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, response)
}

// AddPrefixMatch registers a rule matching a command name and a leading
// subset of its arguments. Useful when trailing arguments carry generated
// ids or absolute paths.
func (e *MockExecutor) AddPrefixMatch(name string, prefix []string, response MockResponse) {
	e.AddRule(func(_, n string, a []string) bool {
		return n == name && len(a) >= len(prefix) && slices.Equal(a[:len(prefix)], prefix)
	}, response)
}

// GetCalls returns a copy of the recorded command invocations.
func (e *MockExecutor) GetCalls() []MockCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// ClearCalls discards the recorded invocations, keeping the rules.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// dispatch records the invocation and resolves its canned response. The
// boolean is false when no rule matched and the fallback, if any, should
// run instead.
func (e *MockExecutor) dispatch(dir, name string, args []string) (MockResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: args})
	for _, r := range e.rules {
		if r.match(dir, name, args) {
			return r.resp, true
		}
	}
	return MockResponse{}, false
}

// Run replays the matched response for a command.
func (e *MockExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	if resp, ok := e.dispatch(dir, name, args); ok {
		return resp.Stdout, resp.Stderr, resp.Err
	}
	if e.fallback != nil {
		return e.fallback.Run(ctx, dir, name, args...)
	}
	// Unmatched commands succeed with empty output.
	return nil, nil, nil
}

// Output replays the matched response for a command.
func (e *MockExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	if resp, ok := e.dispatch(dir, name, args); ok {
		return resp.Stdout, resp.Err
	}
	if e.fallback != nil {
		return e.fallback.Output(ctx, dir, name, args...)
	}
	return nil, nil
}

// CombinedOutput replays the matched response for a command.
func (e *MockExecutor) CombinedOutput(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	if resp, ok := e.dispatch(dir, name, args); ok {
		return slices.Concat(resp.Stdout, resp.Stderr), resp.Err
	}
	if e.fallback != nil {
		return e.fallback.CombinedOutput(ctx, dir, name, args...)
	}
	return nil, nil
}

// Start replays the matched response behind a handle that is already done.
func (e *MockExecutor) Start(ctx context.Context, dir string, name string, args ...string) (CommandHandle, error) {
	if resp, ok := e.dispatch(dir, name, args); ok {
		return mockHandle{resp: resp}, nil
	}
	if e.fallback != nil {
		return e.fallback.Start(ctx, dir, name, args...)
	}
	return mockHandle{}, nil
}

type mockHandle struct {
	resp MockResponse
}

func (h mockHandle) Wait() (stdout, stderr []byte, err error) {
	return h.resp.Stdout, h.resp.Stderr, h.resp.Err
}

var (
	_ CommandExecutor = (*MockExecutor)(nil)
	_ CommandHandle   = mockHandle{}
)
