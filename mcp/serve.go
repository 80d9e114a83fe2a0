package mcp

import (
	"fmt"
	"os"
	"sync"

	"github.com/chorushq/chorus-core/logger"
)

// Serve runs the approval MCP server over stdin/stdout until the agent CLI
// closes the stream. It is the entry point for the subprocess declared in the
// agent's MCP config: it dials the engine's Unix socket for the conversation
// and bridges approval_prompt tool calls to it. Stdout is reserved for the
// JSON-RPC protocol, so callers must not write to it while Serve is running.
//
// allowedTools seeds the server's auto-approval list; pass nil to forward
// every call to the engine. Serve returns once the stream closes; the
// subprocess is expected to exit shortly after, which reaps the forwarding
// goroutine along with any approval still in flight.
func Serve(conversationID string, allowedTools []string) error {
	// The subprocess gets its own log file; sharing the engine's would
	// interleave two processes' output
	if path, err := logger.MCPLogPath(conversationID); err == nil {
		if err := logger.Init(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: mcp log unavailable: %v\n", err)
		}
	}

	client, err := NewSocketClient(SocketPathFor(conversationID))
	if err != nil {
		return fmt.Errorf("connect to approval socket: %w", err)
	}
	defer client.Close()

	approvals := NewChannelPair[ApprovalRequest, ApprovalResponse](1)

	var wg sync.WaitGroup
	ForwardRequests(&wg, approvals.Req, approvals.Resp,
		client.SendApprovalRequest,
		func(req ApprovalRequest) ApprovalResponse {
			return ApprovalResponse{ID: req.ID, Allowed: false, Message: "Engine unavailable"}
		},
	)

	server := NewServer(os.Stdin, os.Stdout, approvals, allowedTools, conversationID)
	return server.Run()
}
