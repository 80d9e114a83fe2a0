// Package agent spawns and supervises agent CLI processes and parses their
// newline-delimited JSON output into typed chunks.
//
// # Overview
//
// Each conversation gets a Runner. A Runner owns at most one live agent
// process at a time, the MCP approval socket shared across the
// conversation's turns, and the raw stream log. Each call to Send spawns a
// fresh process for one turn: the prompt is written to stdin, stdin is
// closed, and the process exits after emitting its terminal result event.
//
//	runner := agent.NewRunner(conversationID, definition)
//	defer runner.Stop()
//
//	ch, err := runner.Send(agent.SendOptions{
//		Prompt:     "fix the failing test",
//		SessionID:  sessionID,
//		WorkingDir: repoPath,
//	})
//	if err != nil {
//		return err
//	}
//	for chunk := range ch {
//		// handle text, tool_use, result, ... chunks
//	}
//
// # Session Management
//
// Sessions belong to the agent CLI; the engine only carries their ids. The
// first turn of a conversation passes a pre-generated UUID with
// --session-id, and the CLI's system/init event confirms (or replaces) it.
// Later turns resume with --resume. This ordering lets callers name
// branches and worktrees after the session before the process starts.
//
// # Process Lifecycle
//
// A Supervisor runs exactly one process through the phases
//
//	idle -> spawning -> running -> succeeded | failed | killed
//
// Sending while a turn is in flight kills the old process and waits for it
// to exit before spawning the new one. There are no automatic restarts: a
// failed turn is reported and the conversation returns to idle.
//
// # Message Streaming
//
// Stdout lines are parsed by parseStreamMessage into Chunk values and
// delivered on the channel returned by Send. Unparseable lines become raw
// chunks rather than being dropped. The channel is closed when the process
// exits; the final chunk carries Done and, for failures, an Error.
//
// # Permission Flow
//
// When a tool call needs approval:
//
//  1. The agent CLI invokes the configured MCP permission tool.
//  2. The mcp-serve subprocess forwards the request over the conversation's
//     unix socket to the Runner's SocketServer.
//  3. The request surfaces on ApprovalRequests; the engine routes it
//     through the permission broker and the UI.
//  4. RespondApproval carries the decision back down the same path.
//
// # Thread Safety
//
// Runner and Supervisor methods are safe for concurrent use. Chunk
// channels are owned by a single turn and closed exactly once.
package agent
