// Package mcp implements the Model Context Protocol (MCP) transport for tool approvals.
//
// # Overview
//
// The mcp package lets an agent CLI delegate tool approval decisions to the
// engine's permission broker. This is done through a three-layer architecture:
//
//  1. MCP Server (subprocess): Runs as a separate process with stdin/stdout
//     communication. Implements the JSON-RPC 2.0 protocol and receives tool
//     calls from the agent CLI.
//
//  2. Unix Socket IPC: Communication channel between the MCP server subprocess
//     and the engine. Located at /tmp/chorus-<conversation-id>.sock. The MCP
//     server sends approval requests through this socket and receives decisions.
//
//  3. Permission Broker: Evaluates the request against the conversation's
//     permission mode and allowlist, surfaces it to the embedding application
//     when a human decision is needed, and returns the result.
//
// # Approval Flow
//
// The approval flow works as follows:
//
//	agent CLI
//	    ↓ (--permission-prompt-tool mcp__chorus__approval_prompt)
//	MCP Server (subprocess)
//	    ↓ (JSON-RPC tool call)
//	SocketClient
//	    ↓ (Unix socket)
//	SocketServer.Run()
//	    ↓ (channel pair)
//	engine → permission broker ← decision recorded
//	    ↓
//	response travels back over the socket
//	    ↓
//	MCP Server sends tool result back to the agent CLI
//
// # Components
//
// Server: the JSON-RPC 2.0 loop that the agent CLI talks to over stdio
// over stdin/stdout. It exposes a single approval_prompt tool and auto-approves
// tools on its allowed list without a socket round trip.
//
// SocketServer: Listens for approval requests from MCP server subprocesses and
// forwards them to the engine through a ChannelPair. Manages the Unix socket
// lifecycle.
//
// SocketClient: Used by the MCP server subprocess to connect to the engine's
// socket server and send approval requests.
//
// # Timeouts
//
// To prevent deadlocks, all handoffs have timeouts:
//   - ApprovalResponseTimeout: 5 minutes for a decision on a forwarded request
//   - DecisionHandoffTimeout / DecisionWaitTimeout: channel handoffs inside the subprocess
//   - SocketReadTimeout / SocketWriteTimeout: 10 seconds for socket operations
//
// If a timeout occurs, the tool call is denied so the agent CLI never hangs.
package mcp
