package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chorushq/chorus-core/mcp"
)

// mcpServerKey is the server name in the MCP config file. The agent CLI
// derives the permission tool name from it (see PermissionPromptTool).
const mcpServerKey = "chorus"

// ensureServerRunningLocked starts the approval socket server and writes
// the MCP config file on first use. Later turns of the conversation reuse
// both. Caller holds r.mu.
func (r *Runner) ensureServerRunningLocked() error {
	if r.socketServer != nil {
		return nil
	}

	approvals := mcp.NewChannelPair[mcp.ApprovalRequest, mcp.ApprovalResponse](ApprovalChannelBuffer)
	server, err := mcp.NewSocketServer(r.conversationID, approvals)
	if err != nil {
		approvals.Close()
		return fmt.Errorf("failed to create approval socket server: %w", err)
	}

	server.Start()
	server.WaitReady()

	r.socketServer = server
	r.approvals = approvals

	if err := r.createMCPConfigLocked(); err != nil {
		server.Close()
		approvals.Close()
		r.socketServer = nil
		r.approvals = nil
		return err
	}

	r.log.Debug("approval socket server running", "socket", server.SocketPath())
	return nil
}

// createMCPConfigLocked writes the MCP config file the agent CLI is pointed
// at. The config re-invokes this program's own binary in MCP serve mode;
// the embedding application dispatches the mcp-serve subcommand to
// mcp.Serve, which bridges stdio to the approval socket.
func (r *Runner) createMCPConfigLocked() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to determine executable path: %w", err)
	}

	config := map[string]any{
		"mcpServers": map[string]any{
			mcpServerKey: map[string]any{
				"command": execPath,
				"args":    []string{"mcp-serve", "--conversation-id", r.conversationID},
			},
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode MCP config: %w", err)
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("chorus-mcp-%s.json", r.conversationID))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write MCP config: %w", err)
	}

	r.mcpConfigPath = path
	return nil
}
