package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	// WorkspaceDirName is the per-workspace settings directory, created at
	// the workspace root.
	WorkspaceDirName = ".chorus"

	workspaceSettingsFileName = "workspace-settings.json"
)

// GitSettings gates the Git automation state machine per workspace.
type GitSettings struct {
	AutoBranch   bool `json:"autoBranch"`
	AutoCommit   bool `json:"autoCommit"`
	UseWorktrees bool `json:"useWorktrees"`
}

// WorkspaceSettings holds workspace-level defaults, persisted inside the
// workspace at .chorus/workspace-settings.json. Conversation settings
// override these; the file's shape is shared with other Chorus frontends,
// so field names must not change.
type WorkspaceSettings struct {
	DefaultPermissionMode string       `json:"defaultPermissionMode,omitempty"`
	DefaultAllowedTools   []string     `json:"defaultAllowedTools,omitempty"`
	DefaultModel          string       `json:"defaultModel,omitempty"`
	Git                   *GitSettings `json:"git,omitempty"`
}

// WorkspaceSettingsPath returns the settings file path for a workspace root.
func WorkspaceSettingsPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, WorkspaceDirName, workspaceSettingsFileName)
}

// LoadWorkspaceSettings reads a workspace's settings. A missing file yields
// zero-value settings, not an error.
func LoadWorkspaceSettings(workspaceRoot string) (*WorkspaceSettings, error) {
	ws := &WorkspaceSettings{}

	data, err := os.ReadFile(WorkspaceSettingsPath(workspaceRoot))
	if os.IsNotExist(err) {
		return ws, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, ws); err != nil {
		return nil, err
	}

	return ws, nil
}

// Save writes the settings into the workspace's .chorus directory.
func (ws *WorkspaceSettings) Save(workspaceRoot string) error {
	dir := filepath.Join(workspaceRoot, WorkspaceDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(WorkspaceSettingsPath(workspaceRoot), data, 0644)
}

// GitAutomation returns the Git automation settings, defaulting to all
// automation off when the git block is absent.
func (ws *WorkspaceSettings) GitAutomation() GitSettings {
	if ws == nil || ws.Git == nil {
		return GitSettings{}
	}
	return *ws.Git
}
