package agent

import "slices"

// Tool sets are composable building blocks for allowed-tool lists. The
// engine falls back to DefaultAllowedTools; embedding shells compose their
// own lists from the sets via ComposeTools rather than relying on the
// engine to make policy decisions.

// FileTools are the core file-operation tools, safe for any workspace.
var FileTools = []string{
	"Read",
	"Glob",
	"Grep",
	"Edit",
	"Write",
}

// ReadOnlyShellTools are shell commands that cannot modify the workspace,
// including the git inspection commands an agent needs to orient itself
// in a repository.
var ReadOnlyShellTools = []string{
	"Bash(ls:*)",
	"Bash(cat:*)",
	"Bash(head:*)",
	"Bash(tail:*)",
	"Bash(wc:*)",
	"Bash(pwd:*)",
	"Bash(git status:*)",
	"Bash(git diff:*)",
	"Bash(git log:*)",
}

// WebTools grant outbound web access.
var WebTools = []string{
	"WebFetch",
	"WebSearch",
}

// PlanningTools cover todo tracking, notebooks, and subtasks.
var PlanningTools = []string{
	"TodoWrite",
	"NotebookEdit",
	"Task",
}

// DefaultAllowedTools is the minimal set of safe tools allowed by default.
// Workspaces and conversations can extend it via settings, and the broker
// adds tools the user approves with "always allow".
var DefaultAllowedTools = ComposeTools(FileTools, ReadOnlyShellTools)

// ComposeTools merges tool sets into one deduplicated slice. Order is
// preserved; the first occurrence wins.
func ComposeTools(sets ...[]string) []string {
	var merged []string
	for _, set := range sets {
		for _, tool := range set {
			if !slices.Contains(merged, tool) {
				merged = append(merged, tool)
			}
		}
	}
	return merged
}
