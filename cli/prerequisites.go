// Package cli probes the host for the external command line tools the
// engine shells out to: git, the configured agent binaries, and gh.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	pexec "github.com/chorushq/chorus-core/exec"
)

// Prerequisite represents an external CLI tool the engine depends on.
type Prerequisite struct {
	Name        string // Command name (e.g. "git", "claude")
	Required    bool   // Whether the engine can run without it
	Description string // Shown in status and error output
	InstallURL  string // Where to get the tool
}

// Prerequisites builds the tool list for the given agent binaries. Git is
// always required, gh is optional (pull request creation degrades without
// it), and each distinct agent command is required. Agent binary names come
// from the agent registry, never hard-coded here.
func Prerequisites(agentCommands []string) []Prerequisite {
	prereqs := []Prerequisite{
		{
			Name:        "git",
			Required:    true,
			Description: "Git distributed version control",
			InstallURL:  "https://git-scm.com/downloads",
		},
		{
			Name:        "gh",
			Required:    false, // only needed for PR creation
			Description: "GitHub CLI, used to open pull requests",
			InstallURL:  "https://cli.github.com",
		},
	}

	seen := make(map[string]bool)
	for _, command := range agentCommands {
		if command == "" || seen[command] {
			continue
		}
		seen[command] = true
		prereqs = append(prereqs, Prerequisite{
			Name:        command,
			Required:    true,
			Description: fmt.Sprintf("%s agent CLI", command),
		})
	}

	return prereqs
}

// CheckResult contains the result of probing for a single prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Resolved executable path
	Version      string // First line of --version output
	Error        error
}

// Check verifies that a CLI tool is available in PATH.
func Check(p Prerequisite) CheckResult {
	path, err := exec.LookPath(p.Name)
	if err != nil {
		return CheckResult{
			Prerequisite: p,
			Error:        fmt.Errorf("%s not found in PATH", p.Name),
		}
	}

	return CheckResult{
		Prerequisite: p,
		Found:        true,
		Path:         path,
		Version:      probeVersion(p.Name),
	}
}

// CheckPrerequisites probes every tool the engine needs for the given agent
// binaries and returns one result per tool.
func CheckPrerequisites(agentCommands []string) []CheckResult {
	prereqs := Prerequisites(agentCommands)
	results := make([]CheckResult, 0, len(prereqs))
	for _, p := range prereqs {
		results = append(results, Check(p))
	}
	return results
}

// ValidateRequired returns an error describing every required tool that was
// not found. A nil return means the host can run the engine.
func ValidateRequired(results []CheckResult) error {
	var missing []string

	for _, result := range results {
		if result.Found || !result.Prerequisite.Required {
			continue
		}
		p := result.Prerequisite
		line := "  - " + p.Name + " (" + p.Description + ")"
		if p.InstallURL != "" {
			line += "\n    Install: " + p.InstallURL
		}
		missing = append(missing, line)
	}

	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("required CLI tools are missing:\n%s", strings.Join(missing, "\n"))
}

// probeVersion asks a CLI tool for its version. Git, gh, and the agent
// CLIs all answer --version. The probe runs through the process-wide
// executor so tests can stub it.
func probeVersion(name string) string {
	output, err := pexec.GetDefaultExecutor().Output(context.Background(), "", name, "--version")
	if err != nil {
		return ""
	}

	firstLine, _, _ := strings.Cut(string(output), "\n")
	v := strings.TrimSpace(firstLine)
	if len(v) > 100 {
		return v[:100] + "..."
	}
	return v
}

// FormatCheckResults formats check results for display.
func FormatCheckResults(results []CheckResult) string {
	var b strings.Builder

	b.WriteString("Host prerequisites:\n")
	for _, res := range results {
		switch {
		case res.Found:
			b.WriteString("  ✓ " + res.Prerequisite.Name)
			if res.Version != "" {
				b.WriteString(" (" + res.Version + ")")
			}
		case res.Prerequisite.Required:
			b.WriteString("  ✗ " + res.Prerequisite.Name + " [REQUIRED]")
		default:
			b.WriteString("  ○ " + res.Prerequisite.Name + " [optional]")
		}
		b.WriteString("\n")
	}

	return b.String()
}
