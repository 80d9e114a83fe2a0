package agent

import (
	"slices"
	"testing"
)

func TestComposeTools(t *testing.T) {
	tests := []struct {
		name string
		sets [][]string
		want []string
	}{
		{
			name: "no sets",
			sets: nil,
			want: nil,
		},
		{
			name: "single set passes through",
			sets: [][]string{FileTools},
			want: FileTools,
		},
		{
			name: "duplicates collapse, first occurrence wins",
			sets: [][]string{{"Read", "Write"}, {"Read", "Bash"}},
			want: []string{"Read", "Write", "Bash"},
		},
		{
			name: "order follows set order",
			sets: [][]string{{"Glob"}, {"Grep"}, {"Glob", "Task"}},
			want: []string{"Glob", "Grep", "Task"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComposeTools(tt.sets...)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ComposeTools(%v) = %v, want %v", tt.sets, got, tt.want)
			}
		})
	}
}

func TestDefaultAllowedTools_Composition(t *testing.T) {
	if !slices.Equal(DefaultAllowedTools, ComposeTools(FileTools, ReadOnlyShellTools)) {
		t.Errorf("DefaultAllowedTools = %v, want file tools plus read-only shell", DefaultAllowedTools)
	}
}

func TestReadOnlyShellTools_ReadOnly(t *testing.T) {
	if slices.Contains(ReadOnlyShellTools, "Bash") {
		t.Error("read-only shell set must not contain unrestricted Bash")
	}

	// Commits, pushes and checkouts go through the git service, never
	// through the agent's shell.
	for _, banned := range []string{"git commit", "git push", "git checkout", "git merge"} {
		if slices.Contains(ReadOnlyShellTools, "Bash("+banned+":*)") {
			t.Errorf("read-only shell set must not allow %q", banned)
		}
	}

	for _, want := range []string{"Bash(git status:*)", "Bash(git diff:*)", "Bash(git log:*)"} {
		if !slices.Contains(ReadOnlyShellTools, want) {
			t.Errorf("read-only shell set missing %q", want)
		}
	}
}
