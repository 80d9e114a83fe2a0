package git

import (
	"context"
	"fmt"
	"strings"
)

// WorktreeStatus summarizes uncommitted changes in a working copy.
type WorktreeStatus struct {
	HasChanges bool
	Summary    string   // short summary like "3 files changed"
	Files      []string // changed file paths relative to the repo root
}

// GetWorktreeStatus reports the uncommitted changes in a working copy
// using git status --porcelain.
func (s *GitService) GetWorktreeStatus(ctx context.Context, worktreePath string) (*WorktreeStatus, error) {
	stdout, stderr, err := s.executor.Run(ctx, worktreePath, "git", "status", "--porcelain")
	if err != nil {
		return nil, gitError("status", stderr, err)
	}

	// Only trim trailing whitespace. Leading space is significant in the
	// porcelain format: " M file.go" means modified in the working tree.
	porcelain := strings.TrimRight(string(stdout), "\n\r\t ")
	if porcelain == "" {
		return &WorktreeStatus{Summary: "No changes"}, nil
	}

	status := &WorktreeStatus{HasChanges: true}
	for line := range strings.SplitSeq(porcelain, "\n") {
		if len(line) <= 3 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		// Renames appear as "old -> new"; the new path is the one that exists.
		if _, after, ok := strings.Cut(name, " -> "); ok {
			name = after
		}
		status.Files = append(status.Files, name)
	}

	status.Summary = fmt.Sprintf("%d files changed", len(status.Files))
	if len(status.Files) == 1 {
		status.Summary = "1 file changed"
	}
	return status, nil
}

// HasUncommittedChanges reports whether the working copy is dirty.
func (s *GitService) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	status, err := s.GetWorktreeStatus(ctx, worktreePath)
	if err != nil {
		return false, err
	}
	return status.HasChanges, nil
}

// GetConflictedFiles returns the files with unresolved merge conflicts.
func (s *GitService) GetConflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	output, err := s.executor.Output(ctx, repoPath, "git", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("conflicted files listing: %w", err)
	}
	return splitLines(string(output)), nil
}

// IsMergeInProgress reports whether a merge is underway, i.e. MERGE_HEAD
// exists.
func (s *GitService) IsMergeInProgress(ctx context.Context, repoPath string) (bool, error) {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	if err != nil {
		return false, nil
	}
	return true, nil
}
