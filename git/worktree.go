package git

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/chorushq/chorus-core/logger"
	"github.com/chorushq/chorus-core/paths"
)

// Worktree describes one entry from git worktree list.
type Worktree struct {
	Path   string // absolute path of the working copy
	Head   string // commit the worktree is at
	Branch string // checked-out branch, empty when detached
}

// WorktreePathFor returns the deterministic worktree location for a
// conversation under the data directory.
func WorktreePathFor(conversationID string) (string, error) {
	dir, err := paths.WorktreesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, conversationID), nil
}

// CreateSessionWorktree creates the session branch and an isolated
// worktree for a conversation in one step, so the agent process gets its
// own working copy while sharing the repository's object database.
// Returns the branch name and worktree path.
func (s *GitService) CreateSessionWorktree(ctx context.Context, repoPath, agentName, sessionID, conversationID string) (branch, worktreePath string, err error) {
	worktreePath, err = WorktreePathFor(conversationID)
	if err != nil {
		return "", "", err
	}
	branch = BranchForSession(agentName, sessionID)

	defer s.lockRepo(repoPath)()
	base := s.DefaultBranch(ctx, repoPath)

	logger.WithComponent("git").Info("creating session worktree",
		"branch", branch, "base", base, "worktree", worktreePath, "repoPath", repoPath)

	output, cmdErr := s.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "add", worktreePath, "-b", branch, base)
	if cmdErr != nil {
		return "", "", gitError("worktree add", output, cmdErr)
	}
	return branch, worktreePath, nil
}

// AddWorktree attaches an existing branch to a new worktree at path.
func (s *GitService) AddWorktree(ctx context.Context, repoPath, path, branch string) error {
	defer s.lockRepo(repoPath)()

	logger.WithComponent("git").Info("adding worktree", "worktree", path, "branch", branch, "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "add", path, branch)
	if err != nil {
		return gitError("worktree add", output, err)
	}
	return nil
}

// ListWorktrees returns all worktrees attached to the repository,
// including the main working copy.
func (s *GitService) ListWorktrees(ctx context.Context, repoPath string) ([]Worktree, error) {
	stdout, stderr, err := s.executor.Run(ctx, repoPath, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, gitError("worktree list", stderr, err)
	}
	return parseWorktreeList(string(stdout)), nil
}

// parseWorktreeList reads the porcelain format: one stanza per worktree
// separated by blank lines, each line a "key value" pair or a bare flag
// such as "detached" or "bare".
func parseWorktreeList(output string) []Worktree {
	var (
		worktrees []Worktree
		current   *Worktree
	)
	flush := func() {
		if current != nil && current.Path != "" {
			worktrees = append(worktrees, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			current = &Worktree{Path: value}
		case "HEAD":
			if current != nil {
				current.Head = value
			}
		case "branch":
			if current != nil {
				current.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		}
	}
	flush()
	return worktrees
}

// RemoveWorktree removes the worktree at path. Force discards uncommitted
// changes; without it git refuses to remove a dirty worktree.
func (s *GitService) RemoveWorktree(ctx context.Context, repoPath, path string, force bool) error {
	defer s.lockRepo(repoPath)()

	logger.WithComponent("git").Info("removing worktree", "worktree", path, "force", force, "repoPath", repoPath)

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", args...)
	if err != nil {
		return gitError("worktree remove", output, err)
	}
	return nil
}

// PruneWorktrees drops worktree bookkeeping for directories that no
// longer exist on disk.
func (s *GitService) PruneWorktrees(ctx context.Context, repoPath string) error {
	defer s.lockRepo(repoPath)()

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "worktree", "prune")
	if err != nil {
		return gitError("worktree prune", output, err)
	}
	return nil
}

// FindOrphanedWorktrees returns worktrees that live under the managed
// worktrees directory but belong to no known conversation. These are left
// behind when conversation records are deleted out of band.
func (s *GitService) FindOrphanedWorktrees(ctx context.Context, repoPath string, knownConversationIDs []string) ([]Worktree, error) {
	managedRoot, err := paths.WorktreesDir()
	if err != nil {
		return nil, err
	}
	worktrees, err := s.ListWorktrees(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(knownConversationIDs))
	for _, id := range knownConversationIDs {
		known[id] = struct{}{}
	}

	var orphaned []Worktree
	for _, wt := range worktrees {
		rel, relErr := filepath.Rel(managedRoot, wt.Path)
		if relErr != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue // not managed by us
		}
		if _, ok := known[filepath.Base(wt.Path)]; !ok {
			orphaned = append(orphaned, wt)
		}
	}
	return orphaned, nil
}
