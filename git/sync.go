package git

import (
	"context"
	"strings"

	"github.com/chorushq/chorus-core/logger"
)

// SyncStatus reports how a branch relates to its remote tracking branch.
type SyncStatus struct {
	Branch   string
	Remote   string // tracking remote name, empty when none configured
	Upstream string // tracking ref such as "origin/main", empty when none
	Ahead    int    // commits not yet pushed
	Behind   int    // commits not yet pulled
}

// HasUpstream reports whether the branch tracks a remote branch.
func (st *SyncStatus) HasUpstream() bool { return st.Upstream != "" }

// GetSyncStatus computes ahead/behind counts against the tracking branch.
// An empty branch means the currently checked-out one. A branch without
// an upstream yields zero counts and empty Remote/Upstream rather than an
// error, since local-only branches are the normal starting state.
func (s *GitService) GetSyncStatus(ctx context.Context, repoPath, branch string) (*SyncStatus, error) {
	if branch == "" {
		current, err := s.CurrentBranch(ctx, repoPath)
		if err != nil {
			return nil, err
		}
		branch = current
	}

	status := &SyncStatus{Branch: branch}

	remoteOut, err := s.executor.Output(ctx, repoPath, "git", "config", "--get", "branch."+branch+".remote")
	if err != nil {
		return status, nil
	}
	status.Remote = strings.TrimSpace(string(remoteOut))
	if status.Remote == "" {
		return status, nil
	}

	upstreamOut, err := s.executor.Output(ctx, repoPath, "git", "rev-parse", "--abbrev-ref", branch+"@{upstream}")
	if err != nil {
		// Tracking is configured but the remote branch is gone.
		return status, nil
	}
	status.Upstream = strings.TrimSpace(string(upstreamOut))

	divergence, err := s.Divergence(ctx, repoPath, branch, status.Upstream)
	if err != nil {
		return nil, err
	}
	status.Ahead = divergence.Ahead
	status.Behind = divergence.Behind
	return status, nil
}

// Push pushes the branch to origin, setting the upstream when missing.
// An empty branch means the currently checked-out one. Pushes are always
// explicit: nothing in the automation layer calls this on its own.
func (s *GitService) Push(ctx context.Context, repoPath, branch string) error {
	defer s.lockRepo(repoPath)()

	if branch == "" {
		current, err := s.CurrentBranch(ctx, repoPath)
		if err != nil {
			return err
		}
		branch = current
	}
	logger.WithComponent("git").Info("pushing branch", "branch", branch, "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "push", "-u", "origin", branch)
	if err != nil {
		return gitError("push", output, err)
	}
	return nil
}

// Pull merges the tracking branch into the current branch.
func (s *GitService) Pull(ctx context.Context, repoPath string) error {
	defer s.lockRepo(repoPath)()

	logger.WithComponent("git").Info("pulling", "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "pull")
	if err != nil {
		return gitError("pull", output, err)
	}
	return nil
}

// PullRebase rebases the current branch onto the tracking branch.
func (s *GitService) PullRebase(ctx context.Context, repoPath string) error {
	defer s.lockRepo(repoPath)()

	logger.WithComponent("git").Info("pulling with rebase", "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "pull", "--rebase")
	if err != nil {
		return gitError("pull --rebase", output, err)
	}
	return nil
}

// Fetch updates remote-tracking refs from origin without touching the
// working copy.
func (s *GitService) Fetch(ctx context.Context, repoPath string) error {
	defer s.lockRepo(repoPath)()

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "fetch", "origin")
	if err != nil {
		return gitError("fetch", output, err)
	}
	return nil
}
