package git

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chorushq/chorus-core/logger"
)

const (
	// MaxBranchSegmentLength bounds the sanitized agent-name segment of a
	// session branch so generated refs stay readable in branch listings.
	MaxBranchSegmentLength = 50

	// SessionBranchPrefix is the namespace for branches created
	// automatically for agent sessions.
	SessionBranchPrefix = "agent/"
)

// ErrBranchNotMerged is returned by DeleteBranch when the branch has
// commits that are not reachable from another branch. Callers decide
// whether to retry with force.
var ErrBranchNotMerged = errors.New("branch not fully merged")

// ErrDetachedHead is returned when an operation needs a current branch
// but HEAD does not point at one.
var ErrDetachedHead = errors.New("repository is in detached HEAD state")

// BranchForSession returns the branch name for an agent session:
// agent/{agentName}/{sessionID}. The agent name is sanitized into a safe
// ref segment; session ids are UUIDs and used as-is.
func BranchForSession(agentName, sessionID string) string {
	segment := sanitizeRefSegment(agentName)
	if segment == "" {
		segment = "agent"
	}
	return SessionBranchPrefix + segment + "/" + sessionID
}

// sanitizeRefSegment converts an arbitrary string into a safe branch path
// segment: lowercased, alphanumerics kept, everything else collapsed into
// single hyphens, trimmed, and truncated.
func sanitizeRefSegment(s string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		default:
			pendingHyphen = true
		}
	}
	out := b.String()
	if len(out) > MaxBranchSegmentLength {
		out = strings.TrimRight(out[:MaxBranchSegmentLength], "-")
	}
	return out
}

// DefaultBranch detects the repository's default branch: main if it
// exists, else master, else the first local branch. Repositories with no
// commits yet fall back to the unborn branch HEAD points at.
func (s *GitService) DefaultBranch(ctx context.Context, repoPath string) string {
	for _, candidate := range []string{"main", "master"} {
		if s.BranchExists(ctx, repoPath, candidate) {
			return candidate
		}
	}

	if branches := s.localBranches(ctx, repoPath); len(branches) > 0 {
		return branches[0]
	}

	output, err := s.executor.Output(ctx, repoPath, "git", "symbolic-ref", "--short", "HEAD")
	if err == nil {
		if name := strings.TrimSpace(string(output)); name != "" {
			return name
		}
	}

	return "main"
}

// BranchExists reports whether a local branch with the given name exists.
func (s *GitService) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// localBranches lists local branch names in ref-sorted order.
func (s *GitService) localBranches(ctx context.Context, repoPath string) []string {
	output, err := s.executor.Output(ctx, repoPath, "git", "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil
	}
	return splitLines(string(output))
}

// CurrentBranch returns the branch currently checked out at repoPath.
// Returns ErrDetachedHead when HEAD does not point at a branch.
func (s *GitService) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	stdout, stderr, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", gitError("rev-parse", stderr, err)
	}
	branch := strings.TrimSpace(string(stdout))
	if branch == "HEAD" {
		return "", ErrDetachedHead
	}
	return branch, nil
}

// CreateSessionBranch creates the session branch for an agent off the
// default branch and checks it out. Returns the created branch name.
func (s *GitService) CreateSessionBranch(ctx context.Context, repoPath, agentName, sessionID string) (string, error) {
	defer s.lockRepo(repoPath)()

	branch := BranchForSession(agentName, sessionID)
	base := s.DefaultBranch(ctx, repoPath)

	logger.WithComponent("git").Info("creating session branch",
		"branch", branch, "base", base, "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "checkout", "-b", branch, base)
	if err != nil {
		return "", gitError("checkout -b", output, err)
	}
	return branch, nil
}

// CreateBranch creates a branch off base without checking it out.
// An empty base means the detected default branch.
func (s *GitService) CreateBranch(ctx context.Context, repoPath, name, base string) error {
	defer s.lockRepo(repoPath)()

	if base == "" {
		base = s.DefaultBranch(ctx, repoPath)
	}
	logger.WithComponent("git").Info("creating branch", "branch", name, "base", base, "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "branch", name, base)
	if err != nil {
		return gitError("branch", output, err)
	}
	return nil
}

// DeleteBranch deletes a local branch. Deleting the currently checked-out
// branch is rejected. Without force, a branch with unmerged commits fails
// with ErrBranchNotMerged so the caller can confirm before forcing.
func (s *GitService) DeleteBranch(ctx context.Context, repoPath, name string, force bool) error {
	defer s.lockRepo(repoPath)()

	current, err := s.CurrentBranch(ctx, repoPath)
	if err == nil && current == name {
		return fmt.Errorf("cannot delete branch %q: it is checked out at %s", name, repoPath)
	}

	flag := "-d"
	if force {
		flag = "-D"
	}
	logger.WithComponent("git").Info("deleting branch", "branch", name, "force", force, "repoPath", repoPath)

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "branch", flag, name)
	if err != nil {
		if !force && strings.Contains(strings.ToLower(string(output)), "not fully merged") {
			return fmt.Errorf("branch %q: %w", name, ErrBranchNotMerged)
		}
		return gitError("branch "+flag, output, err)
	}
	return nil
}

// checkout switches repoPath to branch and returns the command output for
// streaming. Callers must hold the repo lock.
func (s *GitService) checkout(ctx context.Context, repoPath, branch string) ([]byte, error) {
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "checkout", branch)
	if err != nil {
		return output, gitError("checkout", output, err)
	}
	return output, nil
}

// BranchDivergence describes how a branch relates to another ref,
// typically its remote counterpart.
type BranchDivergence struct {
	Behind int // commits on the other ref that the branch lacks
	Ahead  int // commits on the branch that the other ref lacks
}

// IsDiverged reports whether each side has commits the other lacks.
// Merging or fast-forwarding in this state risks losing work, so callers
// surface it instead of proceeding.
func (d *BranchDivergence) IsDiverged() bool {
	return d.Behind > 0 && d.Ahead > 0
}

// CanFastForward reports whether the branch can fast-forward to the other
// ref (it has no commits of its own).
func (d *BranchDivergence) CanFastForward() bool {
	return d.Ahead == 0
}

// Divergence counts the commits separating branch from other using
// git rev-list --count --left-right, which outputs "behind<tab>ahead":
// the left count is commits only on other, the right count commits only
// on branch.
func (s *GitService) Divergence(ctx context.Context, repoPath, branch, other string) (*BranchDivergence, error) {
	output, err := s.executor.Output(ctx, repoPath, "git", "rev-list", "--count", "--left-right",
		fmt.Sprintf("%s...%s", other, branch))
	if err != nil {
		return nil, fmt.Errorf("divergence check of %s against %s: %w", branch, other, err)
	}

	left, right, ok := strings.Cut(strings.TrimSpace(string(output)), "\t")
	if !ok {
		return nil, fmt.Errorf("rev-list --left-right output %q is not two counts", string(output))
	}
	behind, err := strconv.Atoi(left)
	if err != nil {
		return nil, fmt.Errorf("rev-list behind count %q: %w", left, err)
	}
	ahead, err := strconv.Atoi(right)
	if err != nil {
		return nil, fmt.Errorf("rev-list ahead count %q: %w", right, err)
	}
	return &BranchDivergence{Behind: behind, Ahead: ahead}, nil
}

// HasRemoteOrigin reports whether the repository has a remote named "origin".
func (s *GitService) HasRemoteOrigin(ctx context.Context, repoPath string) bool {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "remote", "get-url", "origin")
	return err == nil
}

// HasTrackingBranch reports whether the branch has an upstream tracking
// branch configured. Uses git config branch.<name>.remote, which is set
// when tracking is configured.
func (s *GitService) HasTrackingBranch(ctx context.Context, repoPath, branch string) bool {
	output, err := s.executor.Output(ctx, repoPath, "git", "config", "--get", fmt.Sprintf("branch.%s.remote", branch))
	return err == nil && strings.TrimSpace(string(output)) != ""
}

// RemoteBranchExists reports whether a remote-tracking ref such as
// "origin/main" exists locally.
func (s *GitService) RemoteBranchExists(ctx context.Context, repoPath, ref string) bool {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", "refs/remotes/"+ref)
	return err == nil
}

// splitLines splits command output into trimmed, non-empty lines.
func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
