package git

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chorushq/chorus-core/logger"
)

// Result is one chunk of streamed output from a long-running git
// operation such as a merge or PR creation.
type Result struct {
	Output          string
	Error           error
	Done            bool
	ConflictedFiles []string // files with merge conflicts, set only on conflict
	RepoPath        string   // repo where the conflict occurred
}

// MergeAnalysis is a read-only preview of what merging source into target
// would do. Computing it never mutates repository state, so it is safe to
// run before every merge to drive a confirmation UI.
type MergeAnalysis struct {
	Source        string
	Target        string
	CanMerge      bool     // the two sides touch disjoint files
	BehindCount   int      // commits on target that source lacks
	ChangedFiles  []string // files the merge would bring into target
	ConflictFiles []string // files touched on both sides since the merge base
}

// AnalyzeMerge computes the merge preview for source into target. An
// empty target means the detected default branch. The conflict list is a
// conservative estimate: files changed on both sides since the merge base
// may still auto-merge cleanly.
func (s *GitService) AnalyzeMerge(ctx context.Context, repoPath, source, target string) (*MergeAnalysis, error) {
	if target == "" {
		target = s.DefaultBranch(ctx, repoPath)
	}

	stdout, stderr, err := s.executor.Run(ctx, repoPath, "git", "merge-base", source, target)
	if err != nil {
		return nil, gitError("merge-base", stderr, err)
	}
	mergeBase := strings.TrimSpace(string(stdout))

	behindOut, err := s.executor.Output(ctx, repoPath, "git", "rev-list", "--count", source+".."+target)
	if err != nil {
		return nil, fmt.Errorf("failed to count commits behind %s: %w", target, err)
	}
	behind, err := strconv.Atoi(strings.TrimSpace(string(behindOut)))
	if err != nil {
		return nil, fmt.Errorf("unexpected rev-list count %q: %w", strings.TrimSpace(string(behindOut)), err)
	}

	sourceChanged, err := s.changedFilesSince(ctx, repoPath, mergeBase, source)
	if err != nil {
		return nil, err
	}
	targetChanged, err := s.changedFilesSince(ctx, repoPath, mergeBase, target)
	if err != nil {
		return nil, err
	}

	targetSet := make(map[string]struct{}, len(targetChanged))
	for _, f := range targetChanged {
		targetSet[f] = struct{}{}
	}
	var conflicts []string
	for _, f := range sourceChanged {
		if _, ok := targetSet[f]; ok {
			conflicts = append(conflicts, f)
		}
	}
	sort.Strings(conflicts)

	return &MergeAnalysis{
		Source:        source,
		Target:        target,
		CanMerge:      len(conflicts) == 0,
		BehindCount:   behind,
		ChangedFiles:  sourceChanged,
		ConflictFiles: conflicts,
	}, nil
}

// changedFilesSince lists the files that changed between base and ref.
func (s *GitService) changedFilesSince(ctx context.Context, repoPath, base, ref string) ([]string, error) {
	output, err := s.executor.Output(ctx, repoPath, "git", "diff", "--name-only", base, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s against %s: %w", ref, base, err)
	}
	return splitLines(string(output)), nil
}

// MergeOptions configures a Merge call.
type MergeOptions struct {
	Source        string
	Target        string // empty means the detected default branch
	Squash        bool   // squash-merge, then commit explicitly
	CommitMessage string // squash commit message, also used by EnsureCommitted
	WorktreePath  string // when set, uncommitted changes there are committed first
}

// Merge merges Source into Target, streaming progress. A Result carrying
// a non-nil Error is terminal and the caller must not assume repository
// state changed. A conflicted merge reports the conflicted files and
// leaves the conflict in place for resolution or AbortMerge.
func (s *GitService) Merge(ctx context.Context, repoPath string, opts MergeOptions) <-chan Result {
	ch := make(chan Result)

	go func() {
		defer close(ch)
		defer s.lockRepo(repoPath)()

		log := logger.WithComponent("git")
		target := opts.Target
		if target == "" {
			target = s.DefaultBranch(ctx, repoPath)
		}
		log.Info("merging branch", "source", opts.Source, "target", target, "squash", opts.Squash, "repoPath", repoPath)

		if opts.WorktreePath != "" {
			if !s.EnsureCommitted(ctx, ch, opts.WorktreePath, opts.CommitMessage) {
				return
			}
		}

		ch <- Result{Output: fmt.Sprintf("Switching to %s...\n", target)}
		output, err := s.checkout(ctx, repoPath, target)
		if err != nil {
			ch <- Result{Output: string(output), Error: err, Done: true}
			return
		}
		ch <- Result{Output: string(output)}

		if !s.syncWithRemote(ctx, ch, repoPath, target) {
			return
		}

		mergeArgs := []string{"merge", opts.Source, "--no-edit"}
		verb := "Merging"
		if opts.Squash {
			mergeArgs = []string{"merge", "--squash", opts.Source}
			verb = "Squash merging"
		}
		ch <- Result{Output: fmt.Sprintf("%s %s...\n", verb, opts.Source)}
		output, err = s.executor.CombinedOutput(ctx, repoPath, "git", mergeArgs...)
		if err != nil {
			conflicted, confErr := s.GetConflictedFiles(ctx, repoPath)
			if confErr == nil && len(conflicted) > 0 {
				ch <- Result{
					Output:          string(output),
					Error:           fmt.Errorf("merge conflict"),
					Done:            true,
					ConflictedFiles: conflicted,
					RepoPath:        repoPath,
				}
				return
			}
			ch <- Result{Output: string(output), Error: gitError("merge", output, err), Done: true}
			return
		}
		ch <- Result{Output: string(output)}

		if opts.Squash {
			message := opts.CommitMessage
			if message == "" {
				message = fmt.Sprintf("Squash merge %s into %s", opts.Source, target)
			}
			ch <- Result{Output: "Writing the squash commit...\n"}
			output, err = s.executor.CombinedOutput(ctx, repoPath, "git", "commit", "-m", message)
			if err != nil {
				// A squash of an already-merged branch stages nothing.
				if strings.Contains(strings.ToLower(string(output)), "nothing to commit") {
					ch <- Result{Output: "Nothing to commit after squash.\n"}
				} else {
					ch <- Result{Output: string(output), Error: gitError("commit", output, err), Done: true}
					return
				}
			} else {
				ch <- Result{Output: string(output)}
			}
		}

		ch <- Result{Output: fmt.Sprintf("\nSuccessfully merged %s into %s\n", opts.Source, target), Done: true}
	}()

	return ch
}

// syncWithRemote brings the local target branch up to date with origin
// before a merge: fetch, divergence check, fast-forward when behind.
// Returns false when the merge must not proceed.
func (s *GitService) syncWithRemote(ctx context.Context, ch chan<- Result, repoPath, branch string) bool {
	log := logger.WithComponent("git")

	if !s.HasRemoteOrigin(ctx, repoPath) {
		if !s.HasTrackingBranch(ctx, repoPath, branch) {
			ch <- Result{Output: "No origin remote, merging locally...\n"}
		}
		return true
	}

	remoteRef := "origin/" + branch

	ch <- Result{Output: fmt.Sprintf("Fetching %s from origin...\n", branch)}
	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "fetch", "origin", branch)
	if err != nil {
		if !s.RemoteBranchExists(ctx, repoPath, remoteRef) {
			ch <- Result{Output: fmt.Sprintf("origin has no %s branch, merging locally...\n", branch)}
			return true
		}
		ch <- Result{Output: string(output), Error: gitError("fetch", output, err), Done: true}
		return false
	}
	ch <- Result{Output: string(output)}

	divergence, err := s.Divergence(ctx, repoPath, branch, remoteRef)
	if err != nil {
		log.Warn("could not check divergence", "error", err)
		return true
	}

	switch {
	case divergence.IsDiverged():
		hint := fmt.Sprintf(`
Local %[1]s and origin/%[1]s have diverged: %[2]d commit(s) ahead, %[3]d behind.
Merging now could lose commits on one side.

Bring %[1]s back in sync first:
  cd %[4]s
  git checkout %[1]s
  git pull --rebase   # or: git reset --hard origin/%[1]s

then retry the merge.
`, branch, divergence.Ahead, divergence.Behind, repoPath)
		ch <- Result{
			Output: hint,
			Error: fmt.Errorf("local %s has diverged from origin (%d ahead, %d behind), sync required before merge",
				branch, divergence.Ahead, divergence.Behind),
			Done: true,
		}
		return false
	case divergence.Behind > 0:
		ch <- Result{Output: fmt.Sprintf("Fast-forwarding %d commit(s) from origin...\n", divergence.Behind)}
		output, err = s.executor.CombinedOutput(ctx, repoPath, "git", "pull", "--ff-only")
		if err != nil {
			ch <- Result{Output: string(output), Error: gitError("pull", output, err), Done: true}
			return false
		}
		ch <- Result{Output: string(output)}
	default:
		ch <- Result{Output: "Local branch matches origin.\n"}
	}

	return true
}

// AbortMerge aborts an in-progress merge, restoring the pre-merge state.
func (s *GitService) AbortMerge(ctx context.Context, repoPath string) error {
	defer s.lockRepo(repoPath)()

	output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "merge", "--abort")
	if err != nil {
		return gitError("merge --abort", output, err)
	}
	return nil
}
