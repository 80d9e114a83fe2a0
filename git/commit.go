package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/chorushq/chorus-core/logger"
)

// CommitType marks what triggered an automatic commit.
type CommitType string

const (
	// CommitTypeTurn is a commit created after an agent turn that changed
	// files.
	CommitTypeTurn CommitType = "turn"

	// CommitTypeStop is a commit created when a conversation was stopped
	// with pending changes.
	CommitTypeStop CommitType = "stop"
)

// MaxCommitSubjectLength is where auto-commit subjects get truncated, per
// the git convention that keeps subjects readable in one-line logs.
const MaxCommitSubjectLength = 72

// Commit describes a commit created by the automation layer.
type Commit struct {
	Hash    string
	Branch  string
	Message string
	Files   []string
	Type    CommitType
}

// CommitMessageForPrompt derives a commit subject from the user prompt
// that drove the turn: first line only, whitespace collapsed, truncated.
func CommitMessageForPrompt(prompt string) string {
	line := prompt
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.Join(strings.Fields(line), " ")

	runes := []rune(line)
	if len(runes) > MaxCommitSubjectLength {
		line = strings.TrimSpace(string(runes[:MaxCommitSubjectLength-3])) + "..."
	}
	return line
}

// AutoCommit stages and commits everything in the working copy, returning
// the created commit. A clean working copy returns (nil, nil): nothing to
// commit is a no-op, not an error, so automation never fails a turn over
// an empty diff. AutoCommit never touches the network.
func (s *GitService) AutoCommit(ctx context.Context, worktreePath, prompt string, commitType CommitType) (*Commit, error) {
	defer s.lockRepo(worktreePath)()

	log := logger.WithComponent("git")

	status, err := s.GetWorktreeStatus(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	if !status.HasChanges {
		log.Debug("auto-commit skipped, working copy clean", "worktree", worktreePath, "type", commitType)
		return nil, nil
	}

	message := CommitMessageForPrompt(prompt)
	if message == "" {
		if commitType == CommitTypeStop {
			message = "Checkpoint on stop"
		} else {
			message = "Agent changes"
		}
	}

	log.Info("auto-committing", "worktree", worktreePath, "type", commitType, "files", len(status.Files))

	if err := s.commitAll(ctx, worktreePath, message); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
			log.Debug("auto-commit found nothing to commit after staging", "worktree", worktreePath)
			return nil, nil
		}
		return nil, err
	}

	commit := &Commit{Message: message, Files: status.Files, Type: commitType}
	if hash, hashErr := s.HeadCommit(ctx, worktreePath); hashErr == nil {
		commit.Hash = hash
	}
	if branch, branchErr := s.CurrentBranch(ctx, worktreePath); branchErr == nil {
		commit.Branch = branch
	}
	return commit, nil
}

// CommitAll stages all changes and commits them with the given message.
func (s *GitService) CommitAll(ctx context.Context, worktreePath, message string) error {
	defer s.lockRepo(worktreePath)()

	logger.WithComponent("git").Info("staging and committing everything", "worktree", worktreePath)
	return s.commitAll(ctx, worktreePath, message)
}

// commitAll is CommitAll without locking, for callers that already hold
// the working copy's lock.
func (s *GitService) commitAll(ctx context.Context, worktreePath, message string) error {
	steps := [][]string{
		{"add", "-A"},
		{"commit", "-m", message},
	}
	for _, args := range steps {
		if output, err := s.executor.CombinedOutput(ctx, worktreePath, "git", args...); err != nil {
			return gitError(args[0], output, err)
		}
	}
	return nil
}

// HeadCommit returns the full hash of the current HEAD commit.
func (s *GitService) HeadCommit(ctx context.Context, repoPath string) (string, error) {
	stdout, stderr, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", gitError("rev-parse", stderr, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// GenerateCommitMessage builds a commit message from the working copy
// status and diff stats, for flows where the caller supplied none.
func (s *GitService) GenerateCommitMessage(ctx context.Context, worktreePath string) (string, error) {
	status, err := s.GetWorktreeStatus(ctx, worktreePath)
	if err != nil {
		return "", err
	}
	if !status.HasChanges {
		return "", fmt.Errorf("working copy is clean")
	}

	// Use --no-ext-diff so output lands on stdout even when an external
	// diff tool is configured.
	stats, err := s.executor.Output(ctx, worktreePath, "git", "diff", "--no-ext-diff", "--stat", "HEAD")
	if err != nil {
		logger.WithComponent("git").Warn("diff --stat failed, message will omit stats", "error", err, "worktree", worktreePath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agent session changes\n\n%s\n\nFiles:\n", status.Summary)
	for _, f := range status.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if len(stats) > 0 {
		fmt.Fprintf(&b, "\nStats:\n%s", stats)
	}
	return b.String(), nil
}

// EnsureCommitted checks for uncommitted changes and commits them,
// streaming progress into ch. Returns false after sending a terminal
// error Result, true when the working copy is committed (or was already
// clean). Callers hold the relevant repo lock; concurrent worktree
// commits are serialized by git's own index locking.
func (s *GitService) EnsureCommitted(ctx context.Context, ch chan<- Result, worktreePath, commitMsg string) bool {
	log := logger.WithComponent("git")

	status, err := s.GetWorktreeStatus(ctx, worktreePath)
	if err != nil {
		ch <- Result{Error: fmt.Errorf("worktree status check failed: %w", err), Done: true}
		return false
	}
	if !status.HasChanges {
		log.Debug("worktree already clean", "worktree", worktreePath)
		ch <- Result{Output: "Working copy already clean\n\n"}
		return true
	}

	ch <- Result{Output: fmt.Sprintf("Uncommitted changes present (%s)\n", status.Summary)}

	if commitMsg == "" {
		generated, genErr := s.GenerateCommitMessage(ctx, worktreePath)
		if genErr != nil {
			ch <- Result{Error: fmt.Errorf("commit message generation failed: %w", genErr), Done: true}
			return false
		}
		commitMsg = generated
	}

	ch <- Result{Output: "Committing the working copy...\n"}
	if err := s.commitAll(ctx, worktreePath, commitMsg); err != nil {
		ch <- Result{Error: fmt.Errorf("commit failed: %w", err), Done: true}
		return false
	}
	ch <- Result{Output: "Working copy committed.\n"}

	return true
}
