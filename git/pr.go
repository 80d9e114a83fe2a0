package git

import (
	"context"
	"fmt"

	"github.com/chorushq/chorus-core/logger"
	"github.com/chorushq/chorus-core/store"
)

// PROptions configures CreatePR.
type PROptions struct {
	Branch         string // head branch for the PR
	BaseBranch     string // empty means the detected default branch
	Title          string // empty means let gh fill from commit info
	Body           string
	CommitMessage  string // used when uncommitted changes must be committed first
	WorktreePath   string // where the agent made changes; empty means repoPath
	ConversationID string // when set, the transcript is attached as a PR comment
}

// CreatePR pushes the branch and creates a pull request with the gh CLI,
// streaming progress. When a conversation id is provided, the conversation
// transcript is uploaded as a collapsed PR comment afterward, best-effort.
func (s *GitService) CreatePR(ctx context.Context, repoPath string, opts PROptions) <-chan Result {
	ch := make(chan Result)

	go func() {
		defer close(ch)
		defer s.lockRepo(repoPath)()

		log := logger.WithComponent("git")
		log.Info("creating PR", "branch", opts.Branch, "base", opts.BaseBranch, "repoPath", repoPath)

		if _, _, err := s.executor.Run(ctx, repoPath, "gh", "--version"); err != nil {
			ch <- Result{Error: fmt.Errorf("gh CLI not found - install from https://cli.github.com"), Done: true}
			return
		}
		if !s.HasRemoteOrigin(ctx, repoPath) {
			ch <- Result{Error: &CommandError{
				Op:         "pr create",
				Class:      FailureNoRemote,
				Output:     "no origin remote configured",
				Suggestion: suggestions[FailureNoRemote],
			}, Done: true}
			return
		}

		worktreePath := opts.WorktreePath
		if worktreePath == "" {
			worktreePath = repoPath
		}
		if !s.EnsureCommitted(ctx, ch, worktreePath, opts.CommitMessage) {
			return
		}

		baseBranch := opts.BaseBranch
		if baseBranch == "" {
			baseBranch = s.DefaultBranch(ctx, repoPath)
		}

		ch <- Result{Output: fmt.Sprintf("Pushing %s to origin...\n", opts.Branch)}
		output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "push", "-u", "origin", opts.Branch)
		if err != nil {
			ch <- Result{Output: string(output), Error: gitError("push", output, err), Done: true}
			return
		}
		ch <- Result{Output: string(output)}

		ghArgs := []string{"pr", "create", "--base", baseBranch, "--head", opts.Branch}
		if opts.Title != "" {
			ghArgs = append(ghArgs, "--title", opts.Title, "--body", opts.Body)
		} else {
			ghArgs = append(ghArgs, "--fill")
		}

		handle, err := s.executor.Start(ctx, repoPath, "gh", ghArgs...)
		if err != nil {
			ch <- Result{Error: fmt.Errorf("failed to start gh: %w", err), Done: true}
			return
		}
		stdout, stderr, err := handle.Wait()
		if len(stdout) > 0 {
			ch <- Result{Output: string(stdout)}
		}
		if err != nil {
			errMsg := string(stderr)
			if errMsg == "" {
				errMsg = err.Error()
			}
			ch <- Result{Error: fmt.Errorf("PR creation failed: %s", errMsg), Done: true}
			return
		}

		// Attach the conversation transcript before the final success
		// message so the output sequence reflects completion order.
		if opts.ConversationID != "" {
			if transcript := loadTranscript(opts.ConversationID); transcript != "" {
				ch <- Result{Output: "Uploading conversation transcript to PR...\n"}
				if err := s.uploadTranscriptToPR(ctx, repoPath, opts.Branch, transcript); err != nil {
					log.Warn("failed to upload transcript to PR", "error", err)
					ch <- Result{Output: "Warning: could not upload conversation transcript: " + err.Error() + "\n"}
				} else {
					ch <- Result{Output: "Conversation transcript uploaded to PR.\n"}
				}
			}
		}

		ch <- Result{Output: "\nPull request created successfully!\n", Done: true}
	}()

	return ch
}

// loadTranscript loads and formats a conversation's transcript. Returns
// an empty string when the conversation has no messages or loading fails.
func loadTranscript(conversationID string) string {
	messages, err := store.LoadMessages(conversationID)
	if err != nil || len(messages) == 0 {
		return ""
	}
	return store.FormatTranscript(messages)
}

// uploadTranscriptToPR posts the transcript as a collapsed comment so it
// does not clutter the PR.
func (s *GitService) uploadTranscriptToPR(ctx context.Context, repoPath, branch, transcript string) error {
	body := "<details>\n<summary>Conversation Transcript</summary>\n\n```text\n" + transcript + "\n```\n</details>"
	_, _, err := s.executor.Run(ctx, repoPath, "gh", "pr", "comment", branch, "--body", body)
	if err != nil {
		return fmt.Errorf("gh pr comment failed: %w", err)
	}
	return nil
}

// PushUpdates commits pending changes and pushes them to the existing
// remote branch, for adding commits to a PR after review feedback.
func (s *GitService) PushUpdates(ctx context.Context, repoPath, worktreePath, branch, commitMsg string) <-chan Result {
	ch := make(chan Result)

	go func() {
		defer close(ch)
		defer s.lockRepo(repoPath)()

		logger.WithComponent("git").Info("pushing updates", "branch", branch, "worktree", worktreePath)

		if !s.EnsureCommitted(ctx, ch, worktreePath, commitMsg) {
			return
		}

		ch <- Result{Output: fmt.Sprintf("Pushing updates to %s...\n", branch)}
		output, err := s.executor.CombinedOutput(ctx, repoPath, "git", "push", "origin", branch)
		if err != nil {
			ch <- Result{Output: string(output), Error: gitError("push", output, err), Done: true}
			return
		}
		ch <- Result{Output: string(output)}

		ch <- Result{Output: "\nUpdates pushed successfully! The PR will update automatically.\n", Done: true}
	}()

	return ch
}
