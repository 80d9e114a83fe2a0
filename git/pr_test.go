package git

import (
	"fmt"
	"strings"
	"testing"

	pexec "github.com/chorushq/chorus-core/exec"
	"github.com/chorushq/chorus-core/store"
)

// prMocks registers the happy-path responses shared by the PR tests: a
// working gh CLI, an origin remote, a clean worktree, and a main branch.
func prMocks(t *testing.T) *pexec.MockExecutor {
	t.Helper()
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"remote", "get-url", "origin"}, pexec.MockResponse{
		Stdout: []byte("git@github.com:acme/app.git\n"),
	})
	mock.AddExactMatch("git", []string{"status", "--porcelain"}, pexec.MockResponse{
		Stdout: []byte(""),
	})
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "--quiet", "refs/heads/main"}, pexec.MockResponse{
		Stdout: []byte("9f2c1e8\n"),
	})
	return mock
}

func TestCreatePR_Success(t *testing.T) {
	setupTest(t)
	mock := prMocks(t)
	mock.AddPrefixMatch("gh", []string{"pr", "create"}, pexec.MockResponse{
		Stdout: []byte("https://github.com/acme/app/pull/7\n"),
	})
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{Branch: "agent/chorus/s-1"}))
	last := lastResult(t, results)

	if last.Error != nil {
		t.Fatalf("CreatePR error: %v", last.Error)
	}
	if !last.Done {
		t.Error("final result should have Done=true")
	}
	output := joinOutput(results)
	if !strings.Contains(output, "https://github.com/acme/app/pull/7") {
		t.Errorf("output missing PR URL:\n%s", output)
	}
	if !strings.Contains(output, "Pull request created successfully") {
		t.Errorf("output missing success message:\n%s", output)
	}

	var pushed, created bool
	for _, call := range mock.GetCalls() {
		if call.Name == "git" && len(call.Args) == 4 && call.Args[0] == "push" &&
			call.Args[1] == "-u" && call.Args[3] == "agent/chorus/s-1" {
			pushed = true
		}
		if call.Name == "gh" && len(call.Args) >= 2 && call.Args[0] == "pr" && call.Args[1] == "create" {
			created = true
			args := strings.Join(call.Args, " ")
			if !strings.Contains(args, "--base main") {
				t.Errorf("gh args missing base branch: %v", call.Args)
			}
			if !strings.Contains(args, "--head agent/chorus/s-1") {
				t.Errorf("gh args missing head branch: %v", call.Args)
			}
			if !strings.Contains(args, "--fill") {
				t.Errorf("gh should fill from commits when no title is given: %v", call.Args)
			}
		}
	}
	if !pushed {
		t.Error("branch should be pushed before the PR is created")
	}
	if !created {
		t.Error("expected a gh pr create call")
	}
}

func TestCreatePR_TitleAndBody(t *testing.T) {
	setupTest(t)
	mock := prMocks(t)
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{
		Branch:     "feature",
		BaseBranch: "develop",
		Title:      "Add login flow",
		Body:       "Implements the login flow.",
	}))
	if last := lastResult(t, results); last.Error != nil {
		t.Fatalf("CreatePR error: %v", last.Error)
	}

	for _, call := range mock.GetCalls() {
		if call.Name == "gh" && len(call.Args) >= 2 && call.Args[0] == "pr" && call.Args[1] == "create" {
			args := strings.Join(call.Args, " ")
			if !strings.Contains(args, "--base develop") {
				t.Errorf("gh args missing explicit base: %v", call.Args)
			}
			if !strings.Contains(args, "--title Add login flow") {
				t.Errorf("gh args missing title: %v", call.Args)
			}
			if strings.Contains(args, "--fill") {
				t.Errorf("gh should not fill when a title is given: %v", call.Args)
			}
			return
		}
	}
	t.Error("expected a gh pr create call")
}

func TestCreatePR_GhMissing(t *testing.T) {
	setupTest(t)
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("gh", []string{"--version"}, pexec.MockResponse{
		Err: fmt.Errorf("exec: \"gh\": executable file not found in $PATH"),
	})
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{Branch: "feature"}))
	last := lastResult(t, results)

	if last.Error == nil || !strings.Contains(last.Error.Error(), "gh CLI not found") {
		t.Fatalf("expected gh-not-found error, got %v", last.Error)
	}

	for _, call := range mock.GetCalls() {
		if call.Name == "git" && len(call.Args) > 0 && call.Args[0] == "push" {
			t.Error("nothing should be pushed when gh is missing")
		}
	}
}

func TestCreatePR_NoRemote(t *testing.T) {
	setupTest(t)
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"remote", "get-url", "origin"}, pexec.MockResponse{
		Err: fmt.Errorf("fatal: No such remote 'origin'"),
	})
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{Branch: "feature"}))
	last := lastResult(t, results)

	if ClassOf(last.Error) != FailureNoRemote {
		t.Fatalf("ClassOf = %q, want no-remote", ClassOf(last.Error))
	}
	cmdErr, ok := AsCommandError(last.Error)
	if !ok || cmdErr.Suggestion == "" {
		t.Errorf("no-remote failure should carry a suggestion, got %v", last.Error)
	}
}

func TestCreatePR_GhFails(t *testing.T) {
	setupTest(t)
	mock := prMocks(t)
	mock.AddPrefixMatch("gh", []string{"pr", "create"}, pexec.MockResponse{
		Stderr: []byte("pull request create failed: GraphQL: was submitted too quickly\n"),
		Err:    fmt.Errorf("exit status 1"),
	})
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{Branch: "feature"}))
	last := lastResult(t, results)

	if last.Error == nil {
		t.Fatal("expected an error from gh")
	}
	if !strings.Contains(last.Error.Error(), "PR creation failed") ||
		!strings.Contains(last.Error.Error(), "submitted too quickly") {
		t.Errorf("error should carry gh stderr, got %v", last.Error)
	}
}

func TestCreatePR_UploadsTranscript(t *testing.T) {
	setupTest(t)

	messages := []store.Message{store.NewUserMessage("conv-1", "Fix the login bug")}
	if err := store.SaveMessages("conv-1", messages, store.MaxMessageLines); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	mock := prMocks(t)
	mock.AddPrefixMatch("gh", []string{"pr", "create"}, pexec.MockResponse{
		Stdout: []byte("https://github.com/acme/app/pull/8\n"),
	})
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{
		Branch:         "agent/chorus/s-1",
		ConversationID: "conv-1",
	}))
	last := lastResult(t, results)

	if last.Error != nil {
		t.Fatalf("CreatePR error: %v", last.Error)
	}
	if !strings.Contains(joinOutput(results), "Conversation transcript uploaded to PR.") {
		t.Errorf("output missing transcript confirmation:\n%s", joinOutput(results))
	}

	var commented bool
	for _, call := range mock.GetCalls() {
		if call.Name == "gh" && len(call.Args) >= 3 && call.Args[0] == "pr" && call.Args[1] == "comment" {
			commented = true
			if call.Args[2] != "agent/chorus/s-1" {
				t.Errorf("comment targeted %q, want the PR branch", call.Args[2])
			}
			body := call.Args[len(call.Args)-1]
			if !strings.Contains(body, "Conversation Transcript") || !strings.Contains(body, "Fix the login bug") {
				t.Errorf("comment body missing transcript content:\n%s", body)
			}
		}
	}
	if !commented {
		t.Error("expected a gh pr comment call carrying the transcript")
	}
}

func TestCreatePR_NoTranscriptSkipsComment(t *testing.T) {
	setupTest(t)
	mock := prMocks(t)
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.CreatePR(ctx, "/repo", PROptions{
		Branch:         "feature",
		ConversationID: "conv-without-messages",
	}))
	if last := lastResult(t, results); last.Error != nil {
		t.Fatalf("CreatePR error: %v", last.Error)
	}

	for _, call := range mock.GetCalls() {
		if call.Name == "gh" && len(call.Args) >= 2 && call.Args[0] == "pr" && call.Args[1] == "comment" {
			t.Error("no comment should be posted for an empty transcript")
		}
	}
}

func TestPushUpdates(t *testing.T) {
	setupTest(t)
	mock := pexec.NewMockExecutor(nil)
	mock.AddRule(func(dir, name string, args []string) bool {
		return dir == "/wt/conv-1" && name == "git" && len(args) >= 2 && args[0] == "status"
	}, pexec.MockResponse{Stdout: []byte(" M app.go\n")})
	s := NewGitServiceWithExecutor(mock)

	results := collect(t, s.PushUpdates(ctx, "/repo", "/wt/conv-1", "feature", "Address review feedback"))
	last := lastResult(t, results)

	if last.Error != nil {
		t.Fatalf("PushUpdates error: %v", last.Error)
	}
	if !strings.Contains(joinOutput(results), "Updates pushed successfully") {
		t.Errorf("output missing success message:\n%s", joinOutput(results))
	}

	var committed, pushed bool
	for _, call := range mock.GetCalls() {
		if call.Dir == "/wt/conv-1" && len(call.Args) >= 3 && call.Args[0] == "commit" && call.Args[2] == "Address review feedback" {
			committed = true
		}
		if call.Dir == "/repo" && len(call.Args) == 3 && call.Args[0] == "push" &&
			call.Args[1] == "origin" && call.Args[2] == "feature" {
			pushed = true
		}
	}
	if !committed {
		t.Error("pending worktree changes should be committed before pushing")
	}
	if !pushed {
		t.Error("expected push origin feature")
	}
}
