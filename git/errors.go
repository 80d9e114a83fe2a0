package git

import (
	"errors"
	"fmt"
	"strings"
)

// FailureClass identifies why a git command failed, so callers can render
// an actionable suggestion instead of a raw stderr dump.
type FailureClass string

const (
	// FailureNonFastForward means a push was rejected because the remote
	// has commits the local branch does not.
	FailureNonFastForward FailureClass = "rejected-non-fast-forward"

	// FailureNoRemote means the repository has no usable remote, or the
	// branch has no upstream, for the attempted operation.
	FailureNoRemote FailureClass = "no-remote"

	// FailureAuthRequired means the remote rejected our credentials.
	FailureAuthRequired FailureClass = "auth-required"

	// FailureNotARepository means the directory is not inside a git
	// repository.
	FailureNotARepository FailureClass = "not-a-repository"

	// FailureUnknown covers everything else. The raw output is surfaced
	// verbatim, never swallowed.
	FailureUnknown FailureClass = "unknown"
)

// suggestions maps each failure class to the next step a user can take.
var suggestions = map[FailureClass]string{
	FailureNonFastForward: "The remote has commits your branch does not. Pull (or pull with rebase) to integrate them, then push again.",
	FailureNoRemote:       "No remote is configured for this branch. Add one with 'git remote add origin <url>' or push with an explicit upstream.",
	FailureAuthRequired:   "Git could not authenticate with the remote. Check your credentials, SSH key, or access token.",
	FailureNotARepository: "This directory is not a git repository. Run 'git init' or choose a different workspace.",
}

// CommandError is a classified git command failure.
type CommandError struct {
	Op         string // the operation that failed, e.g. "push"
	Class      FailureClass
	Output     string // combined command output
	Suggestion string // actionable next step, empty for unknown failures
	Err        error  // underlying executor error
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Output)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if e.Class == FailureUnknown {
		return fmt.Sprintf("git %s failed: %s", e.Op, detail)
	}
	return fmt.Sprintf("git %s failed (%s): %s", e.Op, e.Class, detail)
}

func (e *CommandError) Unwrap() error { return e.Err }

// AsCommandError unwraps err to a *CommandError if one is in the chain.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}

// ClassOf returns the failure class of err, or FailureUnknown when err
// carries no classification.
func ClassOf(err error) FailureClass {
	if cmdErr, ok := AsCommandError(err); ok {
		return cmdErr.Class
	}
	return FailureUnknown
}

var authPatterns = []string{
	"authentication failed",
	"permission denied (publickey",
	"could not read username",
	"could not read password",
	"returned error: 403",
	"terminal prompts disabled",
}

var nonFastForwardPatterns = []string{
	"non-fast-forward",
	"fetch first",
	"updates were rejected",
}

var noRemotePatterns = []string{
	"no such remote",
	"no remote repository specified",
	"does not appear to be a git repository",
	"no configured push destination",
	"no upstream branch",
}

// classifyOutput maps raw git output to a failure class. Matching is
// substring-based on lowercased output, checked from most to least
// specific so the auth patterns win over the generic rejection ones.
func classifyOutput(output string) FailureClass {
	lower := strings.ToLower(output)

	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return FailureAuthRequired
		}
	}
	for _, p := range nonFastForwardPatterns {
		if strings.Contains(lower, p) {
			return FailureNonFastForward
		}
	}
	if strings.Contains(lower, "not a git repository") {
		return FailureNotARepository
	}
	for _, p := range noRemotePatterns {
		if strings.Contains(lower, p) {
			return FailureNoRemote
		}
	}

	return FailureUnknown
}

// gitError wraps a failed git command into a classified CommandError.
func gitError(op string, output []byte, err error) error {
	class := classifyOutput(string(output))
	return &CommandError{
		Op:         op,
		Class:      class,
		Output:     string(output),
		Suggestion: suggestions[class],
		Err:        err,
	}
}
