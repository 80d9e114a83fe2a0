package git

import (
	"path/filepath"
	"sync"

	pexec "github.com/chorushq/chorus-core/exec"
)

// GitService provides git operations with explicit dependency injection.
// Each instance holds its own executor, so tests can substitute a mock
// without touching global state.
//
// Mutating operations (checkout, commit, merge, branch and worktree
// create/delete) on the same working copy are serialized through a
// per-path lock. Conversations that share one physical repository queue
// behind each other; worktree-backed conversations each lock their own
// working copy and proceed in parallel.
type GitService struct {
	executor pexec.CommandExecutor

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGitService creates a new GitService with the default real executor.
func NewGitService() *GitService {
	return NewGitServiceWithExecutor(pexec.NewRealExecutor())
}

// NewGitServiceWithExecutor creates a new GitService with a custom executor.
// This is primarily used for testing where a mock executor is needed.
func NewGitServiceWithExecutor(exec pexec.CommandExecutor) *GitService {
	return &GitService{
		executor: exec,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockRepo acquires the mutation lock for the working copy at path and
// returns the unlock function. Read-only operations do not take it.
func (s *GitService) lockRepo(path string) func() {
	key := filepath.Clean(path)

	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
