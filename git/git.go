// Package git is the automation layer that turns agent conversations into
// git history: session branches, isolated worktrees, auto-commits, merge
// analysis, remote sync, and pull-request creation via the gh CLI.
//
// The package is organized into focused modules:
//   - service.go: GitService struct, executor injection, per-repo locking
//   - errors.go: failure classification with actionable suggestions
//   - branch.go: default-branch detection, session branches, deletion
//   - worktree.go: worktree lifecycle under the data directory
//   - status.go: working-tree status and conflict queries
//   - commit.go: auto-commit and commit message generation
//   - merge.go: read-only merge analysis and streaming merge operations
//   - sync.go: tracking-branch status, explicit push/pull/fetch
//   - pr.go: pull-request creation and updates via gh
package git
