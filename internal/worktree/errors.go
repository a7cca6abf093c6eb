package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when a worktree for the spec already exists.
	ErrWorktreeExists = errors.New("worktree already exists for spec")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the project path is not a git repository.
	ErrRepoNotGit = errors.New("project is not a git repository")

	// ErrBranchExists is returned when the task branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrGitCommandFailed wraps any git invocation failure.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrMergeConflicts is returned when a merge stops on conflicts.
	ErrMergeConflicts = errors.New("merge produced conflicts")

	// ErrMissingSpecID is returned when an operation is called without a spec id.
	ErrMissingSpecID = errors.New("spec id is required")
)
