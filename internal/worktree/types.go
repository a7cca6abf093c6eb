// Package worktree isolates each task's filesystem changes in a dedicated
// git worktree and turns that worktree into a reviewable, stageable,
// committable change set against the primary working copy.
package worktree

import "time"

// Status is the lifecycle state of a worktree record.
type Status string

const (
	StatusActive    Status = "active"
	StatusMerged    Status = "merged"
	StatusStaged    Status = "staged"
	StatusDiscarded Status = "discarded"
)

// Worktree is the persisted record of one spec's isolated working
// directory and branch.
type Worktree struct {
	ID          string    `db:"id"`
	SpecID      string    `db:"spec_id"`
	TaskID      string    `db:"task_id"`
	ProjectPath string    `db:"project_path"`
	Path        string    `db:"path"`
	Branch      string    `db:"branch"`
	BaseBranch  string    `db:"base_branch"`
	Status      Status    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// StatusReport describes a worktree's divergence from its base branch.
// Exists is false when the worktree directory is absent; all other
// fields are zero in that case.
type StatusReport struct {
	Exists       bool   `json:"exists"`
	Branch       string `json:"branch,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
	CommitsAhead int    `json:"commits_ahead"`

	// Combined committed-diff plus uncommitted-status counts.
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
	HasUncommitted bool `json:"has_uncommitted"`
}

// FileStatus classifies one changed file in a diff.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileDeleted  FileStatus = "deleted"
	FileRenamed  FileStatus = "renamed"
)

// DiffEntry is one file's change between base and the worktree HEAD.
type DiffEntry struct {
	Path       string     `json:"path"`
	OldPath    string     `json:"old_path,omitempty"` // set for renames
	Status     FileStatus `json:"status"`
	Insertions int        `json:"insertions"`
	Deletions  int        `json:"deletions"`
}

// Diff is the full change set of a worktree against its base branch.
type Diff struct {
	BaseBranch string      `json:"base_branch"`
	Branch     string      `json:"branch"`
	Entries    []DiffEntry `json:"entries"`
	Insertions int         `json:"insertions"`
	Deletions  int         `json:"deletions"`
}

// MergeMode selects how a worktree's changes reach the primary copy.
type MergeMode string

const (
	// MergeFull integrates the branch with a merge commit.
	MergeFull MergeMode = "full"

	// MergeStageOnly copies the combined diff into the primary working
	// copy's index without committing.
	MergeStageOnly MergeMode = "stage"
)

// MergeOutcome classifies what a merge actually did, which can differ
// from what git reported.
type MergeOutcome string

const (
	OutcomeMerged MergeOutcome = "merged"
	OutcomeStaged MergeOutcome = "staged"

	// OutcomeAlreadyCommitted: the stage reported success with an empty
	// index and the worktree branch is an ancestor of the primary HEAD.
	OutcomeAlreadyCommitted MergeOutcome = "already_committed"

	// OutcomeNothingToStage: empty index, branch not an ancestor. Kept
	// review-pending for investigation.
	OutcomeNothingToStage MergeOutcome = "nothing_to_stage"

	// OutcomeConflicts: the merge stopped on conflicts.
	OutcomeConflicts MergeOutcome = "conflicts"

	// OutcomeTimedOutLikelySucceeded: the git process hit the deadline
	// but its partial output carried success indicators.
	OutcomeTimedOutLikelySucceeded MergeOutcome = "timeout_likely_succeeded"
)

// MergeResult is the structured result of a merge operation.
type MergeResult struct {
	Outcome     MergeOutcome `json:"outcome"`
	Message     string       `json:"message,omitempty"`
	StagedFiles []string     `json:"staged_files,omitempty"`
}

// PreviewResult reports conflict risk without mutating anything.
type PreviewResult struct {
	CleanMerge    bool     `json:"clean_merge"`
	ConflictFiles []string `json:"conflict_files,omitempty"`

	// UncommittedFiles lists changes already present in the primary
	// working copy; they interact with a subsequent merge.
	UncommittedFiles []string `json:"uncommitted_files,omitempty"`
}

// ListEntry is one worktree in a project listing.
type ListEntry struct {
	SpecID string        `json:"spec_id"`
	Path   string        `json:"path"`
	Status *StatusReport `json:"status"`

	// Stale marks worktrees whose last commit is older than the
	// configured threshold.
	Stale      bool      `json:"stale"`
	LastCommit time.Time `json:"last_commit,omitempty"`
}

// StagedChange attributes one stage-only merge's files to its source
// task for later commit attribution.
type StagedChange struct {
	ID       string    `db:"id"`
	TaskID   string    `db:"task_id"`
	SpecID   string    `db:"spec_id"`
	Files    []string  `db:"-"`
	StagedAt time.Time `db:"staged_at"`
}
