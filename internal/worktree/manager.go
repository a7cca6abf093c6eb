package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/logger"
)

// Manager runs the worktree workflow: create, status, diff, merge,
// preview, discard, list. Each operation resolves the base branch from
// the primary working copy at call time.
type Manager struct {
	cfg     config.WorktreeConfig
	store   Store
	tracker *tracker
	logger  *logger.Logger

	// Serializes create/remove per repository. Worktree-local git
	// operations need no lock: each has an isolated working directory.
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager.
func NewManager(cfg config.WorktreeConfig, store Store, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		tracker:   newTracker(store, log),
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// Close stops background tracking work.
func (m *Manager) Close() {
	m.tracker.Close()
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// worktreePath is the deterministic layout: <project>/.worktrees/<specID>.
func (m *Manager) worktreePath(projectPath, specID string) string {
	return filepath.Join(projectPath, m.cfg.DirName, specID)
}

func (m *Manager) branchName(specID string) string {
	return m.cfg.BranchPrefix + specID
}

// CreateRequest asks for an isolated worktree for one spec.
type CreateRequest struct {
	ProjectPath string
	SpecID      string
	TaskID      string
}

// Create makes a worktree and branch for a spec, based on the branch
// currently checked out in the primary working copy.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if req.SpecID == "" {
		return nil, ErrMissingSpecID
	}
	if !isGitRepo(ctx, req.ProjectPath) {
		return nil, ErrRepoNotGit
	}

	lock := m.getRepoLock(req.ProjectPath)
	lock.Lock()
	defer lock.Unlock()

	path := m.worktreePath(req.ProjectPath, req.SpecID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, path)
	}

	branch := m.branchName(req.SpecID)
	if branchExists(ctx, req.ProjectPath, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	base, err := currentBranch(ctx, req.ProjectPath)
	if err != nil {
		return nil, err
	}

	if out, err := runGit(ctx, req.ProjectPath, "worktree", "add", "-b", branch, path, base); err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", out), zap.Error(err))
		return nil, err
	}

	wt := &Worktree{
		ID:          uuid.New().String(),
		SpecID:      req.SpecID,
		TaskID:      req.TaskID,
		ProjectPath: req.ProjectPath,
		Path:        path,
		Branch:      branch,
		BaseBranch:  base,
		Status:      StatusActive,
	}
	if err := m.store.CreateWorktree(ctx, wt); err != nil {
		// Roll the filesystem back so a failed persist does not leave an
		// orphaned worktree.
		if _, rmErr := runGit(ctx, req.ProjectPath, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("cleanup after persist failure", zap.Error(rmErr))
		}
		_, _ = runGit(ctx, req.ProjectPath, "branch", "-D", branch)
		return nil, fmt.Errorf("persist worktree: %w", err)
	}

	m.logger.Info("created worktree",
		zap.String("spec_id", req.SpecID),
		zap.String("branch", branch),
		zap.String("base", base))
	return wt, nil
}

// Ensure returns the spec's worktree, creating it on first task start
// and reusing it on subsequent starts. A record whose directory is gone
// (discarded or merged earlier) is replaced by a fresh worktree.
func (m *Manager) Ensure(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if req.SpecID == "" {
		return nil, ErrMissingSpecID
	}

	wt, err := m.store.GetWorktree(ctx, req.ProjectPath, req.SpecID)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return m.Create(ctx, req)
	}

	if _, err := os.Stat(wt.Path); err == nil {
		if req.TaskID != "" && req.TaskID != wt.TaskID {
			wt.TaskID = req.TaskID
			if err := m.store.UpdateWorktree(ctx, wt); err != nil {
				m.logger.Warn("update worktree task id", zap.Error(err))
			}
		}
		return wt, nil
	}

	if err := m.store.DeleteWorktree(ctx, wt.ID); err != nil {
		return nil, fmt.Errorf("drop stale worktree record: %w", err)
	}
	return m.Create(ctx, req)
}

// Status reports a worktree's divergence from the base branch. A
// nonexistent worktree yields Exists=false with a nil error.
func (m *Manager) Status(ctx context.Context, projectPath, specID string) (*StatusReport, error) {
	if specID == "" {
		return nil, ErrMissingSpecID
	}

	path := m.worktreePath(projectPath, specID)
	if _, err := os.Stat(path); err != nil {
		return &StatusReport{Exists: false}, nil
	}

	branch, err := currentBranch(ctx, path)
	if err != nil {
		return nil, err
	}
	base, err := currentBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Exists:     true,
		Branch:     branch,
		BaseBranch: base,
	}

	if ahead, err := commitsAhead(ctx, projectPath, base, branch); err == nil {
		report.CommitsAhead = ahead
	}

	// Committed diff against the merge base plus uncommitted changes in
	// the worktree, combined.
	files, ins, del, err := diffShortstat(ctx, path, base+"...HEAD")
	if err != nil {
		return nil, err
	}
	uFiles, uIns, uDel, err := diffShortstat(ctx, path, "HEAD")
	if err != nil {
		return nil, err
	}
	report.FilesChanged = files + uFiles
	report.Insertions = ins + uIns
	report.Deletions = del + uDel
	report.HasUncommitted = uFiles > 0

	return report, nil
}

// Diff returns the per-file change set between base and the worktree HEAD.
func (m *Manager) Diff(ctx context.Context, projectPath, specID string) (*Diff, error) {
	if specID == "" {
		return nil, ErrMissingSpecID
	}

	path := m.worktreePath(projectPath, specID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, specID)
	}

	branch, err := currentBranch(ctx, path)
	if err != nil {
		return nil, err
	}
	base, err := currentBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	entries, err := diffNameStatus(ctx, path, base, "HEAD")
	if err != nil {
		return nil, err
	}
	counts, err := diffNumstat(ctx, path, base, "HEAD")
	if err != nil {
		return nil, err
	}

	d := &Diff{BaseBranch: base, Branch: branch}
	for _, e := range entries {
		if c, ok := counts[e.Path]; ok {
			e.Insertions, e.Deletions = c[0], c[1]
		}
		d.Insertions += e.Insertions
		d.Deletions += e.Deletions
		d.Entries = append(d.Entries, e)
	}
	return d, nil
}

// MergeRequest asks for a worktree's changes to reach the primary copy.
type MergeRequest struct {
	ProjectPath string
	SpecID      string
	Mode        MergeMode

	// CommitMessage is used when uncommitted worktree changes need a
	// commit before merging. Optional.
	CommitMessage string
}

// Merge integrates a worktree's changes into the primary working copy.
// Full mode merges with a commit and removes the worktree. Stage-only
// mode copies the combined diff into the primary index without
// committing; the result is verified rather than trusted, because git
// can report success without staging anything.
func (m *Manager) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	if req.SpecID == "" {
		return nil, ErrMissingSpecID
	}

	wt, err := m.store.GetWorktree(ctx, req.ProjectPath, req.SpecID)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, req.SpecID)
	}

	if _, err := os.Stat(wt.Path); err == nil {
		if err := m.commitPending(ctx, wt, req.CommitMessage); err != nil {
			return nil, err
		}
	}

	lock := m.getRepoLock(req.ProjectPath)
	lock.Lock()
	defer lock.Unlock()

	mctx, cancel := context.WithTimeout(ctx, m.cfg.MergeTimeout())
	defer cancel()

	switch req.Mode {
	case MergeStageOnly:
		return m.stageOnlyMerge(mctx, wt)
	default:
		return m.fullMerge(mctx, wt)
	}
}

// commitPending commits any uncommitted work in the worktree so the
// merge sees the complete change set.
func (m *Manager) commitPending(ctx context.Context, wt *Worktree, message string) error {
	files, err := uncommittedFiles(ctx, wt.Path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	if message == "" {
		message = fmt.Sprintf("Task %s changes", wt.SpecID)
	}
	if _, err := runGit(ctx, wt.Path, "add", "-A"); err != nil {
		return err
	}
	if out, err := runGit(ctx, wt.Path, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit pending changes: %w (%s)", err, out)
	}
	return nil
}

func (m *Manager) fullMerge(ctx context.Context, wt *Worktree) (*MergeResult, error) {
	out, err := runGit(ctx, wt.ProjectPath, "merge", "--no-ff", "-m",
		fmt.Sprintf("Merge %s", wt.Branch), wt.Branch)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return m.classifyTimeout(wt, out)
		}
		if outputIndicatesConflict(out) {
			_, _ = runGit(context.Background(), wt.ProjectPath, "merge", "--abort")
			return &MergeResult{Outcome: OutcomeConflicts, Message: out}, ErrMergeConflicts
		}
		return nil, err
	}

	wt.Status = StatusMerged
	if err := m.store.UpdateWorktree(ctx, wt); err != nil {
		m.logger.Warn("update worktree record after merge", zap.Error(err))
	}
	m.removeWorktreeFiles(wt)

	return &MergeResult{Outcome: OutcomeMerged, Message: out}, nil
}

// stageOnlyMerge squashes the branch into the primary index without
// committing, then verifies files are actually staged. An empty index
// after a reported success is disambiguated with an ancestor check
// against the branch name recorded at creation.
func (m *Manager) stageOnlyMerge(ctx context.Context, wt *Worktree) (*MergeResult, error) {
	out, err := runGit(ctx, wt.ProjectPath, "merge", "--squash", wt.Branch)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return m.classifyTimeout(wt, out)
		}
		if outputIndicatesConflict(out) {
			_, _ = runGit(context.Background(), wt.ProjectPath, "merge", "--abort")
			_, _ = runGit(context.Background(), wt.ProjectPath, "reset", "--merge")
			return &MergeResult{Outcome: OutcomeConflicts, Message: out}, ErrMergeConflicts
		}
		return nil, err
	}

	staged, err := stagedFiles(ctx, wt.ProjectPath)
	if err != nil {
		return nil, err
	}

	if len(staged) > 0 {
		wt.Status = StatusStaged
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			m.logger.Warn("update worktree record after stage", zap.Error(err))
		}
		// Best-effort attribution; never fails the merge.
		m.tracker.Record(wt.TaskID, wt.SpecID, staged)
		return &MergeResult{Outcome: OutcomeStaged, StagedFiles: staged, Message: out}, nil
	}

	// Reported success, nothing staged. Either the branch was already
	// integrated, or there is genuinely nothing to stage.
	ancestor, aerr := isAncestor(ctx, wt.ProjectPath, wt.Branch, "HEAD")
	if aerr != nil {
		m.logger.Warn("ancestor check failed", zap.Error(aerr))
	}
	if ancestor {
		wt.Status = StatusMerged
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			m.logger.Warn("update worktree record", zap.Error(err))
		}
		return &MergeResult{Outcome: OutcomeAlreadyCommitted, Message: out}, nil
	}
	return &MergeResult{Outcome: OutcomeNothingToStage, Message: out}, nil
}

// classifyTimeout decides what a timed-out merge actually did. A hung
// process must not silently look like a clean failure.
func (m *Manager) classifyTimeout(wt *Worktree, out string) (*MergeResult, error) {
	if outputIndicatesMergeSuccess(out) {
		m.logger.Warn("merge timed out after apparent success",
			zap.String("spec_id", wt.SpecID),
			zap.String("output", out))
		return &MergeResult{Outcome: OutcomeTimedOutLikelySucceeded, Message: out}, nil
	}
	return nil, fmt.Errorf("%w: merge timed out: %s", ErrGitCommandFailed, out)
}

// MergePreview is a read-only conflict probe. It also reports
// uncommitted changes in the primary working copy, which interact with
// a subsequent merge.
func (m *Manager) MergePreview(ctx context.Context, projectPath, specID string) (*PreviewResult, error) {
	if specID == "" {
		return nil, ErrMissingSpecID
	}

	wt, err := m.store.GetWorktree(ctx, projectPath, specID)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, specID)
	}

	base, err := currentBranch(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	res := &PreviewResult{CleanMerge: true}

	// merge-tree writes the merged tree without touching the index or
	// working copy; a nonzero exit with conflict output means conflicts.
	out, err := runGit(ctx, projectPath, "merge-tree", "--write-tree", "--name-only", base, wt.Branch)
	if err != nil {
		res.CleanMerge = false
		res.ConflictFiles = parseMergeTreeConflicts(out)
	}

	uncommitted, err := uncommittedFiles(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	res.UncommittedFiles = uncommitted
	return res, nil
}

// Discard removes the worktree and deletes its branch. Idempotent:
// discarding an absent worktree succeeds.
func (m *Manager) Discard(ctx context.Context, projectPath, specID string) error {
	if specID == "" {
		return ErrMissingSpecID
	}

	lock := m.getRepoLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	wt, err := m.store.GetWorktree(ctx, projectPath, specID)
	if err != nil {
		return err
	}

	path := m.worktreePath(projectPath, specID)
	branch := m.branchName(specID)
	if wt != nil {
		path, branch = wt.Path, wt.Branch
	}

	if _, err := os.Stat(path); err == nil {
		if out, rmErr := runGit(ctx, projectPath, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("git worktree remove failed, deleting directory",
				zap.String("output", out), zap.Error(rmErr))
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove worktree dir: %w", err)
			}
			_, _ = runGit(ctx, projectPath, "worktree", "prune")
		}
	}

	if branchExists(ctx, projectPath, branch) {
		if out, err := runGit(ctx, projectPath, "branch", "-D", branch); err != nil {
			m.logger.Warn("branch delete failed", zap.String("output", out), zap.Error(err))
		}
	}

	if wt != nil {
		wt.Status = StatusDiscarded
		if err := m.store.UpdateWorktree(ctx, wt); err != nil {
			m.logger.Warn("update worktree record after discard", zap.Error(err))
		}
	}

	m.logger.Info("discarded worktree", zap.String("spec_id", specID))
	return nil
}

// List enumerates a project's worktrees with full status, flagging
// stale ones. Dangling worktree metadata is pruned first so stale git
// state never blocks later operations.
func (m *Manager) List(ctx context.Context, projectPath string) ([]*ListEntry, error) {
	if !isGitRepo(ctx, projectPath) {
		return nil, ErrRepoNotGit
	}

	_, _ = runGit(ctx, projectPath, "worktree", "prune")

	dir := filepath.Join(projectPath, m.cfg.DirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	staleCutoff := time.Now().Add(-time.Duration(m.cfg.StaleAfterDays) * 24 * time.Hour)

	out := make([]*ListEntry, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		if !e.IsDir() {
			continue
		}
		i, specID := i, e.Name()
		g.Go(func() error {
			status, err := m.Status(gctx, projectPath, specID)
			if err != nil {
				m.logger.Warn("worktree status failed during list",
					zap.String("spec_id", specID), zap.Error(err))
				status = &StatusReport{Exists: true}
			}
			entry := &ListEntry{
				SpecID: specID,
				Path:   m.worktreePath(projectPath, specID),
				Status: status,
			}
			if last, err := lastCommitTime(gctx, entry.Path, "HEAD"); err == nil {
				entry.LastCommit = last
				entry.Stale = last.Before(staleCutoff)
			}
			out[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var list []*ListEntry
	for _, e := range out {
		if e != nil {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SpecID < list[j].SpecID })
	return list, nil
}

// StagedChanges returns the recorded attributions for a spec.
func (m *Manager) StagedChanges(ctx context.Context, specID string) ([]*StagedChange, error) {
	return m.store.ListStagedChanges(ctx, specID)
}

// removeWorktreeFiles tears down the worktree directory and branch
// after a successful full merge. Failures are logged, not returned: the
// merge itself succeeded.
func (m *Manager) removeWorktreeFiles(wt *Worktree) {
	ctx := context.Background()
	if out, err := runGit(ctx, wt.ProjectPath, "worktree", "remove", "--force", wt.Path); err != nil {
		m.logger.Warn("worktree remove after merge", zap.String("output", out), zap.Error(err))
	}
	if out, err := runGit(ctx, wt.ProjectPath, "branch", "-d", wt.Branch); err != nil {
		m.logger.Warn("branch delete after merge", zap.String("output", out), zap.Error(err))
	}
}

// parseMergeTreeConflicts extracts conflicted paths from merge-tree
// output: the oid line first, then one conflicted filename per line.
func parseMergeTreeConflicts(out string) []string {
	var files []string
	lines := splitLines(out)
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		files = append(files, line)
	}
	return files
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}
