package worktree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists worktree records and staged-change attributions.
type Store interface {
	CreateWorktree(ctx context.Context, wt *Worktree) error
	GetWorktree(ctx context.Context, projectPath, specID string) (*Worktree, error)
	UpdateWorktree(ctx context.Context, wt *Worktree) error
	DeleteWorktree(ctx context.Context, id string) error
	ListWorktrees(ctx context.Context, projectPath string) ([]*Worktree, error)

	RecordStagedChange(ctx context.Context, sc *StagedChange) error
	ListStagedChanges(ctx context.Context, specID string) ([]*StagedChange, error)
}

// SQLiteStore implements Store on sqlite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init worktree schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		spec_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(project_path, spec_id)
	);
	CREATE INDEX IF NOT EXISTS idx_worktrees_project ON worktrees(project_path);

	CREATE TABLE IF NOT EXISTS staged_changes (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL DEFAULT '',
		spec_id TEXT NOT NULL,
		files TEXT NOT NULL,
		staged_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_staged_changes_spec ON staged_changes(spec_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateWorktree(ctx context.Context, wt *Worktree) error {
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	wt.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, spec_id, task_id, project_path, path, branch, base_branch, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wt.ID, wt.SpecID, wt.TaskID, wt.ProjectPath, wt.Path, wt.Branch, wt.BaseBranch, wt.Status, wt.CreatedAt, wt.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetWorktree(ctx context.Context, projectPath, specID string) (*Worktree, error) {
	var wt Worktree
	err := s.db.GetContext(ctx, &wt,
		`SELECT * FROM worktrees WHERE project_path = ? AND spec_id = ?`, projectPath, specID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wt, nil
}

func (s *SQLiteStore) UpdateWorktree(ctx context.Context, wt *Worktree) error {
	wt.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE worktrees
		SET task_id = ?, path = ?, branch = ?, base_branch = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		wt.TaskID, wt.Path, wt.Branch, wt.BaseBranch, wt.Status, wt.UpdatedAt, wt.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrWorktreeNotFound
	}
	return err
}

func (s *SQLiteStore) DeleteWorktree(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListWorktrees(ctx context.Context, projectPath string) ([]*Worktree, error) {
	var wts []*Worktree
	err := s.db.SelectContext(ctx, &wts,
		`SELECT * FROM worktrees WHERE project_path = ? ORDER BY created_at`, projectPath)
	return wts, err
}

func (s *SQLiteStore) RecordStagedChange(ctx context.Context, sc *StagedChange) error {
	files, err := json.Marshal(sc.Files)
	if err != nil {
		return err
	}
	if sc.StagedAt.IsZero() {
		sc.StagedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO staged_changes (id, task_id, spec_id, files, staged_at)
		VALUES (?, ?, ?, ?, ?)`,
		sc.ID, sc.TaskID, sc.SpecID, string(files), sc.StagedAt)
	return err
}

func (s *SQLiteStore) ListStagedChanges(ctx context.Context, specID string) ([]*StagedChange, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, task_id, spec_id, files, staged_at FROM staged_changes WHERE spec_id = ? ORDER BY staged_at`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StagedChange
	for rows.Next() {
		var sc StagedChange
		var files string
		if err := rows.Scan(&sc.ID, &sc.TaskID, &sc.SpecID, &files, &sc.StagedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &sc.Files); err != nil {
			return nil, fmt.Errorf("decode staged files for %s: %w", sc.ID, err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}
