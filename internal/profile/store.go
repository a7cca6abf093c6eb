package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store is the persistence interface for profiles and the settings document.
type Store interface {
	ListProfiles(ctx context.Context) ([]*Profile, error)
	GetProfile(ctx context.Context, id string) (*Profile, error)
	CreateProfile(ctx context.Context, p *Profile) error
	UpdateProfile(ctx context.Context, p *Profile) error
	DeleteProfile(ctx context.Context, id string) error

	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a SQLite-backed profile store and ensures the
// schema exists.
func NewSQLiteStore(db *sqlx.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize profile schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		is_default INTEGER NOT NULL DEFAULT 0,
		config_dir TEXT NOT NULL DEFAULT '',
		encrypted_token TEXT NOT NULL DEFAULT '',
		token_created_at TIMESTAMP,
		last_used_at TIMESTAMP,
		email TEXT NOT NULL DEFAULT '',
		rate_limits TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS profile_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		active_profile_id TEXT NOT NULL,
		auto_switch INTEGER NOT NULL DEFAULT 1,
		proactive_switch INTEGER NOT NULL DEFAULT 0,
		proactive_threshold REAL NOT NULL DEFAULT 0.85,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const profileColumns = `
	id, name, is_default, config_dir, encrypted_token,
	token_created_at, last_used_at, email, rate_limits,
	created_at, updated_at
`

func scanProfile(row sqlx.ColScanner) (*Profile, error) {
	p := &Profile{}
	var tokenCreatedAt, lastUsedAt sql.NullTime
	var rateLimits string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.IsDefault,
		&p.ConfigDir,
		&p.EncryptedToken,
		&tokenCreatedAt,
		&lastUsedAt,
		&p.Email,
		&rateLimits,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if tokenCreatedAt.Valid {
		p.TokenCreatedAt = &tokenCreatedAt.Time
	}
	if lastUsedAt.Valid {
		p.LastUsedAt = &lastUsedAt.Time
	}
	if err := json.Unmarshal([]byte(rateLimits), &p.RateLimits); err != nil {
		// Corrupt rate-limit history is dropped rather than failing reads.
		p.RateLimits = nil
	}

	return p, nil
}

// ListProfiles returns all profiles ordered by creation time.
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// GetProfile returns a profile by id, or nil when absent.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// CreateProfile persists a new profile record.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *Profile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	rateLimits, err := json.Marshal(p.RateLimits)
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (
			id, name, is_default, config_dir, encrypted_token,
			token_created_at, last_used_at, email, rate_limits,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.IsDefault, p.ConfigDir, p.EncryptedToken,
		p.TokenCreatedAt, p.LastUsedAt, p.Email, string(rateLimits),
		p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProfile persists changes to an existing profile.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, p *Profile) error {
	p.UpdatedAt = time.Now().UTC()

	rateLimits, err := json.Marshal(p.RateLimits)
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET
			name = ?, is_default = ?, config_dir = ?, encrypted_token = ?,
			token_created_at = ?, last_used_at = ?, email = ?, rate_limits = ?,
			updated_at = ?
		WHERE id = ?`,
		p.Name, p.IsDefault, p.ConfigDir, p.EncryptedToken,
		p.TokenCreatedAt, p.LastUsedAt, p.Email, string(rateLimits),
		p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, p.ID)
	}
	return nil
}

// DeleteProfile removes a profile record.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return nil
}

// GetSettings returns the settings document, or nil when none exists yet.
func (s *SQLiteStore) GetSettings(ctx context.Context) (*Settings, error) {
	settings := &Settings{}
	err := s.db.QueryRowxContext(ctx, `
		SELECT version, active_profile_id, auto_switch, proactive_switch, proactive_threshold
		FROM profile_settings WHERE id = 1`).Scan(
		&settings.Version,
		&settings.ActiveProfileID,
		&settings.AutoSwitch,
		&settings.ProactiveSwitch,
		&settings.ProactiveThreshold,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings upserts the single settings row.
func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *Settings) error {
	settings.Version = settingsVersion
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_settings (id, version, active_profile_id, auto_switch, proactive_switch, proactive_threshold, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			active_profile_id = excluded.active_profile_id,
			auto_switch = excluded.auto_switch,
			proactive_switch = excluded.proactive_switch,
			proactive_threshold = excluded.proactive_threshold,
			updated_at = excluded.updated_at`,
		settings.Version, settings.ActiveProfileID, settings.AutoSwitch,
		settings.ProactiveSwitch, settings.ProactiveThreshold, time.Now().UTC())
	return err
}
