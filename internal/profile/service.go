package profile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/vault"
)

// Service owns profile records, the active-profile selection, and the
// auto-switch settings document. One instance per process.
type Service struct {
	store  Store
	vault  *vault.Vault
	cfg    config.ProfilesConfig
	logger *logger.Logger
}

// NewService creates the profile service and guarantees the store contains
// the default profile and a settings document.
func NewService(ctx context.Context, store Store, v *vault.Vault, cfg config.ProfilesConfig, log *logger.Logger) (*Service, error) {
	s := &Service{
		store:  store,
		vault:  v,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "profile-service")),
	}
	if err := s.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("profile bootstrap: %w", err)
	}
	return s, nil
}

// bootstrap ensures the default profile and settings row exist.
func (s *Service) bootstrap(ctx context.Context) error {
	def, err := s.store.GetProfile(ctx, DefaultProfileID)
	if err != nil {
		return err
	}
	if def == nil {
		now := time.Now().UTC()
		def = &Profile{
			ID:        DefaultProfileID,
			Name:      "Default",
			IsDefault: true,
			ConfigDir: filepath.Join(s.cfg.BaseDir, DefaultProfileID),
			CreatedAt: now,
		}
		if err := s.store.CreateProfile(ctx, def); err != nil {
			return err
		}
		s.logger.Info("created default profile")
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if settings == nil {
		settings = &Settings{
			ActiveProfileID:    DefaultProfileID,
			AutoSwitch:         s.cfg.AutoSwitch,
			ProactiveSwitch:    s.cfg.ProactiveSwitch,
			ProactiveThreshold: s.cfg.ProactiveThreshold,
		}
		if err := s.store.SaveSettings(ctx, settings); err != nil {
			return err
		}
	}
	return nil
}

// List returns all profiles.
func (s *Service) List(ctx context.Context) ([]*Profile, error) {
	return s.store.ListProfiles(ctx)
}

// Get returns a profile by id.
func (s *Service) Get(ctx context.Context, id string) (*Profile, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p, nil
}

// Create adds a new profile. The config directory defaults to a
// directory named after the profile id under the configured base dir.
func (s *Service) Create(ctx context.Context, name, configDir, email string) (*Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("profile name is required")
	}

	existing, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if strings.EqualFold(p.Name, name) {
			return nil, fmt.Errorf("%w: %s", ErrProfileExists, name)
		}
	}

	id := uuid.New().String()
	if configDir == "" {
		configDir = filepath.Join(s.cfg.BaseDir, id)
	}

	p := &Profile{
		ID:        id,
		Name:      name,
		ConfigDir: configDir,
		Email:     email,
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("created profile", zap.String("profile_id", id), zap.String("name", name))
	return p, nil
}

// Rename changes a profile's display name. The default profile keeps its
// default flag regardless.
func (s *Service) Rename(ctx context.Context, id, name string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("profile name is required")
	}
	p.Name = name
	return s.store.UpdateProfile(ctx, p)
}

// Delete removes a profile. The default profile and the last remaining
// profile are never deleted; the store is left unchanged on refusal. When
// the deleted profile was active, activation falls back to the default.
func (s *Service) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.IsDefault {
		return ErrDeleteDefault
	}

	all, err := s.store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	if len(all) <= 1 {
		return ErrDeleteLast
	}

	if err := s.store.DeleteProfile(ctx, id); err != nil {
		return err
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if settings != nil && settings.ActiveProfileID == id {
		settings.ActiveProfileID = DefaultProfileID
		if err := s.store.SaveSettings(ctx, settings); err != nil {
			return err
		}
	}

	s.logger.Info("deleted profile", zap.String("profile_id", id))
	return nil
}

// Active returns the currently active profile, falling back to the default
// when the recorded active id no longer exists.
func (s *Service) Active(ctx context.Context) (*Profile, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	id := DefaultProfileID
	if settings != nil && settings.ActiveProfileID != "" {
		id = settings.ActiveProfileID
	}

	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return s.Get(ctx, DefaultProfileID)
	}
	return p, nil
}

// SetActive switches the active profile.
func (s *Service) SetActive(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if settings == nil {
		settings = &Settings{
			AutoSwitch:         s.cfg.AutoSwitch,
			ProactiveSwitch:    s.cfg.ProactiveSwitch,
			ProactiveThreshold: s.cfg.ProactiveThreshold,
		}
	}
	settings.ActiveProfileID = id
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return err
	}

	s.logger.Info("activated profile", zap.String("profile_id", id))
	return nil
}

// Settings returns the auto-switch settings document.
func (s *Service) Settings(ctx context.Context) (*Settings, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return &Settings{
			ActiveProfileID:    DefaultProfileID,
			AutoSwitch:         s.cfg.AutoSwitch,
			ProactiveSwitch:    s.cfg.ProactiveSwitch,
			ProactiveThreshold: s.cfg.ProactiveThreshold,
		}, nil
	}
	return settings, nil
}

// SaveSettings persists the auto-switch settings document.
func (s *Service) SaveSettings(ctx context.Context, settings *Settings) error {
	return s.store.SaveSettings(ctx, settings)
}

// SetToken captures a credential token for a profile, encrypting it at rest.
func (s *Service) SetToken(ctx context.Context, id, token string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	stored, err := s.vault.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	now := time.Now().UTC()
	p.EncryptedToken = stored
	p.TokenCreatedAt = &now
	return s.store.UpdateProfile(ctx, p)
}

// Token returns a profile's decrypted credential token. An empty result
// means the credential is missing or undecryptable and the profile needs
// re-authentication.
func (s *Service) Token(ctx context.Context, id string) (string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.vault.Decrypt(p.EncryptedToken), nil
}

// HasCredential reports whether the profile has a usable token.
func (s *Service) HasCredential(ctx context.Context, p *Profile) bool {
	return s.vault.Decrypt(p.EncryptedToken) != ""
}

// MarkUsed records that the profile was just used for a run.
func (s *Service) MarkUsed(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.LastUsedAt = &now
	return s.store.UpdateProfile(ctx, p)
}

// RecordRateLimit appends a rate-limit event to a profile's history.
func (s *Service) RecordRateLimit(ctx context.Context, id string, event RateLimitEvent) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if event.DetectedAt.IsZero() {
		event.DetectedAt = time.Now().UTC()
	}
	p.RateLimits = append(p.RateLimits, event)

	s.logger.Warn("rate limit recorded",
		zap.String("profile_id", id),
		zap.String("kind", event.Kind),
		zap.Time("resets_at", event.ResetsAt))

	return s.store.UpdateProfile(ctx, p)
}

// ClearExpiredRateLimits drops rate-limit events whose reset time has
// passed. Call it after a subsequent availability check confirms the
// profile works again.
func (s *Service) ClearExpiredRateLimits(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	kept := p.RateLimits[:0]
	for _, e := range p.RateLimits {
		if !e.Expired(now) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(p.RateLimits) {
		return nil
	}
	p.RateLimits = kept
	return s.store.UpdateProfile(ctx, p)
}
