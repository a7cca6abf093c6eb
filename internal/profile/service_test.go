package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/database"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/vault"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	log := logger.Default()
	v := vault.New(config.VaultConfig{KeyDir: t.TempDir()}, log)

	svc, err := NewService(context.Background(), store, v, config.ProfilesConfig{
		AutoSwitch:         true,
		ProactiveThreshold: 0.85,
		BaseDir:            t.TempDir(),
	}, log)
	require.NoError(t, err)
	return svc
}

func TestBootstrapCreatesDefaultProfile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	def, err := svc.Get(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.True(t, def.IsDefault)
	assert.Equal(t, "Default", def.Name)

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, active.ID)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "Work", "", "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "work", "", "")
	assert.ErrorIs(t, err, ErrProfileExists)
}

func TestDeleteGuards(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Default profile is never deletable.
	err := svc.Delete(ctx, DefaultProfileID)
	assert.ErrorIs(t, err, ErrDeleteDefault)

	// A refused delete leaves the store unchanged.
	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	p, err := svc.Create(ctx, "Work", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, p.ID))
	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestDeleteActiveFallsBackToDefault(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.Create(ctx, "Work", "", "")
	require.NoError(t, err)
	require.NoError(t, svc.SetActive(ctx, p.ID))

	require.NoError(t, svc.Delete(ctx, p.ID))

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, active.ID)
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetToken(ctx, DefaultProfileID, "sk-ant-secret"))

	token, err := svc.Token(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", token)

	// Stored form must not be the plaintext.
	p, err := svc.Get(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.NotEqual(t, "sk-ant-secret", p.EncryptedToken)
	assert.NotNil(t, p.TokenCreatedAt)
}

func TestRecordAndClearRateLimits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := RateLimitEvent{Kind: "session", ResetsAt: time.Now().Add(-time.Hour)}
	future := RateLimitEvent{Kind: "weekly", ResetsAt: time.Now().Add(time.Hour)}
	require.NoError(t, svc.RecordRateLimit(ctx, DefaultProfileID, past))
	require.NoError(t, svc.RecordRateLimit(ctx, DefaultProfileID, future))

	p, err := svc.Get(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.Len(t, p.RateLimits, 2)
	assert.True(t, p.RateLimitedAt(time.Now()))

	require.NoError(t, svc.ClearExpiredRateLimits(ctx, DefaultProfileID))
	p, err = svc.Get(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.Len(t, p.RateLimits, 1)
	assert.Equal(t, "weekly", p.RateLimits[0].Kind)
}

func TestBestAvailableExcludesLimitedProfiles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	work, err := svc.Create(ctx, "Work", "", "")
	require.NoError(t, err)
	personal, err := svc.Create(ctx, "Personal", "", "")
	require.NoError(t, err)

	// Rate-limit "work" with an unexpired event.
	require.NoError(t, svc.RecordRateLimit(ctx, work.ID, RateLimitEvent{
		Kind: "session", ResetsAt: time.Now().Add(time.Hour),
	}))

	best, err := svc.BestAvailable(ctx, DefaultProfileID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, personal.ID, best.ID)
	assert.NotEqual(t, work.ID, best.ID, "rate-limited profile must never be chosen")
}

func TestBestAvailableNeverReturnsExcluded(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	best, err := svc.BestAvailable(ctx, DefaultProfileID)
	require.NoError(t, err)
	assert.Nil(t, best, "only the excluded profile exists")
}

func TestBestAvailablePrefersLeastRecentlyUsed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "A", "", "")
	require.NoError(t, err)
	b, err := svc.Create(ctx, "B", "", "")
	require.NoError(t, err)

	require.NoError(t, svc.MarkUsed(ctx, a.ID))

	best, err := svc.BestAvailable(ctx, DefaultProfileID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, b.ID, best.ID, "never-used profile ranks before a used one")
}

func TestCheckProactive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "Spare", "", "")
	require.NoError(t, err)

	// The recommendation is advisory: it is produced whether or not the
	// proactive-switch setting is on. Acting on it is the caller's call.
	rec, err := svc.CheckProactive(ctx, DefaultProfileID, 0.5)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSwitch, "below threshold")

	rec, err = svc.CheckProactive(ctx, DefaultProfileID, 0.9)
	require.NoError(t, err)
	assert.True(t, rec.ShouldSwitch)
	require.NotNil(t, rec.Target)
	assert.NotEqual(t, DefaultProfileID, rec.Target.ID)

	// A zero threshold disables the check.
	settings, err := svc.Settings(ctx)
	require.NoError(t, err)
	settings.ProactiveThreshold = 0
	require.NoError(t, svc.SaveSettings(ctx, settings))

	rec, err = svc.CheckProactive(ctx, DefaultProfileID, 0.99)
	require.NoError(t, err)
	assert.False(t, rec.ShouldSwitch)
}
