// Package profile manages credential profiles for the external agent engine,
// including rotation between accounts on rate-limit and auth failures.
package profile

import "time"

// Rate-limit event kinds.
const (
	RateLimitSession = "session" // resets within the current usage session
	RateLimitWeekly  = "weekly"  // weekly quota exhausted
)

// DefaultProfileID is the id of the bootstrap profile every store contains.
const DefaultProfileID = "default"

// RateLimitEvent is an immutable record of a detected rate limit on a
// profile. Events accumulate until explicitly cleared after their reset time
// has passed and a follow-up availability check confirms the profile works.
type RateLimitEvent struct {
	Kind       string    `json:"kind"`
	ResetsAt   time.Time `json:"resets_at"`
	DetectedAt time.Time `json:"detected_at"`
}

// Expired reports whether the event's reset time has passed.
func (e RateLimitEvent) Expired(now time.Time) bool {
	return !e.ResetsAt.After(now)
}

// Profile is a named credential configuration for the engine.
type Profile struct {
	ID             string           `db:"id"`
	Name           string           `db:"name"`
	IsDefault      bool             `db:"is_default"`
	ConfigDir      string           `db:"config_dir"`
	EncryptedToken string           `db:"encrypted_token"`
	TokenCreatedAt *time.Time       `db:"token_created_at"`
	LastUsedAt     *time.Time       `db:"last_used_at"`
	Email          string           `db:"email"`
	RateLimits     []RateLimitEvent `db:"-"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
}

// RateLimitedAt reports whether any recorded rate-limit event still covers
// the given time.
func (p *Profile) RateLimitedAt(now time.Time) bool {
	for _, e := range p.RateLimits {
		if !e.Expired(now) {
			return true
		}
	}
	return false
}

// HadRateLimitSince reports whether any event was detected after the cutoff.
func (p *Profile) HadRateLimitSince(cutoff time.Time) bool {
	for _, e := range p.RateLimits {
		if e.DetectedAt.After(cutoff) {
			return true
		}
	}
	return false
}

// Settings is the single versioned auto-switch settings document.
type Settings struct {
	Version            int     `db:"version"`
	ActiveProfileID    string  `db:"active_profile_id"`
	AutoSwitch         bool    `db:"auto_switch"`
	ProactiveSwitch    bool    `db:"proactive_switch"`
	ProactiveThreshold float64 `db:"proactive_threshold"`
}

// settingsVersion is the current settings document schema version.
const settingsVersion = 1
