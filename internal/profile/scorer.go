package profile

import (
	"context"
	"sort"
	"time"
)

// rateLimitLookback is the history window used to prefer profiles that
// have not hit a limit recently over ones that have.
const rateLimitLookback = 24 * time.Hour

// BestAvailable picks the profile a rate-limited run should switch to.
// The excluded profile (the one that just hit its limit) is never
// returned, nor is any profile with an unexpired rate-limit event.
// Among the rest, profiles with no rate-limit history in the last 24h
// rank first, least-recently-used breaks ties, and a usable credential
// breaks ties after that. Returns nil when no eligible profile exists.
func (s *Service) BestAvailable(ctx context.Context, excludeID string) (*Profile, error) {
	all, err := s.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(-rateLimitLookback)

	var candidates []*Profile
	for _, p := range all {
		if p.ID == excludeID {
			continue
		}
		if p.RateLimitedAt(now) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		aRecent := a.HadRateLimitSince(cutoff)
		bRecent := b.HadRateLimitSince(cutoff)
		if aRecent != bRecent {
			return !aRecent
		}

		// nil LastUsedAt means never used, which sorts first.
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}

		aCred := s.HasCredential(ctx, a)
		bCred := s.HasCredential(ctx, b)
		if aCred != bCred {
			return aCred
		}
		return false
	})

	return candidates[0], nil
}

// SwitchRecommendation is the result of a proactive usage check.
type SwitchRecommendation struct {
	ShouldSwitch bool
	Target       *Profile
	Reason       string
}

// CheckProactive decides whether a run should swap profiles before the
// current one hits its limit. usage is the fraction of the current
// profile's quota consumed, in [0, 1]. The recommendation is computed
// regardless of the proactive-switch setting; that setting only
// controls whether callers act on it or surface it as a notification.
func (s *Service) CheckProactive(ctx context.Context, currentID string, usage float64) (*SwitchRecommendation, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	// A zero threshold disables the check entirely.
	if settings.ProactiveThreshold <= 0 || usage < settings.ProactiveThreshold {
		return &SwitchRecommendation{ShouldSwitch: false}, nil
	}

	target, err := s.BestAvailable(ctx, currentID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return &SwitchRecommendation{ShouldSwitch: false, Reason: "no alternative profile available"}, nil
	}

	return &SwitchRecommendation{
		ShouldSwitch: true,
		Target:       target,
		Reason:       "usage threshold exceeded",
	}, nil
}
