package supervisor

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// tailBuffer keeps the last windowSize bytes of combined process output
// for failure-pattern scanning. It is independent of the display log.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, line...)
	t.data = append(t.data, '\n')
	if len(t.data) > t.max {
		t.data = t.data[len(t.data)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.data)
}

// RateLimitInfo classifies a detected rate limit.
type RateLimitInfo struct {
	// Kind is "session" (5-hour window) or "weekly".
	Kind string

	// ResetsAt is parsed from the output when present, otherwise
	// estimated from the window length.
	ResetsAt time.Time

	// Matched is the output fragment that triggered detection.
	Matched string
}

// AuthFailureInfo carries the original error text of an authentication
// failure. There is no automatic remediation; the user must re-auth.
type AuthFailureInfo struct {
	Detail string
}

// The claude CLI reports a hard limit as "Claude AI usage limit
// reached|<unix-epoch>"; other phrasings appear in API error bodies.
var (
	epochResetRe = regexp.MustCompile(`usage limit reached\|(\d{9,11})`)

	weeklyLimitRe  = regexp.MustCompile(`(?i)weekly (usage )?limit|limit resets in \d+ days?`)
	sessionLimitRe = regexp.MustCompile(`(?i)usage limit reached|rate.?limit|too many requests|5-hour limit|hit your limit`)

	authFailureRe = regexp.MustCompile(`(?i)(invalid api key|authentication[ _]error|oauth token (has )?expired|token (is )?invalid|please run /login|401 unauthorized|credentials? (are )?invalid)`)
)

const (
	sessionWindow = 5 * time.Hour
	weeklyWindow  = 7 * 24 * time.Hour
)

// detectRateLimit scans an output window for a rate-limit signature.
// Returns nil when none is found.
func detectRateLimit(window string, now time.Time) *RateLimitInfo {
	var info *RateLimitInfo

	switch {
	case weeklyLimitRe.MatchString(window):
		info = &RateLimitInfo{
			Kind:     "weekly",
			ResetsAt: now.Add(weeklyWindow),
			Matched:  weeklyLimitRe.FindString(window),
		}
	case sessionLimitRe.MatchString(window):
		info = &RateLimitInfo{
			Kind:     "session",
			ResetsAt: now.Add(sessionWindow),
			Matched:  sessionLimitRe.FindString(window),
		}
	default:
		return nil
	}

	if m := epochResetRe.FindStringSubmatch(window); m != nil {
		if epoch, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.ResetsAt = time.Unix(epoch, 0).UTC()
		}
	}
	return info
}

// detectAuthFailure scans an output window for an authentication
// failure signature. Runs only when no rate limit was detected, since
// rate-limit bodies can mention tokens too.
func detectAuthFailure(window string) *AuthFailureInfo {
	m := authFailureRe.FindString(window)
	if m == "" {
		return nil
	}
	return &AuthFailureInfo{Detail: m}
}
