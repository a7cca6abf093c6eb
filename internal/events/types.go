// Package events defines the event surface the execution engine exposes to
// presentation layers: log lines, phase/progress updates, process exits, and
// rate-limit / auth-failure notifications.
package events

import "time"

// Subjects. Per-task events append "." + task id.
const (
	TaskLog         = "task.log"          // LogPayload
	TaskProgress    = "task.progress"     // ProgressPayload
	TaskExit        = "task.exit"         // ExitPayload
	TaskError       = "task.error"        // ErrorPayload
	TaskRateLimit   = "task.rate_limit"   // RateLimitPayload (not task-scoped)
	TaskAuthFailure = "task.auth_failure" // AuthFailurePayload
	TaskProfileSwap = "task.profile_swap" // ProfileSwapPayload
)

// LogPayload is a single human-readable output line from a task run.
type LogPayload struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

// ProgressPayload reports phase and progress for a task run.
type ProgressPayload struct {
	TaskID          string `json:"task_id"`
	Phase           string `json:"phase"`
	PhaseProgress   int    `json:"phase_progress"`
	OverallProgress int    `json:"overall_progress"`
	CurrentSubtask  string `json:"current_subtask,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ExitPayload reports process termination. It is always the last event
// published for a given spawn.
type ExitPayload struct {
	TaskID      string `json:"task_id"`
	ExitCode    int    `json:"exit_code"`
	ProcessKind string `json:"process_kind"`
}

// ErrorPayload reports a process-level error such as a spawn failure.
type ErrorPayload struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// RateLimitPayload reports a detected rate limit on the active profile.
type RateLimitPayload struct {
	TaskID      string     `json:"task_id"`
	ProfileID   string     `json:"profile_id"`
	Kind        string     `json:"kind"` // session or weekly
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
	Alternative string     `json:"alternative,omitempty"` // profile id, empty if none
}

// AuthFailurePayload reports an authentication failure that requires the user
// to re-authenticate the active profile.
type AuthFailurePayload struct {
	TaskID    string `json:"task_id"`
	ProfileID string `json:"profile_id"`
	Detail    string `json:"detail"`
}

// ProfileSwapPayload announces an automatic profile switch followed by a
// restart of the same task.
type ProfileSwapPayload struct {
	TaskID       string `json:"task_id"`
	FromProfile  string `json:"from_profile"`
	ToProfile    string `json:"to_profile"`
	RestartCount int    `json:"restart_count"`
}

// TaskSubject scopes a base subject to one task.
func TaskSubject(base, taskID string) string {
	return base + "." + taskID
}

// WildcardSubject subscribes to a base subject for all tasks.
func WildcardSubject(base string) string {
	return base + ".*"
}
