package marker

import "strings"

// Phase is a coarse stage of task execution.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseQAReview Phase = "qa_review"
	PhaseQAFixing Phase = "qa_fixing"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseCoding, PhaseQAReview, PhaseQAFixing, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// MapPhaseLabel maps a free-text phase name from the execution engine to the
// canonical phase. Returns "" for labels it cannot place, so callers keep
// whatever phase they already had.
func MapPhaseLabel(label string) Phase {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return ""
	}
	// Exact enum values first, including dashed spellings.
	switch strings.ReplaceAll(l, "-", "_") {
	case "idle":
		return PhaseIdle
	case "planning", "plan":
		return PhasePlanning
	case "coding", "code":
		return PhaseCoding
	case "qa_review", "qa":
		return PhaseQAReview
	case "qa_fixing", "fixing":
		return PhaseQAFixing
	case "complete", "completed", "done":
		return PhaseComplete
	case "failed", "failure":
		return PhaseFailed
	}

	switch {
	case strings.Contains(l, "fix"):
		return PhaseQAFixing
	case strings.Contains(l, "review") || strings.Contains(l, "qa"):
		return PhaseQAReview
	case strings.Contains(l, "plan") || strings.Contains(l, "spec"):
		return PhasePlanning
	case strings.Contains(l, "cod") || strings.Contains(l, "implement") || strings.Contains(l, "execut"):
		return PhaseCoding
	case strings.Contains(l, "complet") || strings.Contains(l, "done"):
		return PhaseComplete
	case strings.Contains(l, "fail"):
		return PhaseFailed
	}
	return ""
}
