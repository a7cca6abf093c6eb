package marker

import "regexp"

// Inference is a phase transition inferred from a plain log line.
type Inference struct {
	Phase   Phase
	Message string
}

type heuristicRule struct {
	re    *regexp.Regexp
	phase Phase
}

// Ordered: first match wins, so more specific patterns come first.
var heuristicRules = []heuristicRule{
	{regexp.MustCompile(`(?i)\ball\s+qa\s+checks\s+passed\b`), PhaseComplete},
	{regexp.MustCompile(`(?i)\bqa\s+(fix|fixing|fixes)\b`), PhaseQAFixing},
	{regexp.MustCompile(`(?i)\bfixing\s+(qa\s+)?issues?\b`), PhaseQAFixing},
	{regexp.MustCompile(`(?i)\b(running|starting)\s+qa\b|\bqa\s+review\b`), PhaseQAReview},
	{regexp.MustCompile(`(?i)\bimplementing\s+(subtask|task|phase)\b`), PhaseCoding},
	{regexp.MustCompile(`(?i)\bexecuting\s+(subtask|task)\b`), PhaseCoding},
	{regexp.MustCompile(`(?i)\b(creating|building|generating)\s+(the\s+)?(spec|specification|plan)\b`), PhasePlanning},
	{regexp.MustCompile(`(?i)\bplanning\s+phase\b`), PhasePlanning},
	{regexp.MustCompile(`(?i)\btask\s+complete[d]?\b`), PhaseComplete},
	{regexp.MustCompile(`(?i)\btask\s+failed\b`), PhaseFailed},
}

// HeuristicScanner infers phase transitions from plain-text log patterns.
// It exists for engines that predate structured markers; engines that emit
// markers skip it entirely (manifest capability flag).
type HeuristicScanner struct {
	last Phase
}

// NewHeuristicScanner returns a scanner starting from the idle phase.
func NewHeuristicScanner() *HeuristicScanner {
	return &HeuristicScanner{last: PhaseIdle}
}

// Scan inspects one plain log line. It returns a non-nil Inference only when
// the line implies a phase different from the last one inferred.
func (s *HeuristicScanner) Scan(line string) *Inference {
	for _, rule := range heuristicRules {
		if !rule.re.MatchString(line) {
			continue
		}
		if rule.phase == s.last {
			return nil
		}
		s.last = rule.phase
		return &Inference{Phase: rule.phase, Message: line}
	}
	return nil
}
