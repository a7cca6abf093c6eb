package supervisor

import (
	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/marker"
)

// phaseSpan is the slice of overall progress a phase occupies.
type phaseSpan struct {
	start, end int
}

// phaseSpans weights the overall progress bar. Terminal phases are
// handled explicitly in overall().
var phaseSpans = map[marker.Phase]phaseSpan{
	marker.PhasePlanning: {0, 20},
	marker.PhaseCoding:   {20, 70},
	marker.PhaseQAReview: {70, 85},
	marker.PhaseQAFixing: {85, 95},
}

// Phase-local increments per marker type.
const (
	phaseStartFloor = 5
	textIncrement   = 2
	minorIncrement  = 1
)

// progressState is the per-run phase/progress state machine. Never
// persisted; it exists only between spawn and exit. Callers hold the
// run mutex.
type progressState struct {
	phase         marker.Phase
	phaseProgress int
	message       string
	subtask       string

	// frozenOverall is the overall value at the moment the run failed;
	// the bar stops there instead of snapping back to a phase boundary.
	frozenOverall int
}

func newProgressState() progressState {
	return progressState{phase: marker.PhaseIdle}
}

// apply folds one marker into the state. It returns true when the state
// changed and a progress event should be published.
func (p *progressState) apply(m *marker.Marker) bool {
	switch m.Type {
	case marker.TypePhaseStart:
		var d marker.PhaseStartData
		if err := m.Decode(&d); err != nil {
			return false
		}
		next := marker.MapPhaseLabel(d.Phase)
		if next == "" {
			next = p.phase
		}
		p.enterPhase(next)
		return true

	case marker.TypePhaseEnd:
		var d marker.PhaseEndData
		if err := m.Decode(&d); err != nil {
			return false
		}
		if !d.Success {
			// A failed phase fails the run, whichever phase it was.
			p.enterPhase(marker.PhaseFailed)
			return true
		}
		p.phaseProgress = 100
		return true

	case marker.TypeText:
		var d marker.TextData
		if err := m.Decode(&d); err != nil {
			return false
		}
		if d.Content != "" {
			p.message = d.Content
		}
		if d.SubtaskID != "" {
			p.subtask = d.SubtaskID
		}
		p.bump(textIncrement)
		return true

	case marker.TypeToolStart, marker.TypeToolEnd:
		var d marker.ToolData
		if err := m.Decode(&d); err != nil {
			return false
		}
		if d.Tool != "" {
			p.message = d.Tool
		}
		p.bump(minorIncrement)
		return true

	case marker.TypeSubphaseStart:
		var d marker.SubphaseData
		if err := m.Decode(&d); err != nil {
			return false
		}
		if d.Name != "" {
			p.message = d.Name
		}
		p.bump(minorIncrement)
		return true
	}

	// Unknown marker types are accepted and ignored.
	return false
}

// applyInference folds a heuristic phase transition into the state.
func (p *progressState) applyInference(inf *marker.Inference) bool {
	if inf == nil || inf.Phase == p.phase {
		return false
	}
	p.enterPhase(inf.Phase)
	if inf.Message != "" {
		p.message = inf.Message
	}
	return true
}

func (p *progressState) enterPhase(next marker.Phase) {
	if next == p.phase {
		return
	}
	if next == marker.PhaseFailed {
		p.frozenOverall = p.overall()
	}
	p.phase = next
	switch next {
	case marker.PhaseComplete:
		p.phaseProgress = 100
	case marker.PhaseFailed:
		// Keep the last known phase progress.
	default:
		p.phaseProgress = phaseStartFloor
	}
	p.subtask = ""
}

// bump advances phase-local progress. It never regresses and caps just
// short of 100, which is reserved for a successful PHASE_END.
func (p *progressState) bump(n int) {
	if p.phase.Terminal() {
		return
	}
	if p.phaseProgress+n < 99 {
		p.phaseProgress += n
	} else {
		p.phaseProgress = 99
	}
}

// overall maps phase plus phase-local progress onto a single 0-100 bar.
func (p *progressState) overall() int {
	switch p.phase {
	case marker.PhaseComplete:
		return 100
	case marker.PhaseIdle:
		return 0
	case marker.PhaseFailed:
		// The bar freezes where the run died; the phase string carries
		// the failure.
		return p.frozenOverall
	}
	span, ok := phaseSpans[p.phase]
	if !ok {
		return p.phaseProgress
	}
	return span.start + (span.end-span.start)*p.phaseProgress/100
}

// payload snapshots the state into an event payload.
func (p *progressState) payload(taskID string) events.ProgressPayload {
	return events.ProgressPayload{
		TaskID:          taskID,
		Phase:           string(p.phase),
		PhaseProgress:   p.phaseProgress,
		OverallProgress: p.overall(),
		CurrentSubtask:  p.subtask,
		Message:         p.message,
	}
}
