// Package marker parses the structured log lines the external execution
// engine emits to report progress out-of-band from human-readable output.
//
// The wire format is one marker per line:
//
//	__TASK_LOG_<TYPE>__:<single-line JSON object>
//
// Anything that does not match is an ordinary log line. Parsing never fails
// loudly: a line that looks like a marker but carries invalid JSON is treated
// as a displayable log line.
package marker

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Prefix starts every marker line.
const Prefix = "__TASK_LOG_"

// Marker types emitted by the execution engine. Unknown types parse
// successfully and are ignored by consumers for forward compatibility.
const (
	TypePhaseStart    = "PHASE_START"
	TypePhaseEnd      = "PHASE_END"
	TypeText          = "TEXT"
	TypeToolStart     = "TOOL_START"
	TypeToolEnd       = "TOOL_END"
	TypeSubphaseStart = "SUBPHASE_START"
)

var markerRe = regexp.MustCompile(`^__TASK_LOG_([A-Z0-9_]+)__:(.*)$`)

// inlineMarkerRe matches a marker embedded anywhere in a line, used to strip
// marker text defensively from displayable output. The payload match is
// greedy so nested JSON objects are consumed whole.
var inlineMarkerRe = regexp.MustCompile(`__TASK_LOG_[A-Z0-9_]+__:\{.*\}`)

// Marker is one parsed structured log line.
type Marker struct {
	Type string
	Data json.RawMessage
}

// PhaseStartData is the payload of a PHASE_START marker.
type PhaseStartData struct {
	Phase string `json:"phase"`
}

// PhaseEndData is the payload of a PHASE_END marker.
type PhaseEndData struct {
	Phase   string `json:"phase"`
	Success bool   `json:"success"`
}

// TextData is the payload of a TEXT marker.
type TextData struct {
	Content   string `json:"content"`
	SubtaskID string `json:"subtask_id"`
}

// ToolData is the payload of TOOL_START and TOOL_END markers.
type ToolData struct {
	Tool string `json:"tool"`
}

// SubphaseData is the payload of a SUBPHASE_START marker.
type SubphaseData struct {
	Name string `json:"name"`
}

// Parse parses a single trimmed line of engine output. It returns nil for
// ordinary log lines and for malformed markers; it never returns an error.
func Parse(line string) *Marker {
	m := markerRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	payload := strings.TrimSpace(m[2])
	if !json.Valid([]byte(payload)) || !strings.HasPrefix(payload, "{") {
		return nil
	}

	return &Marker{Type: m[1], Data: json.RawMessage(payload)}
}

// Decode unmarshals the marker payload into v. Malformed payloads cannot
// reach here (Parse rejects them), so a decode error only means the payload
// shape does not match v; missing fields stay zero-valued.
func (m *Marker) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// LooksLikePrefix reports whether a partial line could still grow into a
// marker once the rest of it arrives. Used by the stream splitter to hold a
// trailing fragment instead of emitting a truncated marker as log text.
func LooksLikePrefix(partial string) bool {
	if len(partial) < len(Prefix) {
		return strings.HasPrefix(Prefix, partial)
	}
	return strings.HasPrefix(partial, Prefix)
}

// Strip removes any marker-shaped text from a line so it never reaches a
// human-visible log. Lines that are pure markers are consumed before display;
// this is a defensive pass for markers glued onto other output.
func Strip(line string) string {
	if !strings.Contains(line, Prefix) {
		return line
	}
	cleaned := inlineMarkerRe.ReplaceAllString(line, "")
	// A marker whose payload was cut off mid-object leaves a bare prefix.
	if idx := strings.Index(cleaned, Prefix); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	return strings.TrimRight(cleaned, " \t")
}
