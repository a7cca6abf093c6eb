package marker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWellFormedMarkers(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType string
	}{
		{"phase start", `__TASK_LOG_PHASE_START__:{"phase":"coding"}`, TypePhaseStart},
		{"phase end", `__TASK_LOG_PHASE_END__:{"phase":"coding","success":true}`, TypePhaseEnd},
		{"text", `__TASK_LOG_TEXT__:{"content":"working","subtask_id":"s1"}`, TypeText},
		{"tool start", `__TASK_LOG_TOOL_START__:{"tool":"grep"}`, TypeToolStart},
		{"tool end", `__TASK_LOG_TOOL_END__:{"tool":"grep"}`, TypeToolEnd},
		{"subphase", `__TASK_LOG_SUBPHASE_START__:{"name":"migration"}`, TypeSubphaseStart},
		{"unknown type accepted", `__TASK_LOG_FUTURE_THING__:{"x":1}`, "FUTURE_THING"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.line)
			require.NotNil(t, m)
			assert.Equal(t, tt.wantType, m.Type)
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"plain text", "hello world"},
		{"empty", ""},
		{"prefix only", "__TASK_LOG_"},
		{"invalid json", `__TASK_LOG_TEXT__:{not json}`},
		{"truncated json", `__TASK_LOG_TEXT__:{"content":"wor`},
		{"non-object payload", `__TASK_LOG_TEXT__:"just a string"`},
		{"lowercase type", `__task_log_text__:{"content":"x"}`},
		{"missing colon", `__TASK_LOG_TEXT__{"content":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Parse(tt.line))
		})
	}
}

func TestDecodePayloads(t *testing.T) {
	m := Parse(`__TASK_LOG_PHASE_END__:{"phase":"qa_review","success":false}`)
	require.NotNil(t, m)

	var data PhaseEndData
	require.NoError(t, m.Decode(&data))
	assert.Equal(t, "qa_review", data.Phase)
	assert.False(t, data.Success)

	m = Parse(`__TASK_LOG_TEXT__:{"content":"working","subtask_id":"s1"}`)
	require.NotNil(t, m)

	var text TextData
	require.NoError(t, m.Decode(&text))
	assert.Equal(t, "working", text.Content)
	assert.Equal(t, "s1", text.SubtaskID)
}

func TestLooksLikePrefix(t *testing.T) {
	assert.True(t, LooksLikePrefix("_"))
	assert.True(t, LooksLikePrefix("__TASK"))
	assert.True(t, LooksLikePrefix("__TASK_LOG_"))
	assert.True(t, LooksLikePrefix(`__TASK_LOG_TEXT__:{"conten`))
	assert.False(t, LooksLikePrefix("hello"))
	assert.False(t, LooksLikePrefix("_x"))
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean line untouched", "hello world", "hello world"},
		{"embedded marker removed", `before __TASK_LOG_TEXT__:{"content":"x"} after`, "before  after"},
		{"nested payload removed whole", `x __TASK_LOG_TEXT__:{"a":{"b":1}}`, "x"},
		{"nested payload with trailing text", `x __TASK_LOG_TEXT__:{"a":{"b":1}} done`, "x  done"},
		{"truncated marker removed", `output __TASK_LOG_TEXT__:{"conte`, "output"},
		{"bare prefix removed", "tail __TASK_LOG_", "tail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Strip(tt.in))
		})
	}
}

func TestMapPhaseLabel(t *testing.T) {
	tests := []struct {
		label string
		want  Phase
	}{
		{"planning", PhasePlanning},
		{"Plan", PhasePlanning},
		{"coding", PhaseCoding},
		{"implementation", PhaseCoding},
		{"qa-review", PhaseQAReview},
		{"QA Review", PhaseQAReview},
		{"qa_fixing", PhaseQAFixing},
		{"fixing issues", PhaseQAFixing},
		{"complete", PhaseComplete},
		{"done", PhaseComplete},
		{"failed", PhaseFailed},
		{"", ""},
		{"gibberish", ""},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, MapPhaseLabel(tt.label))
		})
	}
}

func TestHeuristicScanner(t *testing.T) {
	s := NewHeuristicScanner()

	inf := s.Scan("Creating the spec for feature X")
	require.NotNil(t, inf)
	assert.Equal(t, PhasePlanning, inf.Phase)

	// Repeat of the same phase is suppressed
	assert.Nil(t, s.Scan("creating the plan again"))

	inf = s.Scan("Implementing subtask 2 of 5")
	require.NotNil(t, inf)
	assert.Equal(t, PhaseCoding, inf.Phase)

	inf = s.Scan("Running QA on the result")
	require.NotNil(t, inf)
	assert.Equal(t, PhaseQAReview, inf.Phase)

	inf = s.Scan("All QA checks passed")
	require.NotNil(t, inf)
	assert.Equal(t, PhaseComplete, inf.Phase)

	assert.Nil(t, s.Scan("ordinary output line"))
}
