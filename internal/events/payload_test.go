package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/internal/events/bus"
)

func TestPayloadAsConcreteStruct(t *testing.T) {
	e := bus.NewEvent(TaskLog, LogPayload{TaskID: "t1", Text: "hello"})

	p, ok := PayloadAs[LogPayload](e)
	require.True(t, ok)
	assert.Equal(t, "t1", p.TaskID)
	assert.Equal(t, "hello", p.Text)
}

func TestPayloadAsWireDecodedEvent(t *testing.T) {
	// Round-trip through JSON the way the NATS backend does: Data
	// arrives as map[string]interface{}, not the published struct.
	src := bus.NewEvent(TaskExit, ExitPayload{TaskID: "t1", ExitCode: 3, ProcessKind: "qa"})
	raw, err := json.Marshal(src)
	require.NoError(t, err)
	var e bus.Event
	require.NoError(t, json.Unmarshal(raw, &e))
	_, isMap := e.Data.(map[string]interface{})
	require.True(t, isMap)

	p, ok := PayloadAs[ExitPayload](&e)
	require.True(t, ok)
	assert.Equal(t, "t1", p.TaskID)
	assert.Equal(t, 3, p.ExitCode)
	assert.Equal(t, "qa", p.ProcessKind)
}

func TestPayloadAsNilData(t *testing.T) {
	_, ok := PayloadAs[LogPayload](bus.NewEvent(TaskLog, nil))
	assert.False(t, ok)
}
