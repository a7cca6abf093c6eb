package events

import (
	"encoding/json"

	"github.com/agentrun/agentrun/internal/events/bus"
)

// PayloadAs extracts an event's data as its typed payload. Events
// published in-process carry the concrete struct; events decoded from
// the NATS wire carry a generic map and are re-marshalled into the
// type. Returns false when the data cannot represent T.
func PayloadAs[T any](e *bus.Event) (T, bool) {
	if p, ok := e.Data.(T); ok {
		return p, true
	}

	var zero T
	if e.Data == nil {
		return zero, false
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return zero, false
	}
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return zero, false
	}
	return p, true
}
