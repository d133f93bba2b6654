// Package notify implements the change-notification pipeline: a single
// persistent LISTEN subscription on the Postgres change channel, normalization
// of raw payloads into ChangeEvents, and one-to-many fan-out to client streams.
package notify

import (
	"encoding/json"
	"fmt"
)

// Change actions as emitted by the store-side triggers.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// ChangeEvent is the normalized form of one row-level mutation. It exists only
// in flight between the listener and the subscribers; nothing persists it.
type ChangeEvent struct {
	Table   string          `json:"table"`
	Action  string          `json:"action"`
	ID      json.RawMessage `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	OldData json.RawMessage `json:"old_data,omitempty"`
}

// ParseChangeEvent decodes a raw channel payload and checks the fields the
// wire format requires. Unknown extra keys are ignored.
func ParseChangeEvent(payload []byte) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change payload: %w", err)
	}
	if event.Table == "" {
		return ChangeEvent{}, fmt.Errorf("change payload missing table")
	}
	switch event.Action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("change payload has unknown action %q", event.Action)
	}
	return event, nil
}
