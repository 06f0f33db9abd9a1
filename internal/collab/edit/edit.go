package edit

import (
	"encoding/json"
	"time"
)

// Change is one optimistic edit to a project resource. The payload is
// opaque to the sync core; only the timeline engine interprets it.
type Change struct {
	ID          string          `json:"id"`
	ResourceID  string          `json:"resource_id"`
	BaseVersion uint64          `json:"base_version"`
	UserID      string          `json:"user_id"`
	Op          string          `json:"op"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Dispatcher is the timeline/editing engine entry point. The sync core
// never inspects the engine's internal representation; it only hands over
// accepted changes and asks for optimistic ones to be undone.
type Dispatcher interface {
	Dispatch(change Change) error
	Revert(change Change) error
}

// NopDispatcher discards all changes. Used when no engine is attached.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(Change) error { return nil }
func (NopDispatcher) Revert(Change) error   { return nil }
