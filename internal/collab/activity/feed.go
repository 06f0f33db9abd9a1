package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an activity entry.
type Type string

const (
	TypeUserJoined          Type = "user_joined"
	TypeUserLeft            Type = "user_left"
	TypeEdit                Type = "edit"
	TypeCommentAdded        Type = "comment_added"
	TypeCommentResolved     Type = "comment_resolved"
	TypePermissionChanged   Type = "permission_changed"
	TypeConflictDetected    Type = "conflict_detected"
	TypeConflictResolved    Type = "conflict_resolved"
	TypeSessionConnected    Type = "session_connected"
	TypeSessionDisconnected Type = "session_disconnected"
)

// Entry is one append-only audit record.
type Entry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Type        Type           `json:"type"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Feed is a capped append-only activity trail. When full, the oldest
// entries are dropped.
type Feed struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

// DefaultCap bounds feed memory for long-running sessions.
const DefaultCap = 500

// NewFeed creates a feed holding at most capacity entries; zero or
// negative means DefaultCap.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Feed{cap: capacity}
}

// Record appends an entry.
func (f *Feed) Record(userID string, t Type, description string, metadata map[string]any) Entry {
	e := Entry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        t,
		Description: description,
		Timestamp:   time.Now(),
		Metadata:    metadata,
	}

	f.mu.Lock()
	f.entries = append(f.entries, e)
	if len(f.entries) > f.cap {
		f.entries = f.entries[len(f.entries)-f.cap:]
	}
	f.mu.Unlock()
	return e
}

// Entries returns a snapshot, oldest first.
func (f *Feed) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Entry(nil), f.entries...)
}

// Len returns the number of retained entries.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}
