package presence

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/clipforge/collabsync/internal/collab/permission"
)

// User is a collaborator visible in the session roster. IsOnline is
// derived from connection events and heartbeats, never set directly by
// callers.
type User struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Color    string          `json:"color"`
	Role     permission.Role `json:"role"`
	IsOnline bool            `json:"is_online"`
	LastSeen time.Time       `json:"last_seen"`
}

// Position is a local cursor placement on the editor canvas.
type Position struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"element_id,omitempty"`
}

// Cursor is one user's live cursor. One entry per user, last-write-wins
// by timestamp.
type Cursor struct {
	UserID    string    `json:"user_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	ElementID string    `json:"element_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// palette holds the cursor colors assigned to collaborators. The color is
// a pure function of the user id so every client renders the same one.
var palette = []string{
	"#ef4444", "#f97316", "#f59e0b", "#84cc16", "#22c55e",
	"#14b8a6", "#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

// ColorFor returns the deterministic cursor color for a user id.
func ColorFor(userID string) string {
	return palette[xxhash.Sum64String(userID)%uint64(len(palette))]
}
