package collab

import (
	"time"

	"github.com/clipforge/collabsync/internal/collab/chat"
	"github.com/clipforge/collabsync/internal/collab/comment"
	"github.com/clipforge/collabsync/internal/collab/conflict"
	"github.com/clipforge/collabsync/internal/collab/edit"
	"github.com/clipforge/collabsync/internal/collab/permission"
	"github.com/clipforge/collabsync/internal/collab/presence"
)

// Wire payload structs carried inside transport envelopes. The relay
// never looks at these; both ends of a session do.

type joinPayload struct {
	User  presence.User    `json:"user"`
	Grant permission.Grant `json:"grant"`
}

type leavePayload struct {
	UserID string `json:"user_id"`
}

type cursorPayload struct {
	Cursor presence.Cursor `json:"cursor"`
}

type ackPayload struct {
	ChangeID    string `json:"change_id"`
	ResourceID  string `json:"resource_id"`
	BaseVersion uint64 `json:"base_version"`
}

type rejectPayload struct {
	ChangeID string `json:"change_id"`
	Reason   string `json:"reason,omitempty"`
}

type commentPayload struct {
	Comment comment.Comment `json:"comment"`
}

type commentResolvePayload struct {
	CommentID string `json:"comment_id"`
	UserID    string `json:"user_id"`
}

type commentReplyPayload struct {
	CommentID string        `json:"comment_id"`
	Reply     comment.Reply `json:"reply"`
}

type chatPayload struct {
	Message chat.Message `json:"message"`
}

// conflictResolvePayload carries the accepted change itself, not just
// the resolver's accept_local/accept_remote choice: that choice is
// relative to the resolver, so peers converge by applying the concrete
// accepted change.
type conflictResolvePayload struct {
	ConflictID string              `json:"conflict_id"`
	Resolution conflict.Resolution `json:"resolution"`
	ResolvedBy string              `json:"resolved_by"`
	Accepted   edit.Change         `json:"accepted"`
}

type heartbeatPayload struct {
	SentAt time.Time `json:"sent_at"`
}
