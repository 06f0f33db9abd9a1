package transport

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of collaboration event carried by an
// Envelope. Delivery is at-least-once with no ordering guarantee across
// distinct event types.
type EventType string

const (
	EventUserJoin         EventType = "user_join"
	EventUserLeave        EventType = "user_leave"
	EventCursorUpdate     EventType = "cursor_update"
	EventEditChange       EventType = "edit_change"
	EventEditAck          EventType = "edit_ack"
	EventEditReject       EventType = "edit_reject"
	EventCommentAdd       EventType = "comment_add"
	EventCommentResolve   EventType = "comment_resolve"
	EventCommentReply     EventType = "comment_reply"
	EventChatMessage      EventType = "chat_message"
	EventPermissionUpdate EventType = "permission_update"
	EventConflictResolve  EventType = "conflict_resolve"
	EventHeartbeat        EventType = "heartbeat"
	EventHeartbeatAck     EventType = "heartbeat_ack"
)

// Envelope is the wire frame for every collaboration event. The relay
// never inspects Payload; only the edges encode and decode it.
type Envelope struct {
	Type      EventType       `json:"type"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler receives inbound envelopes. Handlers must not block.
type Handler func(env Envelope)

// Transport is a persistent bidirectional channel to the collaboration
// relay. Send never blocks on the network; outbound envelopes are queued
// and flushed asynchronously.
type Transport interface {
	Connect(ctx context.Context) error
	Send(eventType EventType, payload any) error
	Subscribe(h Handler)
	OnError(fn func(err error))
	IsConnected() bool
	Close() error
}
