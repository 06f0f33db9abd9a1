package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a session-local notification kind.
type Type string

const (
	TypeStatusChanged    Type = "status_changed"
	TypeRosterChanged    Type = "roster_changed"
	TypeCursorMoved      Type = "cursor_moved"
	TypeConflictDetected Type = "conflict_detected"
	TypeConflictResolved Type = "conflict_resolved"
	TypeCommentAdded     Type = "comment_added"
	TypeChatMessage      Type = "chat_message"
	TypeMention          Type = "mention"
	TypeActivity         Type = "activity"
)

// Event is one notification pushed to session observers (typically the
// UI layer).
type Event struct {
	Type      Type
	Source    string
	Timestamp time.Time
	Data      any
}

// Handler consumes events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(Event)

// Subscription is a cancellable registration.
type Subscription struct {
	id     string
	cancel func()
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus is a thread-safe in-memory fan-out of session events.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type]map[string]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[t] == nil {
		b.handlers[t] = make(map[string]Handler)
	}
	id := uuid.NewString()
	b.handlers[t][id] = h

	return &Subscription{
		id: id,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if m, ok := b.handlers[t]; ok {
				delete(m, id)
			}
		},
	}
}

// Publish delivers an event to all handlers registered for its type.
func (b *Bus) Publish(t Type, source string, data any) {
	b.mu.RLock()
	subs := make([]Handler, 0, len(b.handlers[t]))
	for _, h := range b.handlers[t] {
		subs = append(subs, h)
	}
	b.mu.RUnlock()

	ev := Event{Type: t, Source: source, Timestamp: time.Now(), Data: data}
	for _, h := range subs {
		h(ev)
	}
}
