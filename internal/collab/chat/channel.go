package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/collabsync/internal/collab/mention"
	"github.com/clipforge/collabsync/internal/core/observability/log"
)

// Message is one chat entry. The log is session-scoped, append-only and
// ephemeral: nothing is replayed after reconnect, and ordering holds per
// sender only.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MentionEvent is a notification candidate extracted from a message.
type MentionEvent struct {
	Handle    string `json:"handle"`
	AuthorID  string `json:"author_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// Channel is the ephemeral ordered chat log for one session.
type Channel struct {
	mu       sync.RWMutex
	messages []Message
	logger   log.Log

	onMention func(MentionEvent)
}

// NewChannel creates an empty chat channel.
func NewChannel(logger log.Log) *Channel {
	return &Channel{
		logger: logger.With(log.String("component", "chat")),
	}
}

// OnMention registers the notification fan-out callback.
func (c *Channel) OnMention(fn func(MentionEvent)) {
	c.onMention = fn
}

// Append records a locally sent message and returns it for broadcast.
func (c *Channel) Append(userID, content string) Message {
	msg := Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Mentions:  mention.Parse(content),
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.emitMentions(msg)
	return msg
}

// AppendRemote records a message received from a peer. Duplicate delivery
// (the transport is at-least-once) is dropped by message id.
func (c *Channel) AppendRemote(msg Message) bool {
	c.mu.Lock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == msg.ID {
			c.mu.Unlock()
			return false
		}
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.emitMentions(msg)
	return true
}

// Messages returns a snapshot of the log in arrival order.
func (c *Channel) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func (c *Channel) emitMentions(msg Message) {
	if c.onMention == nil {
		return
	}
	for _, handle := range msg.Mentions {
		c.onMention(MentionEvent{Handle: handle, AuthorID: msg.UserID, MessageID: msg.ID, Content: msg.Content})
	}
}
