package comment

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/collabsync/internal/collab/mention"
	"github.com/clipforge/collabsync/internal/core/observability/log"
)

// Anchor binds a comment to the editor canvas. A video editor has both
// spatial layout and temporal extent, so feedback may point at a place on
// the canvas, a moment on the timeline, or both.
type Anchor struct {
	X                float64  `json:"x"`
	Y                float64  `json:"y"`
	TimelinePosition *float64 `json:"timeline_position,omitempty"`
}

// Reply is one threaded response, append-only in arrival order.
type Reply struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Comment is an anchored, threaded, resolvable annotation. Resolved only
// transitions false -> true; comments are never silently deleted.
type Comment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Position  Anchor    `json:"position"`
	Resolved  bool      `json:"resolved"`
	Replies   []Reply   `json:"replies,omitempty"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MentionEvent is the fire-and-forget notification candidate handed to
// the external notification system.
type MentionEvent struct {
	Handle    string `json:"handle"`
	AuthorID  string `json:"author_id"`
	CommentID string `json:"comment_id"`
	Content   string `json:"content"`
}

// Store holds the session's comments.
type Store struct {
	mu       sync.RWMutex
	comments map[string]*Comment
	order    []string
	logger   log.Log

	onMention func(MentionEvent)
}

// NewStore creates an empty comment store.
func NewStore(logger log.Log) *Store {
	return &Store{
		comments: make(map[string]*Comment),
		logger:   logger.With(log.String("component", "comments")),
	}
}

// OnMention registers the notification fan-out callback. It must not
// block; failures are the notification system's problem.
func (s *Store) OnMention(fn func(MentionEvent)) {
	s.onMention = fn
}

// Add creates a comment authored by userID at the given anchor.
func (s *Store) Add(userID, content string, pos Anchor) (Comment, error) {
	if content == "" {
		return Comment{}, ErrEmptyContent
	}

	c := &Comment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Position:  pos,
		Mentions:  mention.Parse(content),
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	s.comments[c.ID] = c
	s.order = append(s.order, c.ID)
	s.mu.Unlock()

	s.logger.Debug("Comment added",
		log.String("comment_id", c.ID),
		log.Int("mentions", len(c.Mentions)))

	s.emitMentions(*c)
	return *c, nil
}

// Upsert folds in a comment received from a peer. An existing comment is
// only overwritten where the remote copy is strictly ahead (resolved set,
// more replies); the resolved flag never clears.
func (s *Store) Upsert(c Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.comments[c.ID]
	if !exists {
		stored := c
		s.comments[c.ID] = &stored
		s.order = append(s.order, c.ID)
		return
	}
	if c.Resolved {
		current.Resolved = true
	}
	if len(c.Replies) > len(current.Replies) {
		current.Replies = c.Replies
	}
}

// Resolve marks a comment resolved. One-way: resolving an already
// resolved comment is a no-op.
func (s *Store) Resolve(id string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[id]
	if !ok {
		return Comment{}, ErrCommentNotFound
	}
	c.Resolved = true
	return *c, nil
}

// Reply appends a threaded response, preserving arrival order.
func (s *Store) Reply(id, userID, content string) (Reply, error) {
	if content == "" {
		return Reply{}, ErrEmptyContent
	}

	s.mu.Lock()
	c, ok := s.comments[id]
	if !ok {
		s.mu.Unlock()
		return Reply{}, ErrCommentNotFound
	}
	r := Reply{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		Mentions:  mention.Parse(content),
		Timestamp: time.Now(),
	}
	c.Replies = append(c.Replies, r)
	commentID := c.ID
	s.mu.Unlock()

	for _, handle := range r.Mentions {
		s.emit(MentionEvent{Handle: handle, AuthorID: userID, CommentID: commentID, Content: content})
	}
	return r, nil
}

// AppendRemoteReply folds in a reply received from a peer.
func (s *Store) AppendRemoteReply(commentID string, r Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[commentID]
	if !ok {
		return ErrCommentNotFound
	}
	for _, existing := range c.Replies {
		if existing.ID == r.ID {
			return nil
		}
	}
	c.Replies = append(c.Replies, r)
	return nil
}

// Get returns a comment by id.
func (s *Store) Get(id string) (Comment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comments[id]
	if !ok {
		return Comment{}, false
	}
	return *c, true
}

// All returns comments in creation order.
func (s *Store) All() []Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Comment, 0, len(s.order))
	for _, id := range s.order {
		if c, ok := s.comments[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

func (s *Store) emitMentions(c Comment) {
	for _, handle := range c.Mentions {
		s.emit(MentionEvent{Handle: handle, AuthorID: c.UserID, CommentID: c.ID, Content: c.Content})
	}
}

func (s *Store) emit(ev MentionEvent) {
	if s.onMention != nil {
		s.onMention(ev)
	}
}
