package comment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/collabsync/internal/core/observability/log"
)

func newTestStore() *Store {
	return NewStore(log.NewNop())
}

func TestAddParsesMentionsAndEmits(t *testing.T) {
	s := newTestStore()

	var events []MentionEvent
	s.OnMention(func(ev MentionEvent) { events = append(events, ev) })

	c, err := s.Add("alice", "please check this @bob @carol", Anchor{X: 10, Y: 20})
	require.NoError(t, err)

	assert.Equal(t, []string{"bob", "carol"}, c.Mentions)
	require.Len(t, events, 2)
	assert.Equal(t, "bob", events[0].Handle)
	assert.Equal(t, "alice", events[0].AuthorID)
	assert.Equal(t, c.ID, events[0].CommentID)
}

func TestAddRejectsEmptyContent(t *testing.T) {
	s := newTestStore()
	_, err := s.Add("alice", "", Anchor{})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, s.All())
}

func TestTimelineAnchor(t *testing.T) {
	s := newTestStore()
	at := 12.5
	c, err := s.Add("alice", "cut here", Anchor{X: 1, Y: 2, TimelinePosition: &at})
	require.NoError(t, err)

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	require.NotNil(t, got.Position.TimelinePosition)
	assert.Equal(t, 12.5, *got.Position.TimelinePosition)
}

func TestResolveIsOneWay(t *testing.T) {
	s := newTestStore()
	c, err := s.Add("alice", "fix the fade", Anchor{})
	require.NoError(t, err)

	resolved, err := s.Resolve(c.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	// resolving again is a no-op, never an un-resolve
	again, err := s.Resolve(c.ID)
	require.NoError(t, err)
	assert.True(t, again.Resolved)

	_, err = s.Resolve("missing")
	assert.ErrorIs(t, err, ErrCommentNotFound)
}

func TestUpsertNeverClearsResolved(t *testing.T) {
	s := newTestStore()
	c, err := s.Add("alice", "trim intro", Anchor{})
	require.NoError(t, err)
	_, err = s.Resolve(c.ID)
	require.NoError(t, err)

	stale := c
	stale.Resolved = false
	s.Upsert(stale)

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	assert.True(t, got.Resolved, "a stale unresolved copy must not clear the flag")
}

func TestUpsertInsertsUnknownComment(t *testing.T) {
	s := newTestStore()
	remote := Comment{ID: uuid.NewString(), UserID: "bob", Content: "from peer", Timestamp: time.Now()}
	s.Upsert(remote)

	got, ok := s.Get(remote.ID)
	require.True(t, ok)
	assert.Equal(t, "bob", got.UserID)
	assert.Len(t, s.All(), 1)
}

func TestReplyOrderAndMentions(t *testing.T) {
	s := newTestStore()
	c, err := s.Add("alice", "thoughts?", Anchor{})
	require.NoError(t, err)

	var events []MentionEvent
	s.OnMention(func(ev MentionEvent) { events = append(events, ev) })

	first, err := s.Reply(c.ID, "bob", "looks good")
	require.NoError(t, err)
	second, err := s.Reply(c.ID, "carol", "agree with @bob")
	require.NoError(t, err)

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	require.Len(t, got.Replies, 2)
	assert.Equal(t, first.ID, got.Replies[0].ID)
	assert.Equal(t, second.ID, got.Replies[1].ID)

	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].Handle)
	assert.Equal(t, c.ID, events[0].CommentID)

	_, err = s.Reply("missing", "bob", "hi")
	assert.ErrorIs(t, err, ErrCommentNotFound)
	_, err = s.Reply(c.ID, "bob", "")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestAppendRemoteReplyDedup(t *testing.T) {
	s := newTestStore()
	c, err := s.Add("alice", "thoughts?", Anchor{})
	require.NoError(t, err)

	r := Reply{ID: uuid.NewString(), UserID: "bob", Content: "+1", Timestamp: time.Now()}
	require.NoError(t, s.AppendRemoteReply(c.ID, r))
	require.NoError(t, s.AppendRemoteReply(c.ID, r), "redelivery must be dropped by reply id")

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	assert.Len(t, got.Replies, 1)

	assert.ErrorIs(t, s.AppendRemoteReply("missing", r), ErrCommentNotFound)
}

func TestAllPreservesCreationOrder(t *testing.T) {
	s := newTestStore()
	c1, _ := s.Add("alice", "first", Anchor{})
	c2, _ := s.Add("bob", "second", Anchor{})

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, c1.ID, all[0].ID)
	assert.Equal(t, c2.ID, all[1].ID)
}
