package conflict

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/collabsync/internal/collab/edit"
	"github.com/clipforge/collabsync/internal/collab/permission"
	"github.com/clipforge/collabsync/internal/core/observability/log"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []edit.Change
	reverted   []edit.Change
}

func (r *recordingDispatcher) Dispatch(ch edit.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, ch)
	return nil
}

func (r *recordingDispatcher) Revert(ch edit.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverted = append(r.reverted, ch)
	return nil
}

func (r *recordingDispatcher) last() (edit.Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dispatched) == 0 {
		return edit.Change{}, false
	}
	return r.dispatched[len(r.dispatched)-1], true
}

func change(id, userID, resourceID string, baseVersion uint64) edit.Change {
	return edit.Change{
		ID:          id,
		ResourceID:  resourceID,
		BaseVersion: baseVersion,
		UserID:      userID,
		Op:          "update",
		Timestamp:   time.Now(),
	}
}

func newTestDetector(localUserID string, disp edit.Dispatcher, authorize func(string) error) *Detector {
	return NewDetector(localUserID, disp, authorize, log.NewNop())
}

func TestTrackDetectsConcurrentEdit(t *testing.T) {
	d := newTestDetector("alice", nil, nil)

	assert.Nil(t, d.Track(change("c1", "alice", "clip-1", 7)), "a single user's change is not a conflict")
	assert.Nil(t, d.Track(change("c2", "alice", "clip-1", 7)), "two changes by the same user are not a conflict")

	c := d.Track(change("c3", "bob", "clip-1", 7))
	require.NotNil(t, c)
	assert.Equal(t, TypeConcurrentEdit, c.Type)
	assert.Equal(t, "clip-1", c.ResourceID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, c.Users)
	assert.Len(t, c.Changes, 3)
	assert.Equal(t, 1, d.OpenCount())
	assert.True(t, d.Blocked("clip-1"))
	assert.False(t, d.Blocked("clip-2"))
}

func TestDifferentBaseVersionsDoNotConflict(t *testing.T) {
	d := newTestDetector("alice", nil, nil)

	assert.Nil(t, d.Track(change("c1", "alice", "clip-1", 7)))
	assert.Nil(t, d.Track(change("c2", "bob", "clip-1", 8)), "sequential edits over different base versions are not concurrent")
	assert.Equal(t, 0, d.OpenCount())
}

func TestAckClosesEpoch(t *testing.T) {
	d := newTestDetector("alice", nil, nil)

	first := change("c1", "alice", "clip-1", 7)
	assert.Nil(t, d.Track(first))
	d.Ack(first)

	assert.Nil(t, d.Track(change("c2", "bob", "clip-1", 7)), "acked changes no longer count toward divergence")
}

func TestResolveAcceptLocal(t *testing.T) {
	disp := &recordingDispatcher{}
	d := newTestDetector("alice", disp, nil)

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)

	accepted, applied, err := d.Resolve(c.ID, ResolutionAcceptLocal, "alice")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "c1", accepted.ID, "accept_local must accept this session's change")

	got, ok := disp.last()
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID, "accept_local must dispatch this session's change")

	assert.Equal(t, 0, d.OpenCount())
	assert.False(t, d.Blocked("clip-1"))

	resolved, ok := d.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, ResolutionAcceptLocal, resolved.Resolution)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	assert.False(t, resolved.ResolvedAt.IsZero())
}

func TestResolveAcceptRemote(t *testing.T) {
	disp := &recordingDispatcher{}
	d := newTestDetector("alice", disp, nil)

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)

	accepted, applied, err := d.Resolve(c.ID, ResolutionAcceptRemote, "alice")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "c2", accepted.ID)

	got, ok := disp.last()
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID, "accept_remote must dispatch the peer's change")
}

func TestResolveIdempotent(t *testing.T) {
	disp := &recordingDispatcher{}
	d := newTestDetector("alice", disp, nil)

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)

	_, applied, err := d.Resolve(c.ID, ResolutionAcceptLocal, "alice")
	require.NoError(t, err)
	assert.True(t, applied)

	_, applied, err = d.Resolve(c.ID, ResolutionAcceptLocal, "alice")
	require.NoError(t, err)
	assert.False(t, applied, "a repeat resolve must report itself as a no-op")

	_, applied, err = d.Resolve(c.ID, ResolutionAcceptRemote, "bob")
	require.NoError(t, err, "a second resolve is a no-op regardless of the choice")
	assert.False(t, applied)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Len(t, disp.dispatched, 1, "only the first resolve may dispatch")

	resolved, ok := d.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, ResolutionAcceptLocal, resolved.Resolution, "the first resolution sticks")
}

func TestResolveDeniedWithoutWriteCapability(t *testing.T) {
	disp := &recordingDispatcher{}
	authorize := func(userID string) error {
		if userID == "viewer" {
			return permission.ErrPermissionDenied
		}
		return nil
	}
	d := newTestDetector("alice", disp, authorize)

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)

	_, applied, err := d.Resolve(c.ID, ResolutionAcceptLocal, "viewer")
	assert.ErrorIs(t, err, permission.ErrPermissionDenied)
	assert.False(t, applied)

	assert.Equal(t, 1, d.OpenCount(), "a denied resolve must not mutate the conflict")
	assert.True(t, d.Blocked("clip-1"))
	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Empty(t, disp.dispatched)
}

func TestResolveValidation(t *testing.T) {
	d := newTestDetector("alice", nil, nil)

	_, _, err := d.Resolve("nope", Resolution("merge"), "alice")
	assert.ErrorIs(t, err, ErrInvalidResolution)
	_, _, err = d.Resolve("nope", ResolutionAcceptLocal, "alice")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestApplyRemoteResolution(t *testing.T) {
	disp := &recordingDispatcher{}
	d := newTestDetector("alice", disp, nil)

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)

	bobs := change("c2", "bob", "clip-1", 7)
	assert.True(t, d.ApplyRemoteResolution(c.ID, ResolutionAcceptRemote, "bob", bobs))
	assert.Equal(t, 0, d.OpenCount())
	assert.False(t, d.Blocked("clip-1"))

	got, ok := disp.last()
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID, "the accepted peer change must reach the local engine")

	// idempotent: a replayed notification changes nothing
	assert.False(t, d.ApplyRemoteResolution(c.ID, ResolutionAcceptLocal, "bob", change("c1", "alice", "clip-1", 7)))
	resolved, ok := d.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, ResolutionAcceptRemote, resolved.Resolution)
	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Len(t, disp.dispatched, 1)
}

func TestApplyRemoteResolutionSkipsOwnChange(t *testing.T) {
	disp := &recordingDispatcher{}
	d := newTestDetector("alice", disp, nil)

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)

	// the resolver accepted alice's side; alice applied it optimistically
	// at submit time, so re-dispatching would double-apply
	assert.True(t, d.ApplyRemoteResolution(c.ID, ResolutionAcceptLocal, "bob", change("c1", "alice", "clip-1", 7)))
	assert.Equal(t, 0, d.OpenCount())

	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Empty(t, disp.dispatched)
}

func TestApplyRemoteResolutionForUnseenConflict(t *testing.T) {
	disp := &recordingDispatcher{}
	d := newTestDetector("carol", disp, nil)

	// carol never tracked the divergence but still converges on the
	// accepted change, and a replay stays a no-op
	accepted := change("c2", "bob", "clip-1", 7)
	id := conflictID("clip-1", 7)
	assert.True(t, d.ApplyRemoteResolution(id, ResolutionAcceptRemote, "alice", accepted))
	assert.False(t, d.ApplyRemoteResolution(id, ResolutionAcceptRemote, "alice", accepted))

	got, ok := disp.last()
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID)
	disp.mu.Lock()
	defer disp.mu.Unlock()
	assert.Len(t, disp.dispatched, 1)

	resolved, ok := d.Get(id)
	require.True(t, ok)
	assert.Equal(t, "alice", resolved.ResolvedBy)
}

func TestOnChangeObserver(t *testing.T) {
	d := newTestDetector("alice", nil, nil)

	var counts []int
	d.OnChange(func(n int) { counts = append(counts, n) })

	d.Track(change("c1", "alice", "clip-1", 7))
	c := d.Track(change("c2", "bob", "clip-1", 7))
	require.NotNil(t, c)
	_, _, err := d.Resolve(c.ID, ResolutionAcceptLocal, "alice")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 0}, counts)
}
