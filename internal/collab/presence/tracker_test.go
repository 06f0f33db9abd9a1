package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/collabsync/internal/collab/permission"
	"github.com/clipforge/collabsync/internal/core/observability/log"
)

func newTestTracker(ttl, throttle time.Duration) *Tracker {
	return NewTracker(Config{CursorTTL: ttl, CursorThrottle: throttle}, log.NewNop())
}

func TestColorForDeterministic(t *testing.T) {
	assert.Equal(t, ColorFor("alice"), ColorFor("alice"))
	assert.NotEmpty(t, ColorFor("alice"))
}

func TestJoinLeaveRoster(t *testing.T) {
	tr := newTestTracker(time.Second, time.Millisecond)
	defer tr.Close()

	tr.Join("alice", "Alice", permission.RoleOwner)
	tr.Join("bob", "Bob", permission.RoleEditor)
	assert.Equal(t, 2, tr.OnlineCount())
	assert.True(t, tr.Known("bob"))

	tr.Leave("bob")
	assert.Equal(t, 1, tr.OnlineCount())
	assert.True(t, tr.Known("bob"), "left users stay in the roster, marked offline")

	for _, u := range tr.Roster() {
		if u.ID == "bob" {
			assert.False(t, u.IsOnline)
		}
	}
}

func TestApplyRemoteCursorLastWriteWins(t *testing.T) {
	tr := newTestTracker(time.Minute, time.Millisecond)
	defer tr.Close()

	now := time.Now()
	newer := Cursor{UserID: "bob", X: 10, Y: 10, Timestamp: now}
	older := Cursor{UserID: "bob", X: 99, Y: 99, Timestamp: now.Add(-time.Second)}

	assert.True(t, tr.ApplyRemoteCursor(newer))
	assert.False(t, tr.ApplyRemoteCursor(older), "stale cursor must be discarded")

	c, ok := tr.Cursor("bob")
	require.True(t, ok)
	assert.Equal(t, float64(10), c.X)
}

func TestCursorTTLEviction(t *testing.T) {
	tr := newTestTracker(40*time.Millisecond, time.Millisecond)
	defer tr.Close()

	evicted := make(chan string, 1)
	tr.OnEvict(func(userID string) { evicted <- userID })

	tr.ApplyRemoteCursor(Cursor{UserID: "bob", Timestamp: time.Now()})
	_, ok := tr.Cursor("bob")
	require.True(t, ok)

	select {
	case userID := <-evicted:
		assert.Equal(t, "bob", userID)
	case <-time.After(time.Second):
		t.Fatal("cursor was never evicted")
	}
	_, ok = tr.Cursor("bob")
	assert.False(t, ok)
}

func TestRefreshPostponesEviction(t *testing.T) {
	tr := newTestTracker(60*time.Millisecond, time.Millisecond)
	defer tr.Close()

	tr.ApplyRemoteCursor(Cursor{UserID: "bob", Timestamp: time.Now()})
	time.Sleep(40 * time.Millisecond)
	tr.ApplyRemoteCursor(Cursor{UserID: "bob", Timestamp: time.Now()})
	time.Sleep(40 * time.Millisecond)

	_, ok := tr.Cursor("bob")
	assert.True(t, ok, "refreshed cursor must survive past the original deadline")
}

func TestLeaveRemovesCursorImmediately(t *testing.T) {
	tr := newTestTracker(time.Minute, time.Millisecond)
	defer tr.Close()

	tr.Join("bob", "Bob", permission.RoleEditor)
	tr.ApplyRemoteCursor(Cursor{UserID: "bob", Timestamp: time.Now()})
	tr.Leave("bob")

	_, ok := tr.Cursor("bob")
	assert.False(t, ok, "departure must not wait for the TTL")
}

func TestUpdateCursorThrottleCoalesces(t *testing.T) {
	tr := newTestTracker(time.Minute, 50*time.Millisecond)
	defer tr.Close()

	var mu sync.Mutex
	var sent []Position
	tr.SetBroadcast(func(p Position) {
		mu.Lock()
		sent = append(sent, p)
		mu.Unlock()
	})

	// burst of updates within one throttle window
	for i := 1; i <= 10; i++ {
		tr.UpdateCursor(Position{X: float64(i)})
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.LessOrEqual(t, len(sent), 3, "burst must be coalesced, not forwarded per-update")
	assert.Equal(t, float64(1), sent[0].X, "first update passes through immediately")
	assert.Equal(t, float64(10), sent[len(sent)-1].X, "flush must carry the latest position")
}
