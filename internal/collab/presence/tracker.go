package presence

import (
	"sync"
	"time"

	"github.com/clipforge/collabsync/internal/collab/permission"
	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/pkg/sequence"
)

// Config holds presence tuning.
type Config struct {
	// CursorTTL is how long a cursor survives without a refresh.
	CursorTTL time.Duration
	// CursorThrottle caps the outbound cursor broadcast rate.
	CursorThrottle time.Duration
}

// DefaultConfig returns default presence configuration: 5s TTL, 60Hz
// broadcast cap.
func DefaultConfig() Config {
	return Config{
		CursorTTL:      5 * time.Second,
		CursorThrottle: 16 * time.Millisecond,
	}
}

// Tracker maintains the online-user roster and per-user live cursors.
// Stale cursors are evicted by a single delay queue rather than one timer
// per user.
type Tracker struct {
	config Config
	logger log.Log

	mu      sync.RWMutex
	users   map[string]User
	cursors map[string]Cursor

	dq *sequence.DelayQueue[string]

	broadcast func(Position)
	onEvict   func(userID string)
	onRoster  func()

	// outbound throttle state
	throttleMu sync.Mutex
	lastSent   time.Time
	pending    *Position
	flushArmed bool
}

// NewTracker creates a tracker and starts its eviction clock.
func NewTracker(config Config, logger log.Log) *Tracker {
	t := &Tracker{
		config:  config,
		logger:  logger.With(log.String("component", "presence")),
		users:   make(map[string]User),
		cursors: make(map[string]Cursor),
	}
	t.dq = sequence.NewDelayQueue[string](t.evict)
	return t
}

// SetBroadcast registers the callback that ships local cursor positions
// to peers. It must not block.
func (t *Tracker) SetBroadcast(fn func(Position)) {
	t.broadcast = fn
}

// OnEvict registers an observer for cursor TTL evictions.
func (t *Tracker) OnEvict(fn func(userID string)) {
	t.onEvict = fn
}

// OnRosterChange registers an observer notified after join/leave.
func (t *Tracker) OnRosterChange(fn func()) {
	t.onRoster = fn
}

// Join upserts a user into the roster and marks them online.
func (t *Tracker) Join(userID, name string, role permission.Role) User {
	user := User{
		ID:       userID,
		Name:     name,
		Color:    ColorFor(userID),
		Role:     role,
		IsOnline: true,
		LastSeen: time.Now(),
	}

	t.mu.Lock()
	t.users[userID] = user
	t.mu.Unlock()

	t.logger.Debug("User joined", log.String("user_id", userID))
	t.notifyRoster()
	return user
}

// Leave marks a user offline and removes their cursor immediately,
// without waiting for the TTL.
func (t *Tracker) Leave(userID string) {
	t.mu.Lock()
	if user, ok := t.users[userID]; ok {
		user.IsOnline = false
		user.LastSeen = time.Now()
		t.users[userID] = user
	}
	delete(t.cursors, userID)
	t.mu.Unlock()

	t.dq.Cancel(userID)
	t.logger.Debug("User left", log.String("user_id", userID))
	t.notifyRoster()
}

// Known reports whether the user is already in the roster.
func (t *Tracker) Known(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.users[userID]
	return ok
}

// SetRole updates the roster view of a user's role.
func (t *Tracker) SetRole(userID string, role permission.Role) {
	t.mu.Lock()
	if user, ok := t.users[userID]; ok {
		user.Role = role
		t.users[userID] = user
	}
	t.mu.Unlock()
	t.notifyRoster()
}

// UpdateCursor records the local cursor position and broadcasts it,
// throttled to at most one send per CursorThrottle. Never blocks; under
// throttle pressure intermediate positions are coalesced to the latest.
func (t *Tracker) UpdateCursor(pos Position) {
	if t.broadcast == nil {
		return
	}

	t.throttleMu.Lock()
	now := time.Now()
	if now.Sub(t.lastSent) >= t.config.CursorThrottle {
		t.lastSent = now
		t.pending = nil
		t.throttleMu.Unlock()
		t.broadcast(pos)
		return
	}

	p := pos
	t.pending = &p
	if !t.flushArmed {
		t.flushArmed = true
		delay := t.config.CursorThrottle - now.Sub(t.lastSent)
		time.AfterFunc(delay, t.flushPending)
	}
	t.throttleMu.Unlock()
}

func (t *Tracker) flushPending() {
	t.throttleMu.Lock()
	t.flushArmed = false
	if t.pending == nil {
		t.throttleMu.Unlock()
		return
	}
	pos := *t.pending
	t.pending = nil
	t.lastSent = time.Now()
	t.throttleMu.Unlock()
	t.broadcast(pos)
}

// ApplyRemoteCursor upserts a peer cursor, last-timestamp-wins, and
// re-arms its TTL. Returns false when the update was stale.
func (t *Tracker) ApplyRemoteCursor(c Cursor) bool {
	t.mu.Lock()
	current, exists := t.cursors[c.UserID]
	if exists && current.Timestamp.After(c.Timestamp) {
		t.mu.Unlock()
		return false
	}
	t.cursors[c.UserID] = c
	if user, ok := t.users[c.UserID]; ok {
		user.IsOnline = true
		user.LastSeen = c.Timestamp
		t.users[c.UserID] = user
	}
	t.mu.Unlock()

	t.dq.Reset(c.UserID, t.config.CursorTTL)
	return true
}

// Cursor returns the live cursor for a user, if any.
func (t *Tracker) Cursor(userID string) (Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cursors[userID]
	return c, ok
}

// Cursors returns a snapshot of all live cursors.
func (t *Tracker) Cursors() []Cursor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Cursor, 0, len(t.cursors))
	for _, c := range t.cursors {
		out = append(out, c)
	}
	return out
}

// Roster returns a snapshot of all known users.
func (t *Tracker) Roster() []User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, u)
	}
	return out
}

// OnlineCount returns the number of online users.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, u := range t.users {
		if u.IsOnline {
			n++
		}
	}
	return n
}

// Close stops the eviction clock.
func (t *Tracker) Close() {
	t.dq.Stop()
}

func (t *Tracker) evict(userID string) {
	t.mu.Lock()
	_, ok := t.cursors[userID]
	delete(t.cursors, userID)
	t.mu.Unlock()

	if !ok {
		return
	}
	t.logger.Debug("Cursor evicted", log.String("user_id", userID))
	if t.onEvict != nil {
		t.onEvict(userID)
	}
}

func (t *Tracker) notifyRoster() {
	if t.onRoster != nil {
		t.onRoster()
	}
}
