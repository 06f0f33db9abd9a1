package conflict

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/collabsync/internal/collab/edit"
	"github.com/clipforge/collabsync/internal/core/observability/log"
)

// Resolution is the accepted side of a conflict. The editable resources
// are discrete structured objects, so accept-one-side is sufficient;
// field-level merging is deliberately unsupported.
type Resolution string

const (
	ResolutionAcceptLocal  Resolution = "accept_local"
	ResolutionAcceptRemote Resolution = "accept_remote"
)

// Conflict records a detected divergence: two or more in-flight changes
// targeting the same (resource, base version). State machine is
// Open -> Resolved, terminal and one-way.
type Conflict struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	ResourceID  string        `json:"resource_id"`
	BaseVersion uint64        `json:"base_version"`
	Users       []string      `json:"users"`
	Changes     []edit.Change `json:"changes"`
	Resolution  Resolution    `json:"resolution,omitempty"`
	ResolvedBy  string        `json:"resolved_by,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	ResolvedAt  time.Time     `json:"resolved_at,omitzero"`
}

// TypeConcurrentEdit is the only conflict type produced today.
const TypeConcurrentEdit = "concurrent_edit"

type epochKey struct {
	resourceID  string
	baseVersion uint64
}

// conflictID is a pure function of the contended epoch, so every peer
// derives the same id for the same divergence and resolutions converge
// without coordination.
func conflictID(resourceID string, baseVersion uint64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s@%d", resourceID, baseVersion)).String()
}

// Detector tracks in-flight changes per synchronization epoch, detects
// divergence, and owns the open conflict set. Resolution is serialized
// per conflict by being idempotent and terminal rather than locked.
type Detector struct {
	localUserID string
	logger      log.Log

	authorize  func(userID string) error
	dispatcher edit.Dispatcher

	mu         sync.Mutex
	inflight   map[epochKey][]edit.Change
	open       map[string]*Conflict
	resolved   map[string]*Conflict
	byResource map[string]string // resourceID -> open conflict ID

	onDetect func(Conflict)
	onChange func(openCount int)
}

// NewDetector creates a detector for the given local user. authorize is
// consulted before resolution and must enforce write capability.
func NewDetector(localUserID string, dispatcher edit.Dispatcher, authorize func(userID string) error, logger log.Log) *Detector {
	if dispatcher == nil {
		dispatcher = edit.NopDispatcher{}
	}
	if authorize == nil {
		authorize = func(string) error { return nil }
	}
	return &Detector{
		localUserID: localUserID,
		logger:      logger.With(log.String("component", "conflicts")),
		authorize:   authorize,
		dispatcher:  dispatcher,
		inflight:    make(map[epochKey][]edit.Change),
		open:        make(map[string]*Conflict),
		resolved:    make(map[string]*Conflict),
		byResource:  make(map[string]string),
	}
}

// OnDetect registers an observer invoked for each newly detected conflict.
func (d *Detector) OnDetect(fn func(Conflict)) {
	d.onDetect = fn
}

// OnChange registers an observer invoked whenever the open set size
// changes.
func (d *Detector) OnChange(fn func(openCount int)) {
	d.onChange = fn
}

// Track registers an in-flight change. When a second user's change lands
// on the same (resource, base version) within the epoch, a Conflict is
// created and returned. Further changes on the same key join the existing
// conflict.
func (d *Detector) Track(change edit.Change) *Conflict {
	key := epochKey{change.ResourceID, change.BaseVersion}

	d.mu.Lock()
	d.inflight[key] = append(d.inflight[key], change)

	if id, ok := d.byResource[change.ResourceID]; ok {
		// already conflicted; fold the change in
		c := d.open[id]
		c.Changes = append(c.Changes, change)
		c.Users = appendUnique(c.Users, change.UserID)
		snapshot := *c
		d.mu.Unlock()
		return &snapshot
	}

	changes := d.inflight[key]
	users := make([]string, 0, 2)
	for _, ch := range changes {
		users = appendUnique(users, ch.UserID)
	}
	if len(users) < 2 {
		d.mu.Unlock()
		return nil
	}

	c := &Conflict{
		ID:          conflictID(change.ResourceID, change.BaseVersion),
		Type:        TypeConcurrentEdit,
		ResourceID:  change.ResourceID,
		BaseVersion: change.BaseVersion,
		Users:       users,
		Changes:     append([]edit.Change(nil), changes...),
		Timestamp:   time.Now(),
	}
	d.open[c.ID] = c
	d.byResource[c.ResourceID] = c.ID
	openCount := len(d.open)
	snapshot := *c
	d.mu.Unlock()

	d.logger.Warn("Conflict detected",
		log.String("conflict_id", snapshot.ID),
		log.String("resource_id", snapshot.ResourceID),
		log.Int("changes", len(snapshot.Changes)))

	if d.onDetect != nil {
		d.onDetect(snapshot)
	}
	if d.onChange != nil {
		d.onChange(openCount)
	}
	return &snapshot
}

// Ack closes the synchronization epoch for a change the server accepted,
// clearing its in-flight record.
func (d *Detector) Ack(change edit.Change) {
	key := epochKey{change.ResourceID, change.BaseVersion}
	d.mu.Lock()
	kept := d.inflight[key][:0]
	for _, ch := range d.inflight[key] {
		if ch.ID != change.ID {
			kept = append(kept, ch)
		}
	}
	if len(kept) == 0 {
		delete(d.inflight, key)
	} else {
		d.inflight[key] = kept
	}
	d.mu.Unlock()
}

// Blocked reports whether the resource has an open conflict. Edits to a
// blocked resource must be refused until resolution.
func (d *Detector) Blocked(resourceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byResource[resourceID]
	return ok
}

// Resolve applies exactly one side of the conflict and discards the
// other. It is idempotent: resolving an already-resolved conflict is a
// no-op, whatever the choice; applied reports whether this call performed
// the resolution so callers broadcast it exactly once. The caller must
// hold write capability on the contended resource or ErrPermissionDenied
// is returned with no mutation.
func (d *Detector) Resolve(conflictID string, resolution Resolution, callerID string) (accepted edit.Change, applied bool, err error) {
	if resolution != ResolutionAcceptLocal && resolution != ResolutionAcceptRemote {
		return edit.Change{}, false, ErrInvalidResolution
	}

	d.mu.Lock()
	if _, done := d.resolved[conflictID]; done {
		d.mu.Unlock()
		return edit.Change{}, false, nil
	}
	c, ok := d.open[conflictID]
	if !ok {
		d.mu.Unlock()
		return edit.Change{}, false, ErrConflictNotFound
	}
	d.mu.Unlock()

	if err := d.authorize(callerID); err != nil {
		return edit.Change{}, false, err
	}

	d.mu.Lock()
	// re-check under lock; a concurrent Resolve may have won
	if _, done := d.resolved[conflictID]; done {
		d.mu.Unlock()
		return edit.Change{}, false, nil
	}
	c, ok = d.open[conflictID]
	if !ok {
		d.mu.Unlock()
		return edit.Change{}, false, ErrConflictNotFound
	}

	accepted = d.pickSide(c, resolution)
	c.Resolution = resolution
	c.ResolvedBy = callerID
	c.ResolvedAt = time.Now()

	delete(d.open, conflictID)
	delete(d.byResource, c.ResourceID)
	delete(d.inflight, epochKey{c.ResourceID, c.BaseVersion})
	d.resolved[conflictID] = c
	openCount := len(d.open)
	d.mu.Unlock()

	if err := d.dispatcher.Dispatch(accepted); err != nil {
		d.logger.Error("Engine rejected resolved change",
			log.String("conflict_id", conflictID),
			log.Error(err))
	}

	d.logger.Info("Conflict resolved",
		log.String("conflict_id", conflictID),
		log.String("resolution", string(resolution)),
		log.String("resolved_by", callerID))

	if d.onChange != nil {
		d.onChange(openCount)
	}
	return accepted, true, nil
}

// ApplyRemoteResolution folds in a resolution performed by a peer and
// brings the local engine onto the accepted side. Same idempotence as
// Resolve, without the local authority check: authorization already
// happened fail-closed on the resolving client. The accepted change is
// not re-dispatched when it is this user's own, already optimistically
// applied, edit. Returns false when the resolution was already folded in.
func (d *Detector) ApplyRemoteResolution(conflictID string, resolution Resolution, resolvedBy string, accepted edit.Change) bool {
	now := time.Now()

	d.mu.Lock()
	if _, done := d.resolved[conflictID]; done {
		d.mu.Unlock()
		return false
	}
	c, wasOpen := d.open[conflictID]
	if wasOpen {
		c.Resolution = resolution
		c.ResolvedBy = resolvedBy
		c.ResolvedAt = now
		delete(d.open, conflictID)
		delete(d.byResource, c.ResourceID)
	} else {
		// resolution for a divergence this client never observed;
		// remember it so replays stay no-ops
		c = &Conflict{
			ID:          conflictID,
			Type:        TypeConcurrentEdit,
			ResourceID:  accepted.ResourceID,
			BaseVersion: accepted.BaseVersion,
			Users:       []string{accepted.UserID},
			Changes:     []edit.Change{accepted},
			Resolution:  resolution,
			ResolvedBy:  resolvedBy,
			Timestamp:   now,
			ResolvedAt:  now,
		}
	}
	delete(d.inflight, epochKey{accepted.ResourceID, accepted.BaseVersion})
	d.resolved[conflictID] = c
	openCount := len(d.open)
	d.mu.Unlock()

	if accepted.ID != "" && accepted.UserID != d.localUserID {
		if err := d.dispatcher.Dispatch(accepted); err != nil {
			d.logger.Error("Engine rejected accepted change",
				log.String("conflict_id", conflictID),
				log.Error(err))
		}
	}

	if wasOpen && d.onChange != nil {
		d.onChange(openCount)
	}
	return true
}

// pickSide chooses the accepted change. Local means authored by this
// session's user; when the resolver holds no side of the conflict, the
// earliest change counts as local.
func (d *Detector) pickSide(c *Conflict, resolution Resolution) edit.Change {
	local := c.Changes[0]
	remote := c.Changes[len(c.Changes)-1]
	for _, ch := range c.Changes {
		if ch.UserID == d.localUserID {
			local = ch
			break
		}
	}
	for _, ch := range c.Changes {
		if ch.UserID != local.UserID {
			remote = ch
			break
		}
	}
	if resolution == ResolutionAcceptLocal {
		return local
	}
	return remote
}

// Get returns a conflict by id, open or resolved.
func (d *Detector) Get(conflictID string) (Conflict, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.open[conflictID]; ok {
		return *c, true
	}
	if c, ok := d.resolved[conflictID]; ok {
		return *c, true
	}
	return Conflict{}, false
}

// Open returns a snapshot of the open conflict set.
func (d *Detector) Open() []Conflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conflict, 0, len(d.open))
	for _, c := range d.open {
		out = append(out, *c)
	}
	return out
}

// OpenCount returns the number of open conflicts.
func (d *Detector) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

func appendUnique(users []string, id string) []string {
	for _, u := range users {
		if u == id {
			return users
		}
	}
	return append(users, id)
}
