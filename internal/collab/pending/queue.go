package pending

import (
	"sync"

	"github.com/clipforge/collabsync/internal/collab/edit"
	"github.com/clipforge/collabsync/internal/core/observability/log"
)

// Queue buffers optimistically applied local changes until the server
// acknowledges them. The queue is bounded: on overflow the oldest entry
// is dropped so memory stays flat during long outages.
type Queue struct {
	mu      sync.Mutex
	changes []edit.Change
	max     int

	dispatcher edit.Dispatcher
	logger     log.Log

	onSize func(int)
}

// DefaultMax bounds the pending queue.
const DefaultMax = 256

// NewQueue creates a bounded pending-change queue. The dispatcher is used
// to undo optimistic changes the server rejects.
func NewQueue(max int, dispatcher edit.Dispatcher, logger log.Log) *Queue {
	if max <= 0 {
		max = DefaultMax
	}
	if dispatcher == nil {
		dispatcher = edit.NopDispatcher{}
	}
	return &Queue{
		max:        max,
		dispatcher: dispatcher,
		logger:     logger.With(log.String("component", "pending")),
	}
}

// OnSize registers an observer invoked whenever the queue length changes.
func (q *Queue) OnSize(fn func(int)) {
	q.onSize = fn
}

// Push records an optimistically applied change awaiting server
// acknowledgement.
func (q *Queue) Push(change edit.Change) {
	q.mu.Lock()
	q.changes = append(q.changes, change)
	if len(q.changes) > q.max {
		dropped := q.changes[0]
		q.changes = q.changes[1:]
		q.logger.Warn("Pending queue full, dropping oldest change",
			log.String("change_id", dropped.ID),
			log.String("resource_id", dropped.ResourceID))
	}
	size := len(q.changes)
	q.mu.Unlock()
	q.notify(size)
}

// Ack removes a change the server accepted.
func (q *Queue) Ack(changeID string) bool {
	q.mu.Lock()
	found := false
	kept := q.changes[:0]
	for _, ch := range q.changes {
		if ch.ID == changeID {
			found = true
			continue
		}
		kept = append(kept, ch)
	}
	q.changes = kept
	size := len(q.changes)
	q.mu.Unlock()

	if found {
		q.notify(size)
	}
	return found
}

// Rollback removes a change the server rejected and undoes its optimistic
// local application through the engine.
func (q *Queue) Rollback(changeID string) bool {
	q.mu.Lock()
	var rejected *edit.Change
	kept := q.changes[:0]
	for _, ch := range q.changes {
		if ch.ID == changeID && rejected == nil {
			c := ch
			rejected = &c
			continue
		}
		kept = append(kept, ch)
	}
	q.changes = kept
	size := len(q.changes)
	q.mu.Unlock()

	if rejected == nil {
		return false
	}
	if err := q.dispatcher.Revert(*rejected); err != nil {
		q.logger.Error("Failed to revert rejected change",
			log.String("change_id", rejected.ID),
			log.Error(err))
	}
	q.notify(size)
	return true
}

// Drain returns and clears all buffered changes, oldest first. Used for
// reconnect replay.
func (q *Queue) Drain() []edit.Change {
	q.mu.Lock()
	out := q.changes
	q.changes = nil
	q.mu.Unlock()

	if len(out) > 0 {
		q.notify(0)
	}
	return out
}

// Len returns the number of buffered changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

func (q *Queue) notify(size int) {
	if q.onSize != nil {
		q.onSize(size)
	}
}
