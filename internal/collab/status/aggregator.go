package status

import (
	"sync"
	"time"
)

// State is the aggregate health of a collaboration session.
type State string

const (
	StateSynced   State = "synced"
	StateSyncing  State = "syncing"
	StateConflict State = "conflict"
	StateError    State = "error"
)

// SyncStatus is the observable session health snapshot. It is a pure
// function of the other collaboration stores, never edited directly.
type SyncStatus struct {
	State          State         `json:"state"`
	IsConnected    bool          `json:"is_connected"`
	LastSync       time.Time     `json:"last_sync"`
	PendingChanges int           `json:"pending_changes"`
	ConflictsCount int           `json:"conflicts_count"`
	Latency        time.Duration `json:"latency"`
}

// Derive computes the state. Disconnection outranks conflicts, conflicts
// outrank in-flight changes.
func Derive(isConnected bool, conflictsCount, pendingChanges int) State {
	switch {
	case !isConnected:
		return StateError
	case conflictsCount > 0:
		return StateConflict
	case pendingChanges > 0:
		return StateSyncing
	default:
		return StateSynced
	}
}

// Aggregator recomputes the session status on every relevant state
// transition and pushes it to observers; it is never polled.
type Aggregator struct {
	mu      sync.Mutex
	current SyncStatus

	onChange func(SyncStatus)
}

// NewAggregator creates an aggregator starting disconnected.
func NewAggregator() *Aggregator {
	return &Aggregator{
		current: SyncStatus{State: StateError},
	}
}

// OnChange registers the observer notified after each recomputation that
// changes the status.
func (a *Aggregator) OnChange(fn func(SyncStatus)) {
	a.onChange = fn
}

// SetConnected folds in a connectivity transition.
func (a *Aggregator) SetConnected(connected bool) {
	a.update(func(s *SyncStatus) {
		s.IsConnected = connected
		if connected {
			s.LastSync = time.Now()
		}
	})
}

// SetPending folds in the pending-change queue length.
func (a *Aggregator) SetPending(n int) {
	a.update(func(s *SyncStatus) {
		s.PendingChanges = n
		if n == 0 && s.IsConnected {
			s.LastSync = time.Now()
		}
	})
}

// SetConflicts folds in the open conflict count.
func (a *Aggregator) SetConflicts(n int) {
	a.update(func(s *SyncStatus) { s.ConflictsCount = n })
}

// SetLatency folds in the last heartbeat round-trip.
func (a *Aggregator) SetLatency(d time.Duration) {
	a.update(func(s *SyncStatus) { s.Latency = d })
}

// Status returns the current snapshot.
func (a *Aggregator) Status() SyncStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Aggregator) update(mutate func(*SyncStatus)) {
	a.mu.Lock()
	prev := a.current
	mutate(&a.current)
	a.current.State = Derive(a.current.IsConnected, a.current.ConflictsCount, a.current.PendingChanges)
	next := a.current
	a.mu.Unlock()

	if a.onChange != nil && next != prev {
		a.onChange(next)
	}
}
