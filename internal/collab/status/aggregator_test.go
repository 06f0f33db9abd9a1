package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		conflicts int
		pending   int
		want      State
	}{
		{"all quiet", true, 0, 0, StateSynced},
		{"pending changes", true, 0, 3, StateSyncing},
		{"conflicts outrank syncing", true, 2, 3, StateConflict},
		{"disconnected outranks everything", false, 2, 3, StateError},
		{"disconnected clean", false, 0, 0, StateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.connected, tt.conflicts, tt.pending))
		})
	}
}

func TestAggregatorTransitions(t *testing.T) {
	a := NewAggregator()
	assert.Equal(t, StateError, a.Status().State, "a fresh session is not connected yet")

	var seen []State
	a.OnChange(func(s SyncStatus) { seen = append(seen, s.State) })

	a.SetConnected(true)
	assert.Equal(t, StateSynced, a.Status().State)

	a.SetPending(2)
	assert.Equal(t, StateSyncing, a.Status().State)

	a.SetConflicts(1)
	assert.Equal(t, StateConflict, a.Status().State)

	a.SetConnected(false)
	assert.Equal(t, StateError, a.Status().State)

	a.SetConnected(true)
	a.SetConflicts(0)
	a.SetPending(0)
	assert.Equal(t, StateSynced, a.Status().State)

	assert.Equal(t, []State{
		StateSynced, StateSyncing, StateConflict, StateError,
		StateConflict, StateSyncing, StateSynced,
	}, seen)
}

func TestAggregatorLatencyDoesNotAffectState(t *testing.T) {
	a := NewAggregator()
	a.SetConnected(true)
	a.SetLatency(120 * time.Millisecond)

	st := a.Status()
	assert.Equal(t, StateSynced, st.State)
	assert.Equal(t, 120*time.Millisecond, st.Latency)
}
