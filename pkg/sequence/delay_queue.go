package sequence

import (
	"container/heap"
	"sync"
	"time"
)

type delayItem[K comparable] struct {
	key    K
	expiry time.Time
	index  int
}

type delayHeap[K comparable] struct {
	items []*delayItem[K]
}

func (dh *delayHeap[K]) Len() int {
	return len(dh.items)
}

func (dh *delayHeap[K]) Less(i, j int) bool {
	return dh.items[i].expiry.Before(dh.items[j].expiry)
}

func (dh *delayHeap[K]) Swap(i, j int) {
	dh.items[i], dh.items[j] = dh.items[j], dh.items[i]
	dh.items[i].index = i
	dh.items[j].index = j
}

func (dh *delayHeap[K]) Push(x any) {
	item := x.(*delayItem[K])
	item.index = len(dh.items)
	dh.items = append(dh.items, item)
}

func (dh *delayHeap[K]) Pop() any {
	old := dh.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	dh.items = old[0 : n-1]
	return item
}

// DelayQueue schedules expiry callbacks for keys using a single ticking
// timer over a min-heap, instead of one timer per key. Resetting a key
// supersedes any earlier deadline for it; superseded heap entries are
// discarded lazily when they surface.
type DelayQueue[K comparable] struct {
	mu        sync.Mutex
	dh        delayHeap[K]
	deadlines map[K]time.Time
	onExpire  func(K)
	wakeup    chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewDelayQueue creates a delay queue and starts its timer loop.
// onExpire is invoked from the queue's own goroutine.
func NewDelayQueue[K comparable](onExpire func(K)) *DelayQueue[K] {
	dq := &DelayQueue[K]{
		deadlines: make(map[K]time.Time),
		onExpire:  onExpire,
		wakeup:    make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
	heap.Init(&dq.dh)
	go dq.run()
	return dq
}

// Reset arms (or re-arms) the expiry deadline for key.
func (dq *DelayQueue[K]) Reset(key K, d time.Duration) {
	expiry := time.Now().Add(d)
	dq.mu.Lock()
	dq.deadlines[key] = expiry
	heap.Push(&dq.dh, &delayItem[K]{key: key, expiry: expiry})
	dq.mu.Unlock()

	select {
	case dq.wakeup <- struct{}{}:
	default:
	}
}

// Cancel removes the deadline for key without firing the callback.
func (dq *DelayQueue[K]) Cancel(key K) {
	dq.mu.Lock()
	delete(dq.deadlines, key)
	dq.mu.Unlock()
}

// Len returns the number of keys with an armed deadline.
func (dq *DelayQueue[K]) Len() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.deadlines)
}

// Stop terminates the timer loop. No callbacks fire after Stop returns.
func (dq *DelayQueue[K]) Stop() {
	dq.stopOnce.Do(func() {
		close(dq.stopChan)
	})
}

func (dq *DelayQueue[K]) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var expired []K

		dq.mu.Lock()
		now := time.Now()
		for dq.dh.Len() > 0 {
			next := dq.dh.items[0]
			deadline, armed := dq.deadlines[next.key]
			if !armed || !deadline.Equal(next.expiry) {
				// superseded or cancelled entry
				heap.Pop(&dq.dh)
				continue
			}
			if next.expiry.After(now) {
				break
			}
			heap.Pop(&dq.dh)
			delete(dq.deadlines, next.key)
			expired = append(expired, next.key)
		}
		wait := time.Hour
		if dq.dh.Len() > 0 {
			wait = time.Until(dq.dh.items[0].expiry)
			if wait < 0 {
				wait = 0
			}
		}
		dq.mu.Unlock()

		for _, key := range expired {
			dq.onExpire(key)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-dq.wakeup:
		case <-dq.stopChan:
			return
		}
	}
}
