package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

var _ Transport = (*LoopbackTransport)(nil)

// LoopbackBus connects multiple in-process transports, standing in for the
// relay. Envelopes sent on one transport are delivered synchronously to
// every other attached transport, which makes tests deterministic.
type LoopbackBus struct {
	mu      sync.RWMutex
	members map[string]*LoopbackTransport
	offline bool
}

// NewLoopbackBus creates an empty bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{
		members: make(map[string]*LoopbackTransport),
	}
}

// Transport attaches a new endpoint for the given user.
func (b *LoopbackBus) Transport(projectID, userID string) *LoopbackTransport {
	t := &LoopbackTransport{
		bus:       b,
		projectID: projectID,
		userID:    userID,
	}
	b.mu.Lock()
	b.members[userID] = t
	b.mu.Unlock()
	return t
}

// SetOffline simulates relay availability. While offline, Connect and Send
// fail with ErrNotConnected.
func (b *LoopbackBus) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// Fail simulates a transport failure on every connected endpoint.
func (b *LoopbackBus) Fail(err error) {
	b.mu.Lock()
	b.offline = true
	endpoints := make([]*LoopbackTransport, 0, len(b.members))
	for _, t := range b.members {
		endpoints = append(endpoints, t)
	}
	b.mu.Unlock()

	for _, t := range endpoints {
		t.fail(err)
	}
}

func (b *LoopbackBus) broadcast(from string, env Envelope) {
	b.mu.RLock()
	targets := make([]*LoopbackTransport, 0, len(b.members))
	for id, t := range b.members {
		if id == from {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.RUnlock()

	for _, t := range targets {
		t.deliver(env)
	}
}

// LoopbackTransport is the in-process Transport implementation used by
// tests and by multi-session wiring inside one process.
type LoopbackTransport struct {
	bus       *LoopbackBus
	projectID string
	userID    string

	mu        sync.RWMutex
	handler   Handler
	onError   func(error)
	connected bool
	closed    bool
}

func (t *LoopbackTransport) Connect(_ context.Context) error {
	t.bus.mu.RLock()
	offline := t.bus.offline
	t.bus.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if offline {
		return ErrNotConnected
	}
	t.connected = true
	return nil
}

func (t *LoopbackTransport) Send(eventType EventType, payload any) error {
	t.mu.RLock()
	connected, closed := t.connected, t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}
	if !connected {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return ErrInvalidEnvelope
	}

	t.bus.broadcast(t.userID, Envelope{
		Type:      eventType,
		ProjectID: t.projectID,
		UserID:    t.userID,
		Timestamp: time.Now(),
		Payload:   raw,
	})
	return nil
}

func (t *LoopbackTransport) Subscribe(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *LoopbackTransport) OnError(fn func(err error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

func (t *LoopbackTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *LoopbackTransport) deliver(env Envelope) {
	t.mu.RLock()
	h := t.handler
	connected := t.connected
	t.mu.RUnlock()
	if h != nil && connected {
		h(env)
	}
}

func (t *LoopbackTransport) fail(err error) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	fn := t.onError
	t.mu.Unlock()
	if wasConnected && fn != nil {
		fn(err)
	}
}
