package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/internal/core/transport"
)

// room groups the clients of one project. Envelopes from one member fan
// out to all the others; the relay never inspects payloads.
type room struct {
	projectID string

	mu      sync.RWMutex
	clients map[string]*client // userID -> client
}

func newRoom(projectID string) *room {
	return &room{
		projectID: projectID,
		clients:   make(map[string]*client),
	}
}

func (r *room) add(c *client) {
	r.mu.Lock()
	r.clients[c.userID] = c
	r.mu.Unlock()
}

// remove detaches a client; returns true when it was the registered
// connection for that user.
func (r *room) remove(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.clients[c.userID]; ok && current == c {
		delete(r.clients, c.userID)
		return true
	}
	return false
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// broadcast queues raw envelope bytes to every member except the sender.
// Slow consumers are dropped rather than allowed to stall the room.
func (r *room) broadcast(fromUserID string, data []byte) {
	r.mu.RLock()
	targets := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == fromUserID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// client is one websocket connection attached to a room.
type client struct {
	userID    string
	projectID string
	conn      *websocket.Conn
	send      chan []byte
	logger    log.Log

	lastSeen int64 // atomic unix timestamp
	closed   int32 // atomic bool
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send queue full, disconnecting",
			log.String("user_id", c.userID))
		c.close()
	}
}

func (c *client) touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().Unix())
}

func (c *client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		_ = c.conn.Close()
	}
}

// ackEnvelope synthesizes the acknowledgement sent back to the author of
// a forwarded edit. The sender drains its pending queue on it; without
// the ack every accepted edit would sit in "syncing" forever.
func ackEnvelope(env transport.Envelope) []byte {
	var ch struct {
		ID          string `json:"id"`
		ResourceID  string `json:"resource_id"`
		BaseVersion uint64 `json:"base_version"`
	}
	if err := json.Unmarshal(env.Payload, &ch); err != nil || ch.ID == "" {
		return nil
	}
	payload, _ := json.Marshal(map[string]any{
		"change_id":    ch.ID,
		"resource_id":  ch.ResourceID,
		"base_version": ch.BaseVersion,
	})
	data, _ := json.Marshal(transport.Envelope{
		Type:      transport.EventEditAck,
		ProjectID: env.ProjectID,
		UserID:    env.UserID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	return data
}

// leaveEnvelope synthesizes the departure event broadcast when a client
// vanishes without sending one itself.
func leaveEnvelope(projectID, userID string) []byte {
	payload, _ := json.Marshal(map[string]string{"user_id": userID})
	env := transport.Envelope{
		Type:      transport.EventUserLeave,
		ProjectID: projectID,
		UserID:    userID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, _ := json.Marshal(env)
	return data
}
