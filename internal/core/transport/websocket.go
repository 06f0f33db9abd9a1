package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/collabsync/internal/core/observability/log"
)

var _ Transport = (*WebSocketTransport)(nil)

// WebSocketConfig holds tuning for the client transport.
type WebSocketConfig struct {
	// URL of the relay endpoint, e.g. ws://localhost:8420/ws
	URL string

	WriteTimeout  time.Duration
	PongTimeout   time.Duration
	PingInterval  time.Duration
	SendQueueSize int
}

// DefaultWebSocketConfig returns default client transport configuration.
func DefaultWebSocketConfig(rawURL string) WebSocketConfig {
	return WebSocketConfig{
		URL:           rawURL,
		WriteTimeout:  10 * time.Second,
		PongTimeout:   60 * time.Second,
		PingInterval:  25 * time.Second,
		SendQueueSize: 256,
	}
}

// WebSocketTransport connects a session to the relay over a single
// websocket. A buffered send queue keeps Send non-blocking; a write pump
// and a read pump own the connection.
type WebSocketTransport struct {
	config    WebSocketConfig
	projectID string
	userID    string
	logger    log.Log

	mu      sync.Mutex
	conn    *websocket.Conn
	sendCh  chan Envelope
	done    chan struct{}
	handler atomic.Pointer[Handler]
	onError atomic.Pointer[func(error)]

	connected int32 // atomic bool
	closed    int32 // atomic bool
}

// NewWebSocketTransport creates a transport bound to one project and user.
func NewWebSocketTransport(config WebSocketConfig, projectID, userID string, logger log.Log) *WebSocketTransport {
	return &WebSocketTransport{
		config:    config,
		projectID: projectID,
		userID:    userID,
		logger:    logger.With(log.String("component", "ws_transport")),
	}
}

// Connect dials the relay. Safe to call again after a failure; an already
// connected transport returns nil.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}
	if atomic.LoadInt32(&t.connected) == 1 {
		return nil
	}

	u, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("project", t.projectID)
	q.Set("user", t.userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.sendCh = make(chan Envelope, t.config.SendQueueSize)
	t.done = make(chan struct{})
	t.mu.Unlock()

	atomic.StoreInt32(&t.connected, 1)

	go t.writePump(conn, t.sendCh, t.done)
	go t.readPump(conn, t.done)

	t.logger.Info("Transport connected", log.String("url", t.config.URL))
	return nil
}

// Send queues an envelope for delivery. Returns ErrNotConnected while the
// link is down and ErrSendQueueFull when the writer cannot keep up.
func (t *WebSocketTransport) Send(eventType EventType, payload any) error {
	if atomic.LoadInt32(&t.closed) == 1 {
		return ErrTransportClosed
	}
	if atomic.LoadInt32(&t.connected) == 0 {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	env := Envelope{
		Type:      eventType,
		ProjectID: t.projectID,
		UserID:    t.userID,
		Timestamp: time.Now(),
		Payload:   raw,
	}

	t.mu.Lock()
	sendCh := t.sendCh
	t.mu.Unlock()

	select {
	case sendCh <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Subscribe registers the inbound envelope handler.
func (t *WebSocketTransport) Subscribe(h Handler) {
	t.handler.Store(&h)
}

// OnError registers the transport failure callback.
func (t *WebSocketTransport) OnError(fn func(err error)) {
	t.onError.Store(&fn)
}

// IsConnected reports whether the link is up.
func (t *WebSocketTransport) IsConnected() bool {
	return atomic.LoadInt32(&t.connected) == 1
}

// Close tears the transport down. Pending outbound envelopes are dropped.
func (t *WebSocketTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.disconnect(nil)
	return nil
}

func (t *WebSocketTransport) disconnect(cause error) {
	if !atomic.CompareAndSwapInt32(&t.connected, 1, 0) {
		return
	}

	t.mu.Lock()
	conn := t.conn
	done := t.done
	t.conn = nil
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}

	if cause != nil {
		t.logger.Warn("Transport disconnected", log.Error(cause))
		if fn := t.onError.Load(); fn != nil {
			(*fn)(cause)
		}
	}
}

func (t *WebSocketTransport) writePump(conn *websocket.Conn, sendCh chan Envelope, done chan struct{}) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				t.disconnect(err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.disconnect(err)
				return
			}
		case <-done:
			return
		}
	}
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
	})

	for {
		select {
		case <-done:
			return
		default:
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.disconnect(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))

		if h := t.handler.Load(); h != nil {
			(*h)(env)
		}
	}
}
