package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/internal/core/transport"
)

// Server is the collaboration relay. It keeps one room per project and
// fans envelopes out between the room's clients. Authoritative project
// state lives behind it; the relay itself only forwards.
type Server struct {
	config Config
	logger log.Log

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	rooms     map[string]*room
	boundAddr string

	clientCount int64 // atomic

	running int32 // atomic bool
	closed  int32 // atomic bool

	workerGroup sync.WaitGroup
	stopChan    chan struct{}
}

// Config holds relay configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxClients     int           `yaml:"max_clients"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendQueueSize  int           `yaml:"send_queue_size"`

	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ClientTimeout       time.Duration `yaml:"client_timeout"`

	LogLevel log.Level `yaml:"-"`
}

// DefaultConfig returns default relay configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:8420",
		MaxClients:          1000,
		MaxMessageSize:      256 * 1024,
		SendQueueSize:       256,
		WriteTimeout:        10 * time.Second,
		PongTimeout:         60 * time.Second,
		PingInterval:        25 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ClientTimeout:       2 * time.Minute,
		LogLevel:            log.LevelInfo,
	}
}

// NewServer creates a relay server.
func NewServer(config Config, logger log.Log) *Server {
	return &Server{
		config: config,
		logger: logger.With(log.String("component", "relay")),
		rooms:  make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stopChan: make(chan struct{}),
	}
}

// Start begins listening. Returns once the listener is bound.
func (s *Server) Start(_ context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to bind listener", log.Error(err))
		return err
	}

	s.httpServer = &http.Server{Handler: mux}

	s.mu.Lock()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.workerGroup.Add(1)
	go func() {
		defer s.workerGroup.Done()
		s.healthMonitor()
	}()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped", log.Error(err))
		}
	}()

	s.logger.Info("Relay listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address, which may differ from the
// configured one when port 0 was requested.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.config.ListenAddr
}

// Stop shuts the relay down and disconnects all clients.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping relay")
	close(s.stopChan)

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	for _, r := range s.rooms {
		r.mu.Lock()
		for _, c := range r.clients {
			c.close()
		}
		r.mu.Unlock()
	}
	s.mu.Unlock()

	s.workerGroup.Wait()
	s.logger.Info("Relay stopped")
	return nil
}

// Close releases all resources. Stops first if still running.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if atomic.LoadInt32(&s.running) == 1 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}
	return nil
}

// Stats contains relay statistics.
type Stats struct {
	ClientCount int64
	RoomCount   int
	Running     bool
}

// GetStats returns relay statistics.
func (s *Server) GetStats() Stats {
	s.mu.Lock()
	roomCount := len(s.rooms)
	s.mu.Unlock()
	return Stats{
		ClientCount: atomic.LoadInt64(&s.clientCount),
		RoomCount:   roomCount,
		Running:     atomic.LoadInt32(&s.running) == 1,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	userID := r.URL.Query().Get("user")
	if projectID == "" || userID == "" {
		http.Error(w, "project and user are required", http.StatusBadRequest)
		return
	}

	if int(atomic.LoadInt64(&s.clientCount)) >= s.config.MaxClients {
		s.logger.Warn("Maximum clients reached, rejecting connection",
			log.String("remote_addr", r.RemoteAddr))
		http.Error(w, ErrMaxClientsReached.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Upgrade failed", log.Error(err))
		return
	}

	c := &client{
		userID:    userID,
		projectID: projectID,
		conn:      conn,
		send:      make(chan []byte, s.config.SendQueueSize),
		logger:    s.logger,
	}
	c.touch()

	rm := s.getOrCreateRoom(projectID)
	rm.add(c)
	atomic.AddInt64(&s.clientCount, 1)

	s.logger.Info("Client connected",
		log.String("project_id", projectID),
		log.String("user_id", userID),
		log.Int64("total_clients", atomic.LoadInt64(&s.clientCount)))

	go s.writePump(c)
	go s.readPump(c, rm)
}

func (s *Server) getOrCreateRoom(projectID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[projectID]; ok {
		return rm
	}
	rm := newRoom(projectID)
	s.rooms[projectID] = rm
	return rm
}

func (s *Server) dropClient(c *client, rm *room) {
	c.close()
	if !rm.remove(c) {
		return
	}
	atomic.AddInt64(&s.clientCount, -1)

	// peers should not wait for the cursor TTL to learn about departures
	rm.broadcast(c.userID, leaveEnvelope(c.projectID, c.userID))

	s.mu.Lock()
	if rm.size() == 0 {
		delete(s.rooms, c.projectID)
	}
	s.mu.Unlock()

	s.logger.Info("Client disconnected",
		log.String("project_id", c.projectID),
		log.String("user_id", c.userID),
		log.Int64("total_clients", atomic.LoadInt64(&s.clientCount)))
}

func (s *Server) readPump(c *client, rm *room) {
	defer s.dropClient(c, rm)

	c.conn.SetReadLimit(s.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Read failed", log.String("user_id", c.userID), log.Error(err))
			}
			return
		}
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		var env transport.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.logger.Warn("Dropping invalid envelope",
				log.String("user_id", c.userID),
				log.Error(ErrInvalidEnvelope))
			continue
		}

		if env.Type == transport.EventHeartbeat {
			// answered directly so the sender can measure round-trip time
			ack := env
			ack.Type = transport.EventHeartbeatAck
			if raw, err := json.Marshal(ack); err == nil {
				c.enqueue(raw)
			}
			continue
		}

		rm.broadcast(c.userID, data)

		if env.Type == transport.EventEditChange {
			// the relay is the authority of record here: a forwarded
			// change is an accepted change, so confirm it to the sender
			if raw := ackEnvelope(env); raw != nil {
				c.enqueue(raw)
			}
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stopChan:
			return
		}
	}
}

// healthMonitor disconnects clients that have gone quiet past the
// configured timeout.
func (s *Server) healthMonitor() {
	s.logger.Debug("Health monitor started")

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthChecks()
		case <-s.stopChan:
			s.logger.Debug("Health monitor stopped")
			return
		}
	}
}

func (s *Server) performHealthChecks() {
	now := time.Now().Unix()
	timeoutSeconds := int64(s.config.ClientTimeout.Seconds())

	var stale []*client
	s.mu.Lock()
	for _, rm := range s.rooms {
		rm.mu.RLock()
		for _, c := range rm.clients {
			if now-atomic.LoadInt64(&c.lastSeen) > timeoutSeconds {
				stale = append(stale, c)
			}
		}
		rm.mu.RUnlock()
	}
	s.mu.Unlock()

	for _, c := range stale {
		s.logger.Info("Disconnecting inactive client",
			log.String("user_id", c.userID))
		c.close()
	}

	if len(stale) > 0 {
		s.logger.Info("Health check completed",
			log.Int("disconnected_clients", len(stale)),
			log.Int64("active_clients", atomic.LoadInt64(&s.clientCount)))
	}
}
