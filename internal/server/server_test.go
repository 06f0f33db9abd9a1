package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/internal/core/transport"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, log.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dialClient(t *testing.T, s *Server, projectID, userID string) (*transport.WebSocketTransport, chan transport.Envelope) {
	t.Helper()
	wsURL := fmt.Sprintf("ws://%s/ws", s.Addr())
	tr := transport.NewWebSocketTransport(transport.DefaultWebSocketConfig(wsURL), projectID, userID, log.NewNop())

	inbox := make(chan transport.Envelope, 16)
	tr.Subscribe(func(env transport.Envelope) { inbox <- env })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, inbox
}

func awaitEnvelope(t *testing.T, inbox chan transport.Envelope, want transport.EventType) transport.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-inbox:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestRelayFanOut(t *testing.T) {
	s := startTestServer(t)

	alice, aliceInbox := dialClient(t, s, "proj-1", "alice")
	_, bobInbox := dialClient(t, s, "proj-1", "bob")

	require.NoError(t, alice.Send(transport.EventChatMessage, map[string]any{"content": "hi"}))

	env := awaitEnvelope(t, bobInbox, transport.EventChatMessage)
	assert.Equal(t, "alice", env.UserID)
	assert.Equal(t, "proj-1", env.ProjectID)

	select {
	case env := <-aliceInbox:
		t.Fatalf("sender must not receive its own broadcast, got %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRoomsIsolateProjects(t *testing.T) {
	s := startTestServer(t)

	alice, _ := dialClient(t, s, "proj-1", "alice")
	_, bobInbox := dialClient(t, s, "proj-2", "bob")

	require.NoError(t, alice.Send(transport.EventChatMessage, map[string]any{"content": "hi"}))

	select {
	case env := <-bobInbox:
		t.Fatalf("envelope crossed project rooms: %s", env.Type)
	case <-time.After(300 * time.Millisecond):
	}

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.ClientCount)
	assert.Equal(t, 2, stats.RoomCount)
}

func TestHeartbeatEchoedToSender(t *testing.T) {
	s := startTestServer(t)

	alice, aliceInbox := dialClient(t, s, "proj-1", "alice")
	_, bobInbox := dialClient(t, s, "proj-1", "bob")

	require.NoError(t, alice.Send(transport.EventHeartbeat, map[string]any{"sent_at": time.Now()}))

	env := awaitEnvelope(t, aliceInbox, transport.EventHeartbeatAck)
	assert.Equal(t, "alice", env.UserID)

	select {
	case env := <-bobInbox:
		t.Fatalf("heartbeats must not fan out to peers, got %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEditChangeAcknowledgedToSender(t *testing.T) {
	s := startTestServer(t)

	alice, aliceInbox := dialClient(t, s, "proj-1", "alice")
	_, bobInbox := dialClient(t, s, "proj-1", "bob")

	require.NoError(t, alice.Send(transport.EventEditChange, map[string]any{
		"id":           "ch-1",
		"resource_id":  "clip-1",
		"base_version": 3,
		"user_id":      "alice",
		"op":           "update",
	}))

	env := awaitEnvelope(t, bobInbox, transport.EventEditChange)
	assert.Equal(t, "alice", env.UserID)

	ack := awaitEnvelope(t, aliceInbox, transport.EventEditAck)
	var p struct {
		ChangeID    string `json:"change_id"`
		ResourceID  string `json:"resource_id"`
		BaseVersion uint64 `json:"base_version"`
	}
	require.NoError(t, ack.DecodePayload(&p))
	assert.Equal(t, "ch-1", p.ChangeID)
	assert.Equal(t, "clip-1", p.ResourceID)
	assert.Equal(t, uint64(3), p.BaseVersion)

	select {
	case env := <-bobInbox:
		t.Fatalf("acks must not fan out to peers, got %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDepartureSynthesizedOnDisconnect(t *testing.T) {
	s := startTestServer(t)

	_, aliceInbox := dialClient(t, s, "proj-1", "alice")
	bob, _ := dialClient(t, s, "proj-1", "bob")

	require.NoError(t, bob.Close())

	env := awaitEnvelope(t, aliceInbox, transport.EventUserLeave)
	assert.Equal(t, "bob", env.UserID)

	require.Eventually(t, func() bool {
		return s.GetStats().ClientCount == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRejectsMissingIdentity(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/ws?project=proj-1", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, log.NewNop())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrServerAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, s.Stop(ctx), ErrServerNotRunning)
	assert.False(t, s.GetStats().Running)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(context.Background()), ErrServerClosed)
}
