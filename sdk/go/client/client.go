// Package client provides a high-level SDK for embedding CollabSync
// sessions in a studio host application.
package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/clipforge/collabsync/internal/collab"
	"github.com/clipforge/collabsync/internal/collab/chat"
	"github.com/clipforge/collabsync/internal/collab/comment"
	"github.com/clipforge/collabsync/internal/collab/conflict"
	"github.com/clipforge/collabsync/internal/collab/edit"
	"github.com/clipforge/collabsync/internal/collab/events"
	"github.com/clipforge/collabsync/internal/collab/permission"
	"github.com/clipforge/collabsync/internal/collab/presence"
	"github.com/clipforge/collabsync/internal/collab/status"
	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/internal/core/transport"
)

// Client is one user's connection to a collaborative project. It owns
// the websocket transport and the session behind it.
type Client struct {
	session *collab.Session

	config Config
	logger *log.Logger

	connected int32 // atomic bool
	closed    int32 // atomic bool
}

// Config holds configuration for the client.
type Config struct {
	// Connection settings
	RelayURL       string
	ConnectTimeout time.Duration

	// Identity
	ProjectID string
	UserID    string
	UserName  string
	Role      permission.Role

	// Session tuning; zero values fall back to session defaults.
	Session collab.Config

	// Logging
	LogLevel log.Level
}

// DefaultConfig returns default client configuration for a project and
// user.
func DefaultConfig(relayURL, projectID, userID string) Config {
	return Config{
		RelayURL:       relayURL,
		ConnectTimeout: 30 * time.Second,
		ProjectID:      projectID,
		UserID:         userID,
		Role:           permission.RoleEditor,
		LogLevel:       log.LevelInfo,
	}
}

// New creates a client. The dispatcher is the host's timeline engine
// entry point; pass nil to run detached.
func New(config Config, dispatcher edit.Dispatcher) (*Client, error) {
	if config.RelayURL == "" || config.ProjectID == "" || config.UserID == "" {
		return nil, ErrInvalidConfig
	}

	logger := log.New(config.LogLevel)

	sessionCfg := config.Session
	if sessionCfg.ProjectID == "" {
		sessionCfg = collab.DefaultConfig(config.ProjectID, collab.UserConfig{
			ID:   config.UserID,
			Name: config.UserName,
			Role: config.Role,
		})
	}

	tr := transport.NewWebSocketTransport(
		transport.DefaultWebSocketConfig(config.RelayURL),
		config.ProjectID, config.UserID, logger)

	return &Client{
		session: collab.NewSession(sessionCfg, tr, dispatcher, logger),
		config:  config,
		logger:  logger,
	}, nil
}

// Connect dials the relay and joins the project session.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	if err := c.session.Connect(ctx); err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return err
	}
	return nil
}

// Close leaves the session and releases the connection.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.session.Disconnect()
}

// MoveCursor publishes the local cursor position. Throttled internally;
// safe to call per mouse event.
func (c *Client) MoveCursor(x, y float64, elementID string) {
	c.session.UpdateCursor(presence.Position{X: x, Y: y, ElementID: elementID})
}

// SubmitChange applies a timeline edit optimistically and broadcasts it.
func (c *Client) SubmitChange(resourceID string, baseVersion uint64, op string, payload any) (edit.Change, error) {
	return c.session.SubmitChange(resourceID, baseVersion, op, payload)
}

// ResolveConflict accepts one side of an open conflict.
func (c *Client) ResolveConflict(conflictID string, resolution conflict.Resolution) error {
	return c.session.ResolveConflict(conflictID, resolution)
}

// SetRole changes another collaborator's role. Owner only.
func (c *Client) SetRole(userID string, role permission.Role) error {
	return c.session.UpdatePermissions(userID, role)
}

// AddComment creates an anchored comment.
func (c *Client) AddComment(content string, pos comment.Anchor) (comment.Comment, error) {
	return c.session.AddComment(content, pos)
}

// ResolveComment marks a comment resolved.
func (c *Client) ResolveComment(commentID string) error {
	return c.session.ResolveComment(commentID)
}

// ReplyToComment appends a threaded reply.
func (c *Client) ReplyToComment(commentID, content string) (comment.Reply, error) {
	return c.session.ReplyToComment(commentID, content)
}

// SendChatMessage posts to the ephemeral session chat.
func (c *Client) SendChatMessage(content string) (chat.Message, error) {
	return c.session.SendChatMessage(content)
}

// Status returns the aggregate session health.
func (c *Client) Status() status.SyncStatus {
	return c.session.Status()
}

// Roster returns the known collaborators.
func (c *Client) Roster() []presence.User {
	return c.session.Roster()
}

// Cursors returns the live peer cursors.
func (c *Client) Cursors() []presence.Cursor {
	return c.session.Cursors()
}

// Comments returns all comments in creation order.
func (c *Client) Comments() []comment.Comment {
	return c.session.Comments()
}

// OpenConflicts returns the unresolved conflict set.
func (c *Client) OpenConflicts() []conflict.Conflict {
	return c.session.OpenConflicts()
}

// Subscribe registers a handler for session notifications (status
// changes, roster updates, mentions and so on).
func (c *Client) Subscribe(t events.Type, h events.Handler) *events.Subscription {
	return c.session.Events().Subscribe(t, h)
}
