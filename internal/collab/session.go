package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/collabsync/internal/collab/activity"
	"github.com/clipforge/collabsync/internal/collab/chat"
	"github.com/clipforge/collabsync/internal/collab/comment"
	"github.com/clipforge/collabsync/internal/collab/conflict"
	"github.com/clipforge/collabsync/internal/collab/edit"
	"github.com/clipforge/collabsync/internal/collab/events"
	"github.com/clipforge/collabsync/internal/collab/pending"
	"github.com/clipforge/collabsync/internal/collab/permission"
	"github.com/clipforge/collabsync/internal/collab/presence"
	"github.com/clipforge/collabsync/internal/collab/status"
	"github.com/clipforge/collabsync/internal/core/observability/log"
	"github.com/clipforge/collabsync/internal/core/transport"
)

// Session is the explicitly constructed collaboration state for one
// project and one local user. All subsystems hang off it; there is no
// ambient module-level state. Local actions pass authorization checks,
// apply optimistically, then broadcast; inbound peer events update the
// corresponding local store; the status aggregator recomputes after
// every transition.
type Session struct {
	config     Config
	logger     log.Log
	tr         transport.Transport
	dispatcher edit.Dispatcher

	bus      *events.Bus
	perms    *permission.Manager
	tracker  *presence.Tracker
	comments *comment.Store
	chat     *chat.Channel
	feed     *activity.Feed
	pending  *pending.Queue
	detector *conflict.Detector
	agg      *status.Aggregator

	connected    int32 // atomic bool
	closed       int32 // atomic bool
	reconnecting int32 // atomic bool

	stopChan chan struct{}
}

// NewSession wires a session together. The dispatcher is the timeline
// engine entry point; pass nil to run detached (tests, tooling).
func NewSession(config Config, tr transport.Transport, dispatcher edit.Dispatcher, logger log.Log) *Session {
	if dispatcher == nil {
		dispatcher = edit.NopDispatcher{}
	}
	config = config.withDefaults()

	s := &Session{
		config:     config,
		logger:     logger.With(log.String("component", "session"), log.String("project_id", config.ProjectID)),
		tr:         tr,
		dispatcher: dispatcher,
		bus:        events.NewBus(),
		feed:       activity.NewFeed(config.ActivityCap),
		agg:        status.NewAggregator(),
		stopChan:   make(chan struct{}),
	}

	s.perms = permission.NewManager(logger, permission.SeedGrant(config.User.ID, config.User.Role))

	s.tracker = presence.NewTracker(presence.Config{
		CursorTTL:      config.CursorTTL,
		CursorThrottle: config.CursorThrottle,
	}, logger)
	s.tracker.SetBroadcast(s.broadcastCursor)
	s.tracker.OnRosterChange(func() {
		s.bus.Publish(events.TypeRosterChanged, config.User.ID, s.tracker.Roster())
	})

	s.comments = comment.NewStore(logger)
	s.comments.OnMention(func(ev comment.MentionEvent) {
		s.bus.Publish(events.TypeMention, ev.AuthorID, ev)
	})

	s.chat = chat.NewChannel(logger)
	s.chat.OnMention(func(ev chat.MentionEvent) {
		s.bus.Publish(events.TypeMention, ev.AuthorID, ev)
	})

	s.pending = pending.NewQueue(config.MaxPendingChanges, dispatcher, logger)
	s.pending.OnSize(s.agg.SetPending)

	s.detector = conflict.NewDetector(config.User.ID, dispatcher, func(userID string) error {
		return s.perms.Authorize(userID, permission.ActionWrite)
	}, logger)
	s.detector.OnChange(s.agg.SetConflicts)
	s.detector.OnDetect(func(c conflict.Conflict) {
		s.recordActivity(config.User.ID, activity.TypeConflictDetected,
			fmt.Sprintf("concurrent edits to %s", c.ResourceID),
			map[string]any{"conflict_id": c.ID, "resource_id": c.ResourceID})
		s.bus.Publish(events.TypeConflictDetected, config.User.ID, c)
	})

	s.agg.OnChange(func(st status.SyncStatus) {
		s.bus.Publish(events.TypeStatusChanged, config.User.ID, st)
	})

	tr.Subscribe(s.handleEnvelope)
	tr.OnError(s.handleTransportError)

	return s
}

// Connect establishes the session: dials the relay, announces presence
// and starts heartbeats. Idempotent; connecting a connected session is a
// no-op.
func (s *Session) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSessionClosed
	}
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return nil
	}

	if err := s.tr.Connect(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("connect transport: %w", err)
	}

	user := s.tracker.Join(s.config.User.ID, s.config.User.Name, s.config.User.Role)
	_ = s.send(transport.EventUserJoin, joinPayload{
		User:  user,
		Grant: permission.SeedGrant(s.config.User.ID, s.config.User.Role),
	})

	s.agg.SetConnected(true)
	s.recordActivity(s.config.User.ID, activity.TypeSessionConnected, "joined the session", nil)

	go s.heartbeatLoop()

	s.logger.Info("Session connected", log.String("user_id", s.config.User.ID))
	return nil
}

// Disconnect tears the session down: broadcasts departure, cancels
// pending outgoing work and stops all background loops. Idempotent.
func (s *Session) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	if atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		_ = s.send(transport.EventUserLeave, leavePayload{UserID: s.config.User.ID})
	}
	close(s.stopChan)

	_ = s.tr.Close()
	s.tracker.Leave(s.config.User.ID)
	s.tracker.Close()
	s.agg.SetConnected(false)
	s.recordActivity(s.config.User.ID, activity.TypeSessionDisconnected, "left the session", nil)

	s.logger.Info("Session disconnected", log.String("user_id", s.config.User.ID))
	return nil
}

// UpdateCursor publishes the local cursor position, throttled to the
// configured rate. Never blocks the caller.
func (s *Session) UpdateCursor(pos presence.Position) {
	if !s.config.EnableLiveCursors || atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	s.tracker.UpdateCursor(pos)
}

// SubmitChange applies a local edit optimistically and broadcasts it.
// The caller needs write capability; edits to a resource with an open
// conflict are blocked until it is resolved.
func (s *Session) SubmitChange(resourceID string, baseVersion uint64, op string, payload any) (edit.Change, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return edit.Change{}, ErrSessionClosed
	}
	if err := s.perms.Authorize(s.config.User.ID, permission.ActionWrite); err != nil {
		return edit.Change{}, err
	}
	if s.detector.Blocked(resourceID) {
		return edit.Change{}, conflict.ErrConflictUnresolved
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return edit.Change{}, fmt.Errorf("encode change payload: %w", err)
	}
	ch := edit.Change{
		ID:          uuid.NewString(),
		ResourceID:  resourceID,
		BaseVersion: baseVersion,
		UserID:      s.config.User.ID,
		Op:          op,
		Payload:     raw,
		Timestamp:   time.Now(),
	}

	if err := s.dispatcher.Dispatch(ch); err != nil {
		return edit.Change{}, fmt.Errorf("apply change: %w", err)
	}
	s.pending.Push(ch)
	s.detector.Track(ch)
	_ = s.send(transport.EventEditChange, ch)

	s.recordActivity(ch.UserID, activity.TypeEdit,
		fmt.Sprintf("%s on %s", op, resourceID),
		map[string]any{"change_id": ch.ID, "resource_id": resourceID})
	return ch, nil
}

// ResolveConflict applies one side of an open conflict and discards the
// other. Requires write capability; idempotent.
func (s *Session) ResolveConflict(conflictID string, resolution conflict.Resolution) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSessionClosed
	}
	accepted, applied, err := s.detector.Resolve(conflictID, resolution, s.config.User.ID)
	if err != nil {
		return err
	}
	if !applied {
		// already resolved; nothing to broadcast or record again
		return nil
	}
	_ = s.send(transport.EventConflictResolve, conflictResolvePayload{
		ConflictID: conflictID,
		Resolution: resolution,
		ResolvedBy: s.config.User.ID,
		Accepted:   accepted,
	})
	s.recordActivity(s.config.User.ID, activity.TypeConflictResolved,
		fmt.Sprintf("resolved conflict with %s", resolution),
		map[string]any{"conflict_id": conflictID})
	s.bus.Publish(events.TypeConflictResolved, s.config.User.ID, conflictID)
	return nil
}

// UpdatePermissions changes another collaborator's role. Owner only;
// rejected before any broadcast otherwise.
func (s *Session) UpdatePermissions(targetID string, role permission.Role) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSessionClosed
	}
	grants, err := s.perms.Update(s.config.User.ID, targetID, role)
	if err != nil {
		return err
	}
	for _, grant := range grants {
		s.tracker.SetRole(grant.UserID, grant.Role)
		_ = s.send(transport.EventPermissionUpdate, grant)
	}
	s.recordActivity(s.config.User.ID, activity.TypePermissionChanged,
		fmt.Sprintf("set %s to %s", targetID, role),
		map[string]any{"target": targetID, "role": role.String()})
	return nil
}

// AddComment creates an anchored comment. Commenter or above.
func (s *Session) AddComment(content string, pos comment.Anchor) (comment.Comment, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return comment.Comment{}, ErrSessionClosed
	}
	if !s.config.EnableComments {
		return comment.Comment{}, ErrFeatureDisabled
	}
	if err := s.perms.Authorize(s.config.User.ID, permission.ActionComment); err != nil {
		return comment.Comment{}, err
	}

	c, err := s.comments.Add(s.config.User.ID, content, pos)
	if err != nil {
		return comment.Comment{}, err
	}
	_ = s.send(transport.EventCommentAdd, commentPayload{Comment: c})
	s.recordActivity(c.UserID, activity.TypeCommentAdded, "added a comment", map[string]any{"comment_id": c.ID})
	s.bus.Publish(events.TypeCommentAdded, c.UserID, c)
	return c, nil
}

// ResolveComment marks a comment resolved; the transition is one-way.
// Commenter or above.
func (s *Session) ResolveComment(commentID string) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrSessionClosed
	}
	if !s.config.EnableComments {
		return ErrFeatureDisabled
	}
	if err := s.perms.Authorize(s.config.User.ID, permission.ActionComment); err != nil {
		return err
	}

	c, err := s.comments.Resolve(commentID)
	if err != nil {
		return err
	}
	_ = s.send(transport.EventCommentResolve, commentResolvePayload{CommentID: c.ID, UserID: s.config.User.ID})
	s.recordActivity(s.config.User.ID, activity.TypeCommentResolved, "resolved a comment", map[string]any{"comment_id": c.ID})
	return nil
}

// ReplyToComment appends a threaded reply in arrival order.
func (s *Session) ReplyToComment(commentID, content string) (comment.Reply, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return comment.Reply{}, ErrSessionClosed
	}
	if !s.config.EnableComments {
		return comment.Reply{}, ErrFeatureDisabled
	}
	if err := s.perms.Authorize(s.config.User.ID, permission.ActionComment); err != nil {
		return comment.Reply{}, err
	}

	r, err := s.comments.Reply(commentID, s.config.User.ID, content)
	if err != nil {
		return comment.Reply{}, err
	}
	_ = s.send(transport.EventCommentReply, commentReplyPayload{CommentID: commentID, Reply: r})
	return r, nil
}

// SendChatMessage appends to the session chat and broadcasts it.
// Delivery is best-effort; messages sent while disconnected fail rather
// than queue, the chat log is ephemeral by design.
func (s *Session) SendChatMessage(content string) (chat.Message, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return chat.Message{}, ErrSessionClosed
	}
	if err := s.perms.Authorize(s.config.User.ID, permission.ActionView); err != nil {
		return chat.Message{}, err
	}
	if !s.tr.IsConnected() {
		return chat.Message{}, ErrNotConnected
	}

	msg := s.chat.Append(s.config.User.ID, content)
	_ = s.send(transport.EventChatMessage, chatPayload{Message: msg})
	s.bus.Publish(events.TypeChatMessage, msg.UserID, msg)
	return msg, nil
}

// Status returns the current aggregate session health.
func (s *Session) Status() status.SyncStatus {
	return s.agg.Status()
}

// Roster returns the known collaborators.
func (s *Session) Roster() []presence.User {
	return s.tracker.Roster()
}

// Cursors returns the live peer cursors.
func (s *Session) Cursors() []presence.Cursor {
	return s.tracker.Cursors()
}

// Comments returns all comments in creation order.
func (s *Session) Comments() []comment.Comment {
	return s.comments.All()
}

// ChatMessages returns the session chat log.
func (s *Session) ChatMessages() []chat.Message {
	return s.chat.Messages()
}

// Activities returns the retained activity trail.
func (s *Session) Activities() []activity.Entry {
	return s.feed.Entries()
}

// OpenConflicts returns the open conflict set.
func (s *Session) OpenConflicts() []conflict.Conflict {
	return s.detector.Open()
}

// Role returns the current role of a collaborator.
func (s *Session) Role(userID string) permission.Role {
	return s.perms.Role(userID)
}

// Events exposes the session notification bus for UI observers.
func (s *Session) Events() *events.Bus {
	return s.bus
}

// --- internals ---

func (s *Session) send(t transport.EventType, payload any) error {
	err := s.tr.Send(t, payload)
	if err != nil && atomic.LoadInt32(&s.closed) == 0 {
		s.logger.Debug("Broadcast skipped", log.String("event", string(t)), log.Error(err))
	}
	return err
}

func (s *Session) broadcastCursor(pos presence.Position) {
	if !s.tr.IsConnected() {
		return
	}
	_ = s.send(transport.EventCursorUpdate, cursorPayload{Cursor: presence.Cursor{
		UserID:    s.config.User.ID,
		X:         pos.X,
		Y:         pos.Y,
		ElementID: pos.ElementID,
		Timestamp: time.Now(),
	}})
}

func (s *Session) recordActivity(userID string, t activity.Type, description string, metadata map[string]any) {
	if !s.config.EnableActivityFeed {
		return
	}
	e := s.feed.Record(userID, t, description, metadata)
	s.bus.Publish(events.TypeActivity, userID, e)
}

func (s *Session) handleEnvelope(env transport.Envelope) {
	switch env.Type {
	case transport.EventHeartbeatAck, transport.EventEditAck, transport.EventEditReject:
		// relay replies addressed to this client echo its own user id
	default:
		if env.UserID == s.config.User.ID {
			return
		}
	}

	switch env.Type {
	case transport.EventUserJoin:
		var p joinPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		known := s.tracker.Known(p.User.ID)
		s.perms.ApplyRemote(p.Grant)
		s.tracker.Join(p.User.ID, p.User.Name, p.Grant.Role)
		if !known {
			s.recordActivity(p.User.ID, activity.TypeUserJoined, fmt.Sprintf("%s joined", p.User.Name), nil)
			// announce ourselves so the newcomer converges on the full roster
			if s.tr.IsConnected() {
				role := s.perms.Role(s.config.User.ID)
				_ = s.send(transport.EventUserJoin, joinPayload{
					User:  s.tracker.Join(s.config.User.ID, s.config.User.Name, role),
					Grant: permission.SeedGrant(s.config.User.ID, role),
				})
			}
		}

	case transport.EventUserLeave:
		var p leavePayload
		if env.DecodePayload(&p) != nil {
			return
		}
		s.tracker.Leave(p.UserID)
		s.recordActivity(p.UserID, activity.TypeUserLeft, "user left", nil)

	case transport.EventCursorUpdate:
		if !s.config.EnableLiveCursors {
			return
		}
		var p cursorPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		if s.tracker.ApplyRemoteCursor(p.Cursor) {
			s.bus.Publish(events.TypeCursorMoved, p.Cursor.UserID, p.Cursor)
		}

	case transport.EventEditChange:
		var ch edit.Change
		if env.DecodePayload(&ch) != nil {
			return
		}
		if c := s.detector.Track(ch); c == nil {
			// no divergence; reflect the peer's optimistic edit
			if err := s.dispatcher.Dispatch(ch); err != nil {
				s.logger.Warn("Engine rejected peer change",
					log.String("change_id", ch.ID), log.Error(err))
			}
		}

	case transport.EventEditAck:
		var p ackPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		s.pending.Ack(p.ChangeID)
		s.detector.Ack(edit.Change{ID: p.ChangeID, ResourceID: p.ResourceID, BaseVersion: p.BaseVersion})

	case transport.EventEditReject:
		var p rejectPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		s.pending.Rollback(p.ChangeID)

	case transport.EventCommentAdd:
		if !s.config.EnableComments {
			return
		}
		var p commentPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		s.comments.Upsert(p.Comment)
		s.recordActivity(p.Comment.UserID, activity.TypeCommentAdded, "added a comment", map[string]any{"comment_id": p.Comment.ID})
		s.bus.Publish(events.TypeCommentAdded, p.Comment.UserID, p.Comment)

	case transport.EventCommentResolve:
		if !s.config.EnableComments {
			return
		}
		var p commentResolvePayload
		if env.DecodePayload(&p) != nil {
			return
		}
		_, _ = s.comments.Resolve(p.CommentID)

	case transport.EventCommentReply:
		if !s.config.EnableComments {
			return
		}
		var p commentReplyPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		_ = s.comments.AppendRemoteReply(p.CommentID, p.Reply)

	case transport.EventChatMessage:
		var p chatPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		if s.chat.AppendRemote(p.Message) {
			s.bus.Publish(events.TypeChatMessage, p.Message.UserID, p.Message)
		}

	case transport.EventPermissionUpdate:
		var grant permission.Grant
		if env.DecodePayload(&grant) != nil {
			return
		}
		if s.perms.ApplyRemote(grant) {
			s.tracker.SetRole(grant.UserID, grant.Role)
			s.recordActivity(grant.GrantedBy, activity.TypePermissionChanged,
				fmt.Sprintf("set %s to %s", grant.UserID, grant.Role),
				map[string]any{"target": grant.UserID, "role": grant.Role.String()})
		}

	case transport.EventConflictResolve:
		var p conflictResolvePayload
		if env.DecodePayload(&p) != nil {
			return
		}
		if s.detector.ApplyRemoteResolution(p.ConflictID, p.Resolution, p.ResolvedBy, p.Accepted) {
			s.bus.Publish(events.TypeConflictResolved, p.ResolvedBy, p.ConflictID)
		}

	case transport.EventHeartbeatAck:
		var p heartbeatPayload
		if env.DecodePayload(&p) != nil {
			return
		}
		s.agg.SetLatency(time.Since(p.SentAt))
	}
}

func (s *Session) handleTransportError(err error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	atomic.StoreInt32(&s.connected, 0)
	s.agg.SetConnected(false)
	s.logger.Warn("Transport failure, scheduling reconnect", log.Error(err))

	if atomic.CompareAndSwapInt32(&s.reconnecting, 0, 1) {
		go s.reconnectLoop()
	}
}

// reconnectLoop retries the transport with bounded exponential backoff.
// On success it re-announces presence and replays the buffered pending
// changes against authoritative state; replay may trigger the conflict
// detector on the far side.
func (s *Session) reconnectLoop() {
	defer atomic.StoreInt32(&s.reconnecting, 0)

	delay := s.config.Reconnect.BaseDelay
	for attempt := 0; attempt <= s.config.Reconnect.MaxAttempts; attempt++ {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.tr.Connect(ctx)
		cancel()

		if err == nil {
			atomic.StoreInt32(&s.connected, 1)
			s.logger.Info("Reconnected", log.Int("attempt", attempt))

			user := s.tracker.Join(s.config.User.ID, s.config.User.Name, s.perms.Role(s.config.User.ID))
			_ = s.send(transport.EventUserJoin, joinPayload{
				User:  user,
				Grant: permission.SeedGrant(user.ID, user.Role),
			})
			for _, ch := range s.pending.Drain() {
				s.pending.Push(ch)
				_ = s.send(transport.EventEditChange, ch)
			}
			s.agg.SetConnected(true)
			return
		}

		s.logger.Debug("Reconnect attempt failed",
			log.Int("attempt", attempt),
			log.Duration("next_delay", delay),
			log.Error(err))

		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-s.stopChan:
			return
		}

		delay *= 2
		if delay > s.config.Reconnect.MaxDelay {
			delay = s.config.Reconnect.MaxDelay
		}
	}

	s.logger.Error("Reconnect attempts exhausted",
		log.Int("max_attempts", s.config.Reconnect.MaxAttempts))
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.tr.IsConnected() {
				_ = s.send(transport.EventHeartbeat, heartbeatPayload{SentAt: time.Now()})
			}
		case <-s.stopChan:
			return
		}
	}
}
