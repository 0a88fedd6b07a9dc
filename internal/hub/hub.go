// Package hub ties the delivery components together: it admits connections,
// replays their mailbox, sequences and routes what they send.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/audit"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/guard"
	"github.com/vovakirdan/wirechat-relay/internal/membership"
	"github.com/vovakirdan/wirechat-relay/internal/offline"
	"github.com/vovakirdan/wirechat-relay/internal/presence"
	"github.com/vovakirdan/wirechat-relay/internal/router"
	"github.com/vovakirdan/wirechat-relay/internal/sequencer"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// Config holds hub settings.
type Config struct {
	// WatchBuffer is the presence buffer of each watching session.
	WatchBuffer int `mapstructure:"watch_buffer" yaml:"watch_buffer"`
	// PresencePushTimeout bounds how long a presence notification waits for
	// room in a session outbox before it is dropped.
	PresencePushTimeout time.Duration `mapstructure:"presence_push_timeout" yaml:"presence_push_timeout"`
}

// Components are the parts a hub coordinates.
type Components struct {
	Sessions  *session.Registry
	Presence  *presence.Tracker
	Members   *membership.Index
	Sequencer *sequencer.Sequencer
	Router    *router.Router
	Queue     *offline.Queue
	Guard     *guard.Guard
	Audit     audit.Sink
}

// Hub is the entry point used by transports.
type Hub struct {
	cfg   Config
	c     Components
	clock clock.Clock
	log   *zerolog.Logger

	watches *xsync.MapOf[string, *presence.Subscription]
}

// New builds a hub.
func New(cfg Config, c Components, clk clock.Clock, logger *zerolog.Logger) *Hub {
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = 32
	}
	if cfg.PresencePushTimeout <= 0 {
		cfg.PresencePushTimeout = time.Second
	}
	if c.Audit == nil {
		c.Audit = audit.Nop{}
	}
	l := logger.With().Str("component", "hub").Logger()
	h := &Hub{
		cfg:     cfg,
		c:       c,
		clock:   clk,
		log:     &l,
		watches: xsync.NewMapOf[string, *presence.Subscription](),
	}
	c.Sessions.AddListener(h)
	return h
}

// SessionOpened implements session.Listener.
func (h *Hub) SessionOpened(*session.Session) {}

// SessionClosed implements session.Listener. Live messages still in the
// outbox of the closed session go back to the user's mailbox.
func (h *Hub) SessionClosed(s *session.Session, reason core.CloseReason) {
	ctx := context.Background()
	requeued := 0
	for _, msg := range s.Unsent() {
		if msg.DeliveryState == core.DeliveryQueued {
			continue
		}
		if _, err := h.c.Queue.Enqueue(ctx, s.UserID, msg.WithState(core.DeliveryQueued)); err != nil {
			h.log.Error().
				Err(err).
				Str("session_id", s.ID).
				Str("scope", msg.Scope.String()).
				Uint64("seq", msg.Seq).
				Msg("requeue unsent message")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		h.log.Info().
			Str("session_id", s.ID).
			Str("user_id", s.UserID).
			Str("reason", string(reason)).
			Int("requeued", requeued).
			Msg("unsent messages returned to mailbox")
	}
}

// Connect admits a connection and replays the user's mailbox into it. attach
// is called once the session exists and must start reading its outbox, since
// replay pushes into it. When Connect returns the session is live: gap
// markers, queued messages and a drained marker were pushed in that order,
// followed by any live traffic routed while it was draining.
func (h *Hub) Connect(ctx context.Context, conn session.Conn, token string, attach func(*session.Session)) (*session.Session, error) {
	sess, err := h.c.Sessions.Admit(ctx, conn, token)
	if err != nil {
		h.publish(ctx, audit.Event{Kind: audit.KindRejected, Reason: core.CodeOf(err)})
		return nil, err
	}
	if attach != nil {
		attach(sess)
	}

	replayed, err := h.replay(ctx, sess)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("mailbox replay failed")
		h.c.Sessions.Remove(sess.ID, core.CloseDrainFailed)
		return nil, err
	}

	h.log.Info().
		Str("session_id", sess.ID).
		Str("user_id", sess.UserID).
		Int("replayed", replayed).
		Msg("session live")
	return sess, nil
}

func (h *Hub) replay(ctx context.Context, sess *session.Session) (int, error) {
	gaps, err := h.c.Queue.Gaps(ctx, sess.UserID)
	if err != nil {
		return 0, err
	}
	if len(gaps) > 0 {
		ids := make([]uint64, 0, len(gaps))
		for i := range gaps {
			if err := sess.Push(ctx, core.Delivery{Kind: core.DeliveryGap, Gap: &gaps[i]}); err != nil {
				return 0, err
			}
			ids = append(ids, gaps[i].ID)
		}
		if err := h.c.Queue.ClearGaps(ctx, sess.UserID, ids); err != nil {
			return 0, err
		}
	}

	replayed := 0
	drain := h.c.Queue.Drain(sess.UserID)
	for {
		for {
			entry, ok, err := drain.Next(ctx)
			if err != nil {
				return replayed, err
			}
			if !ok {
				break
			}
			d := core.Delivery{Kind: core.DeliveryMessage, Message: entry.Message.WithState(core.DeliveryQueued)}
			if err := sess.Push(ctx, d); err != nil {
				return replayed, err
			}
			replayed++
		}

		live, err := h.c.Sessions.Activate(ctx, sess, func() (bool, error) {
			return h.c.Queue.PendingAfter(ctx, sess.UserID, drain.Cursor())
		})
		if err != nil {
			return replayed, err
		}
		if live {
			break
		}
		drain.Resume()
	}

	if err := sess.Push(ctx, core.Delivery{Kind: core.DeliveryDrained, Pending: replayed}); err != nil {
		return replayed, err
	}
	return replayed, nil
}

// Send admits, sequences and routes a message from sess. frameSize is the
// size of the frame that carried it. A frame rejected by the guard, or by the
// membership check, never consumes an id and is never delivered.
func (h *Hub) Send(ctx context.Context, sess *session.Session, draft core.Draft, frameSize int) (core.SendResult, error) {
	h.c.Sessions.Touch(sess.ID)
	draft.SenderID = sess.UserID

	if err := h.admit(sess, draft, frameSize); err != nil {
		h.publish(ctx, audit.Event{
			Kind:      audit.KindRejected,
			SenderID:  sess.UserID,
			SessionID: sess.ID,
			Reason:    core.CodeOf(err),
		})
		return core.SendResult{}, err
	}

	var outcome router.Outcome
	res, err := h.c.Sequencer.SequenceChecked(ctx, draft, h.checkMembership, func(ctx context.Context, msg core.Message) error {
		var err error
		outcome, err = h.c.Router.Route(ctx, msg)
		return err
	})
	if err != nil {
		h.log.Warn().
			Err(err).
			Str("session_id", sess.ID).
			Str("code", core.CodeOf(err)).
			Msg("send failed")
		return core.SendResult{Message: res.Message}, err
	}

	if res.Duplicate {
		h.publish(ctx, audit.Event{
			Kind:      audit.KindDuplicate,
			Scope:     res.Message.Scope.String(),
			MessageID: res.Message.Seq,
			SenderID:  sess.UserID,
			SessionID: sess.ID,
		})
	}

	msg := res.Message
	switch {
	case outcome.Delivered > 0:
		msg = msg.WithState(core.DeliveryDelivered)
	case outcome.Queued > 0:
		msg = msg.WithState(core.DeliveryQueued)
	}
	return core.SendResult{
		Message:   msg,
		Duplicate: res.Duplicate,
		Delivered: outcome.Delivered,
		Queued:    outcome.Queued,
	}, nil
}

func (h *Hub) admit(sess *session.Session, draft core.Draft, frameSize int) error {
	if err := h.c.Guard.Admit(sess.ID, frameSize); err != nil {
		return err
	}
	if err := draft.Target.Validate(); err != nil {
		return err
	}
	return h.checkMembership(draft)
}

func (h *Hub) checkMembership(draft core.Draft) error {
	if draft.Target.IsRoom() && !h.c.Members.IsMember(draft.Target.RoomID, draft.SenderID) {
		return fmt.Errorf("%w: %s", core.ErrNotAMember, draft.Target.RoomID)
	}
	return nil
}

// Ack removes acknowledged messages from the user's mailbox.
func (h *Hub) Ack(ctx context.Context, sess *session.Session, refs []core.MessageRef) (int, error) {
	h.c.Sessions.Touch(sess.ID)
	return h.c.Queue.Ack(ctx, sess.UserID, refs)
}

// Touch records activity that is not a send, such as a ping.
func (h *Hub) Touch(sess *session.Session) {
	h.c.Sessions.Touch(sess.ID)
}

// Disconnect ends a session closed by its client.
func (h *Hub) Disconnect(sess *session.Session) {
	h.c.Sessions.Remove(sess.ID, core.CloseClientClosed)
}

// Kick force-closes one session.
func (h *Hub) Kick(sessionID string) bool {
	return h.c.Sessions.Remove(sessionID, core.CloseForcedKick)
}

// Ban bars a user and closes all of their sessions. It returns the number of
// sessions closed.
func (h *Hub) Ban(userID string, d time.Duration) int {
	return h.c.Sessions.Ban(userID, d)
}

// Watch subscribes sess to presence changes of userIDs and pushes their
// current state right away. Later calls add to the watched set.
func (h *Hub) Watch(sess *session.Session, userIDs ...string) {
	h.c.Sessions.Touch(sess.ID)
	sub, loaded := h.watches.LoadOrCompute(sess.ID, func() *presence.Subscription {
		return h.c.Presence.Subscribe(h.cfg.WatchBuffer)
	})
	sub.Watch(userIDs...)
	if !loaded {
		go h.forwardPresence(sess, sub)
	}

	for _, id := range userIDs {
		h.pushPresence(sess, h.c.Presence.Get(id))
	}
}

func (h *Hub) forwardPresence(sess *session.Session, sub *presence.Subscription) {
	defer func() {
		sub.Close()
		h.watches.Delete(sess.ID)
	}()
	for {
		select {
		case <-sess.Done():
			return
		case st, ok := <-sub.Changes():
			if !ok {
				return
			}
			h.pushPresence(sess, st)
		}
	}
}

func (h *Hub) pushPresence(sess *session.Session, st core.PresenceState) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PresencePushTimeout)
	defer cancel()
	err := sess.Push(ctx, core.Delivery{Kind: core.DeliveryPresence, Presence: &st})
	if err != nil && !errors.Is(err, core.ErrSessionClosed) {
		h.log.Debug().Err(err).Str("session_id", sess.ID).Str("user_id", st.UserID).Msg("presence notification dropped")
	}
}

// Presence returns the presence of a user.
func (h *Hub) Presence(userID string) core.PresenceState {
	return h.c.Presence.Get(userID)
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.c.Sessions.CloseAll(core.CloseShutdown)
}

func (h *Hub) publish(ctx context.Context, ev audit.Event) {
	ev.At = h.clock.Now()
	if err := h.c.Audit.Publish(ctx, ev); err != nil {
		h.log.Warn().Err(err).Msg("audit publish failed")
	}
}
