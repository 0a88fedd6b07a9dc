package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/audit"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// Sessions resolves the sessions of a recipient.
type Sessions interface {
	Targets(userID string, d core.Delivery, offline func() error) ([]*session.Session, error)
	Remove(sessionID string, reason core.CloseReason) bool
}

// Members answers room membership questions.
type Members interface {
	MembersOf(roomID string) []string
	IsMember(roomID, userID string) bool
}

// Mailbox stores messages for recipients without a live session.
type Mailbox interface {
	Enqueue(ctx context.Context, userID string, msg core.Message) (bool, error)
}

// Config holds routing settings.
type Config struct {
	PushTimeout time.Duration `mapstructure:"push_timeout" yaml:"push_timeout"`
	// EchoSender also delivers room messages to the sender's own sessions.
	EchoSender bool `mapstructure:"echo_sender" yaml:"echo_sender"`
}

// Outcome summarises a route.
type Outcome struct {
	Recipients int
	// Delivered counts sessions that accepted the push.
	Delivered int
	// Queued counts recipients whose copy went to the mailbox.
	Queued int
	// SlowConsumers counts sessions evicted for missing the push deadline.
	SlowConsumers int
}

type recipientOutcome struct {
	delivered int
	queued    bool
	slow      int
	err       error
}

// Router fans sequenced messages out to live sessions or the mailbox.
type Router struct {
	cfg      Config
	sessions Sessions
	members  Members
	mailbox  Mailbox
	audit    audit.Sink
	clock    clock.Clock
	log      *zerolog.Logger
}

// New builds a router.
func New(cfg Config, sessions Sessions, members Members, mailbox Mailbox, sink audit.Sink, clk clock.Clock, logger *zerolog.Logger) *Router {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 2 * time.Second
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	l := logger.With().Str("component", "router").Logger()
	return &Router{
		cfg:      cfg,
		sessions: sessions,
		members:  members,
		mailbox:  mailbox,
		audit:    sink,
		clock:    clk,
		log:      &l,
	}
}

// Recipients returns the users a message is routed to. A room sender must be a member.
func (r *Router) Recipients(msg core.Message) ([]string, error) {
	if !msg.Target.IsRoom() {
		return []string{msg.Target.UserID}, nil
	}
	if !r.members.IsMember(msg.Target.RoomID, msg.SenderID) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotAMember, msg.Target.RoomID)
	}
	members := r.members.MembersOf(msg.Target.RoomID)
	if r.cfg.EchoSender {
		return members, nil
	}
	return lo.Without(members, msg.SenderID), nil
}

// Route delivers msg to every recipient. Recipients are served independently
// and are not cancelled by ctx; only a failure to queue a message for an
// offline recipient fails the route.
func (r *Router) Route(ctx context.Context, msg core.Message) (Outcome, error) {
	recipients, err := r.Recipients(msg)
	if err != nil {
		return Outcome{}, err
	}

	detached := context.WithoutCancel(ctx)
	results := make([]recipientOutcome, len(recipients))
	var wg sync.WaitGroup
	for i, userID := range recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.deliverTo(detached, userID, msg)
		}()
	}
	wg.Wait()

	out := Outcome{Recipients: len(recipients)}
	var errs []error
	for _, res := range results {
		out.Delivered += res.delivered
		out.SlowConsumers += res.slow
		if res.queued {
			out.Queued++
		}
		if res.err != nil {
			errs = append(errs, res.err)
		}
	}
	return out, errors.Join(errs...)
}

func (r *Router) deliverTo(ctx context.Context, userID string, msg core.Message) recipientOutcome {
	var res recipientOutcome
	d := core.Delivery{Kind: core.DeliveryMessage, Message: msg.WithState(core.DeliveryDelivered)}

	live, err := r.sessions.Targets(userID, d, func() error {
		res.queued = true
		return r.enqueue(ctx, userID, msg, "no live session")
	})
	if err != nil {
		res.err = err
		return res
	}

	var mu sync.Mutex
	var failed int
	var wg sync.WaitGroup
	for _, sess := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushCtx, cancel := context.WithTimeout(ctx, r.cfg.PushTimeout)
			defer cancel()

			err := sess.Push(pushCtx, d)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.delivered++
				r.publish(ctx, audit.KindDelivered, msg, userID, sess.ID, "")
			case errors.Is(err, core.ErrDeliveryTimeout):
				res.slow++
				failed++
				r.log.Warn().
					Str("session_id", sess.ID).
					Str("user_id", userID).
					Dur("push_timeout", r.cfg.PushTimeout).
					Msg("push timed out, evicting slow consumer")
				r.sessions.Remove(sess.ID, core.CloseSlowConsumer)
				r.publish(ctx, audit.KindSlowConsumer, msg, userID, sess.ID, err.Error())
			default:
				failed++
			}
		}()
	}
	wg.Wait()

	if failed > 0 {
		res.queued = true
		if err := r.enqueue(ctx, userID, msg, "push failed"); err != nil {
			res.err = err
		}
	}
	return res
}

func (r *Router) enqueue(ctx context.Context, userID string, msg core.Message, reason string) error {
	if _, err := r.mailbox.Enqueue(ctx, userID, msg.WithState(core.DeliveryQueued)); err != nil {
		r.publish(ctx, audit.KindFailed, msg, userID, "", err.Error())
		return fmt.Errorf("queue for %s: %w", userID, err)
	}
	r.publish(ctx, audit.KindQueued, msg, userID, "", reason)
	return nil
}

func (r *Router) publish(ctx context.Context, kind audit.Kind, msg core.Message, recipient, sessionID, reason string) {
	ev := audit.Event{
		Kind:        kind,
		Scope:       msg.Scope.String(),
		MessageID:   msg.Seq,
		SenderID:    msg.SenderID,
		RecipientID: recipient,
		SessionID:   sessionID,
		Reason:      reason,
		At:          r.clock.Now(),
	}
	if err := r.audit.Publish(ctx, ev); err != nil {
		r.log.Warn().Err(err).Msg("audit publish failed")
	}
}
