package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Config holds sequencer settings.
type Config struct {
	DedupWindow     time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

// DeliverFunc routes a freshly sequenced message. It runs under the scope lock.
type DeliverFunc func(ctx context.Context, msg core.Message) error

// CheckFunc vets a new draft under the scope lock. A failed check takes no id.
type CheckFunc func(draft core.Draft) error

// Result of a Sequence call.
type Result struct {
	Message core.Message
	// Duplicate is set when the client token was already sequenced.
	Duplicate bool
}

// Halt describes a scope stopped after its counter misbehaved.
type Halt struct {
	Scope  core.Scope
	Reason string
	At     time.Time
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

// Sequencer assigns gap-free, strictly increasing ids per scope. Each scope
// has a single writer: increment and delivery happen under one lock.
type Sequencer struct {
	store store.MessageStore
	retry store.RetryPolicy
	cfg   Config
	clock clock.Clock
	log   *zerolog.Logger

	locks  *xsync.MapOf[core.Scope, *scopeLock]
	last   *xsync.MapOf[core.Scope, uint64]
	halted *xsync.MapOf[core.Scope, Halt]
}

// New builds a sequencer.
func New(st store.MessageStore, cfg Config, retry store.RetryPolicy, clk clock.Clock, logger *zerolog.Logger) *Sequencer {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Minute
	}
	l := logger.With().Str("component", "sequencer").Logger()
	return &Sequencer{
		store:  st,
		retry:  retry,
		cfg:    cfg,
		clock:  clk,
		log:    &l,
		locks:  xsync.NewMapOf[core.Scope, *scopeLock](),
		last:   xsync.NewMapOf[core.Scope, uint64](),
		halted: xsync.NewMapOf[core.Scope, Halt](),
	}
}

// lock acquires the scope lock. Lock entries are reference counted so that
// idle scopes do not accumulate.
func (s *Sequencer) lock(scope core.Scope) func() {
	l, _ := s.locks.Compute(scope, func(old *scopeLock, loaded bool) (*scopeLock, bool) {
		if !loaded {
			old = &scopeLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		s.locks.Compute(scope, func(old *scopeLock, _ bool) (*scopeLock, bool) {
			old.refs--
			return old, old.refs == 0
		})
	}
}

// Exclusive runs fn holding the lock of scope, so no message of the scope is
// sequenced or delivered meanwhile.
func (s *Sequencer) Exclusive(scope core.Scope, fn func() error) error {
	unlock := s.lock(scope)
	defer unlock()
	return fn()
}

// Sequence stamps a draft with the next id of its scope and hands it to
// deliver. A client token seen within the dedup window returns the message it
// was first sequenced as; delivery is repeated only if it never completed.
func (s *Sequencer) Sequence(ctx context.Context, draft core.Draft, deliver DeliverFunc) (Result, error) {
	return s.SequenceChecked(ctx, draft, nil, deliver)
}

// SequenceChecked is Sequence with check run right before a new id is taken.
func (s *Sequencer) SequenceChecked(ctx context.Context, draft core.Draft, check CheckFunc, deliver DeliverFunc) (Result, error) {
	if err := draft.Target.Validate(); err != nil {
		return Result{}, err
	}
	scope := draft.Target.ScopeFor(draft.SenderID)

	unlock := s.lock(scope)
	defer unlock()

	if h, ok := s.halted.Load(scope); ok {
		return Result{}, fmt.Errorf("%w: %s: %s", core.ErrScopeHalted, scope, h.Reason)
	}

	now := s.clock.Now()
	if draft.ClientToken != "" {
		res, found, err := s.replay(ctx, draft, now, deliver)
		if err != nil || found {
			return res, err
		}
	}
	if check != nil {
		if err := check(draft); err != nil {
			return Result{}, err
		}
	}

	last, err := s.lastSeq(ctx, scope)
	if err != nil {
		return Result{}, err
	}

	msg := core.Message{
		Scope:         scope,
		SenderID:      draft.SenderID,
		Target:        draft.Target,
		Content:       draft.Content,
		ClientToken:   draft.ClientToken,
		SentAt:        draft.SentAt,
		DeliveryState: core.DeliveryPending,
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}

	err = store.Retry(ctx, s.retry, func() error {
		return s.store.AppendMessage(ctx, &msg, now.Add(s.cfg.DedupWindow))
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return Result{}, s.halt(scope, fmt.Sprintf("id %d already taken", last+1))
	case err != nil:
		return Result{}, fmt.Errorf("sequence %s: %w", scope, err)
	case msg.Seq != last+1:
		return Result{}, s.halt(scope, fmt.Sprintf("counter moved from %d to %d", last, msg.Seq))
	}
	s.last.Store(scope, msg.Seq)

	if err := deliver(ctx, msg); err != nil {
		return Result{Message: msg}, err
	}
	s.markRouted(ctx, msg)
	return Result{Message: msg}, nil
}

// replay handles a client token that was already sequenced.
func (s *Sequencer) replay(ctx context.Context, draft core.Draft, now time.Time, deliver DeliverFunc) (Result, bool, error) {
	var rec *store.TokenRecord
	err := store.Retry(ctx, s.retry, func() error {
		var err error
		rec, err = s.store.LookupToken(ctx, draft.SenderID, draft.ClientToken, now)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup client token: %w", err)
	}

	var stored *core.Message
	err = store.Retry(ctx, s.retry, func() error {
		var err error
		stored, err = s.store.GetMessage(ctx, core.MessageRef{Scope: rec.Scope, Seq: rec.Seq})
		return err
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("load message for client token: %w", err)
	}

	msg := stored.WithState(core.DeliveryPending)
	res := Result{Message: msg, Duplicate: true}
	if rec.Routed {
		return res, true, nil
	}

	s.log.Info().
		Str("scope", msg.Scope.String()).
		Uint64("seq", msg.Seq).
		Str("sender_id", msg.SenderID).
		Msg("resuming delivery of resent message")
	if err := deliver(ctx, msg); err != nil {
		return res, true, err
	}
	s.markRouted(ctx, msg)
	return res, true, nil
}

func (s *Sequencer) markRouted(ctx context.Context, msg core.Message) {
	if msg.ClientToken == "" {
		return
	}
	err := store.Retry(ctx, s.retry, func() error {
		return s.store.MarkRouted(ctx, msg.SenderID, msg.ClientToken)
	})
	if err != nil {
		// A resend will route again, which recipients tolerate.
		s.log.Warn().Err(err).Str("scope", msg.Scope.String()).Uint64("seq", msg.Seq).Msg("mark routed failed")
	}
}

func (s *Sequencer) lastSeq(ctx context.Context, scope core.Scope) (uint64, error) {
	if last, ok := s.last.Load(scope); ok {
		return last, nil
	}
	var last uint64
	err := store.Retry(ctx, s.retry, func() error {
		var err error
		last, err = s.store.LastSeq(ctx, scope)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load counter of %s: %w", scope, err)
	}
	return last, nil
}

func (s *Sequencer) halt(scope core.Scope, reason string) error {
	h := Halt{Scope: scope, Reason: reason, At: s.clock.Now()}
	s.halted.Store(scope, h)
	s.last.Delete(scope)
	s.log.Error().
		Str("scope", scope.String()).
		Str("reason", reason).
		Msg("ALERT: sequencer counter inconsistent, scope halted")
	return fmt.Errorf("%w: %s: %s", core.ErrScopeHalted, scope, reason)
}

// Halted lists halted scopes.
func (s *Sequencer) Halted() []Halt {
	var out []Halt
	s.halted.Range(func(_ core.Scope, h Halt) bool {
		out = append(out, h)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Resume lifts a halt once an operator repaired the scope. The counter is
// re-read from the store on the next send.
func (s *Sequencer) Resume(scope core.Scope) bool {
	unlock := s.lock(scope)
	defer unlock()

	_, ok := s.halted.LoadAndDelete(scope)
	s.last.Delete(scope)
	if ok {
		s.log.Warn().Str("scope", scope.String()).Msg("scope resumed")
	}
	return ok
}

// History returns stored messages of a scope, newest first.
func (s *Sequencer) History(ctx context.Context, scope core.Scope, limit int, beforeSeq uint64) ([]core.Message, error) {
	var msgs []core.Message
	err := store.Retry(ctx, s.retry, func() error {
		var err error
		msgs, err = s.store.ListMessages(ctx, scope, limit, beforeSeq)
		return err
	})
	return msgs, err
}

// RunJanitor purges expired client tokens until ctx is done.
func (s *Sequencer) RunJanitor(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.purge(ctx); err != nil {
				s.log.Error().Err(err).Msg("client token purge failed")
			}
		}
	}
}

func (s *Sequencer) purge(ctx context.Context) (int, error) {
	var n int
	err := store.Retry(ctx, s.retry, func() error {
		var err error
		n, err = s.store.PurgeTokens(ctx, s.clock.Now())
		return err
	})
	if n > 0 {
		s.log.Debug().Int("tokens", n).Msg("expired client tokens purged")
	}
	return n, err
}
