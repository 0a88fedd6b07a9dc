package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

// Verifier resolves an authentication token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Listener observes the session lifecycle. Callbacks run synchronously
// after the registry released its locks. They must not wait on other
// sessions. SessionOpened may arrive after SessionClosed for the same
// session when a removal races with admission.
type Listener interface {
	SessionOpened(s *Session)
	SessionClosed(s *Session, reason core.CloseReason)
}

// Config holds the registry settings.
type Config struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	BanDuration   time.Duration `mapstructure:"ban_duration" yaml:"ban_duration"`
	OutboxSize    int           `mapstructure:"outbox_size" yaml:"outbox_size"`
}

// userEntry groups the sessions of one user. A dead entry has been unlinked
// from the registry and must not be used.
type userEntry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	dead     bool
}

// Registry owns every admitted session.
type Registry struct {
	verifier Verifier
	clock    clock.Clock
	log      *zerolog.Logger
	cfg      Config

	idleTimeout atomic.Int64
	sessions    *xsync.MapOf[string, *Session]
	users       *xsync.MapOf[string, *userEntry]
	bans        *xsync.MapOf[string, time.Time]

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewRegistry builds an empty registry.
func NewRegistry(verifier Verifier, cfg Config, clk clock.Clock, logger *zerolog.Logger) *Registry {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	l := logger.With().Str("component", "session").Logger()
	r := &Registry{
		verifier: verifier,
		clock:    clk,
		log:      &l,
		cfg:      cfg,
		sessions: xsync.NewMapOf[string, *Session](),
		users:    xsync.NewMapOf[string, *userEntry](),
		bans:     xsync.NewMapOf[string, time.Time](),
	}
	r.idleTimeout.Store(int64(cfg.IdleTimeout))
	return r
}

// AddListener registers a lifecycle listener.
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

func (r *Registry) notifyOpened(s *Session) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, l := range r.listeners {
		l.SessionOpened(s)
	}
}

func (r *Registry) notifyClosed(s *Session, reason core.CloseReason) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, l := range r.listeners {
		l.SessionClosed(s, reason)
	}
}

// lockUser returns the locked entry of a user, creating it when needed.
func (r *Registry) lockUser(userID string) *userEntry {
	for {
		e, _ := r.users.LoadOrCompute(userID, func() *userEntry {
			return &userEntry{sessions: make(map[string]*Session)}
		})
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (r *Registry) unlockUser(userID string, e *userEntry) {
	if len(e.sessions) == 0 {
		e.dead = true
		r.users.Delete(userID)
	}
	e.mu.Unlock()
}

// Admit authenticates a connection and registers a draining session for it.
func (r *Registry) Admit(ctx context.Context, conn Conn, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", core.ErrAuthRejected)
	}
	userID, err := r.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, core.ErrAuthRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrAuthRejected, err)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: token carries no user", core.ErrAuthRejected)
	}

	now := r.clock.Now()
	sess := newSession(uuid.NewString(), userID, conn, now, r.cfg.OutboxSize)

	e := r.lockUser(userID)
	if r.banned(userID, now) {
		r.unlockUser(userID, e)
		return nil, core.ErrBanned
	}
	e.sessions[sess.ID] = sess
	r.sessions.Store(sess.ID, sess)
	r.unlockUser(userID, e)

	r.log.Info().Str("session_id", sess.ID).Str("user_id", userID).Msg("session admitted")
	r.notifyOpened(sess)
	return sess, nil
}

// Remove closes and unregisters a session. It reports whether the session was
// still registered. Removing with CloseForcedBan also bars the user for the
// configured ban duration.
func (r *Registry) Remove(sessionID string, reason core.CloseReason) bool {
	if reason == core.CloseForcedBan {
		if sess, ok := r.sessions.Load(sessionID); ok {
			r.bans.Store(sess.UserID, r.clock.Now().Add(r.cfg.BanDuration))
		}
	}
	return r.remove(sessionID, reason)
}

func (r *Registry) remove(sessionID string, reason core.CloseReason) bool {
	sess, ok := r.sessions.LoadAndDelete(sessionID)
	if !ok {
		return false
	}

	e := r.lockUser(sess.UserID)
	delete(e.sessions, sessionID)
	r.unlockUser(sess.UserID, e)

	sess.close(reason)
	r.log.Info().
		Str("session_id", sessionID).
		Str("user_id", sess.UserID).
		Str("reason", string(reason)).
		Msg("session removed")
	r.notifyClosed(sess, reason)
	return true
}

// Ban bars a user from admission for d and removes all of their sessions.
// It returns the number of sessions closed.
func (r *Registry) Ban(userID string, d time.Duration) int {
	r.bans.Store(userID, r.clock.Now().Add(d))

	e := r.lockUser(userID)
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	r.unlockUser(userID, e)

	closed := 0
	for _, id := range ids {
		if r.remove(id, core.CloseForcedBan) {
			closed++
		}
	}
	r.log.Warn().Str("user_id", userID).Dur("duration", d).Int("sessions", closed).Msg("user banned")
	return closed
}

// Unban lifts a ban.
func (r *Registry) Unban(userID string) {
	r.bans.Delete(userID)
}

// Banned reports whether the user is currently barred.
func (r *Registry) Banned(userID string) bool {
	return r.banned(userID, r.clock.Now())
}

func (r *Registry) banned(userID string, now time.Time) bool {
	until, ok := r.bans.Load(userID)
	return ok && now.Before(until)
}

// Get returns an admitted session.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	return r.sessions.Load(sessionID)
}

// ActiveSessionsFor returns the admitted sessions of a user, oldest first.
func (r *Registry) ActiveSessionsFor(userID string) []*Session {
	e, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return nil
	}
	return sortedSessions(e.sessions)
}

// Count returns the number of admitted sessions of a user.
func (r *Registry) Count(userID string) int {
	e, ok := r.users.Load(userID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0
	}
	return len(e.sessions)
}

// List returns every admitted session, oldest first.
func (r *Registry) List() []*Session {
	all := make(map[string]*Session, r.sessions.Size())
	r.sessions.Range(func(id string, s *Session) bool {
		all[id] = s
		return true
	})
	return sortedSessions(all)
}

func sortedSessions(m map[string]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string) {
	if sess, ok := r.sessions.Load(sessionID); ok {
		sess.touch(r.clock.Now())
	}
}

// Targets resolves where a delivery for userID goes. Live sessions are
// returned to the caller for pushing; draining sessions buffer it until they
// activate. When the user has no live session, offline runs under the user's
// lock and nil is returned.
func (r *Registry) Targets(userID string, d core.Delivery, offline func() error) ([]*Session, error) {
	e := r.lockUser(userID)
	defer r.unlockUser(userID, e)

	var live, draining []*Session
	for _, s := range e.sessions {
		switch {
		case s.Live():
			live = append(live, s)
		case s.Draining():
			draining = append(draining, s)
		}
	}

	if len(live) == 0 {
		return nil, offline()
	}
	for _, s := range draining {
		s.hold(d)
	}
	return live, nil
}

// Activate makes a draining session live. pending reports whether the mailbox
// still holds entries the session has not replayed; in that case nothing
// changes and false is returned so the caller keeps draining. Otherwise the
// held back deliveries are flushed and the session turns live.
func (r *Registry) Activate(ctx context.Context, sess *Session, pending func() (bool, error)) (bool, error) {
	e := r.lockUser(sess.UserID)
	defer r.unlockUser(sess.UserID, e)

	if _, ok := e.sessions[sess.ID]; !ok {
		return false, core.ErrSessionClosed
	}

	more, err := pending()
	if err != nil {
		return false, err
	}
	if more {
		return false, nil
	}

	for _, d := range sess.takeHoldback() {
		if err := sess.Push(ctx, d); err != nil {
			return false, err
		}
	}
	return sess.setLive(), nil
}

// IdleTimeout returns the current idle threshold.
func (r *Registry) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}

// SetIdleTimeout changes the idle threshold at runtime. Zero disables the sweep.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.idleTimeout.Store(int64(d))
	r.log.Info().Dur("idle_timeout", d).Msg("idle timeout updated")
}

// RunIdleSweep removes idle sessions until ctx is done.
func (r *Registry) RunIdleSweep(ctx context.Context) error {
	ticker := r.clock.Ticker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() int {
	now := r.clock.Now()

	r.bans.Range(func(userID string, until time.Time) bool {
		if !now.Before(until) {
			r.bans.Delete(userID)
		}
		return true
	})

	timeout := r.IdleTimeout()
	if timeout <= 0 {
		return 0
	}
	cutoff := now.Add(-timeout)

	var idle []string
	r.sessions.Range(func(id string, s *Session) bool {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
		return true
	})

	removed := 0
	for _, id := range idle {
		if r.remove(id, core.CloseIdleTimeout) {
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug().Int("sessions", removed).Msg("idle sessions removed")
	}
	return removed
}

// CloseAll removes every session, used on shutdown.
func (r *Registry) CloseAll(reason core.CloseReason) {
	r.sessions.Range(func(id string, _ *Session) bool {
		r.remove(id, reason)
		return true
	})
}
