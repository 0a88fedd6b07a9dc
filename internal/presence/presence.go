package presence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// Counter reports how many sessions a user holds.
type Counter interface {
	Count(userID string) int
}

type entry struct {
	mu        sync.Mutex
	state     core.PresenceState
	timer     *clock.Timer
	gen       uint64
	lastClose time.Time
}

// Tracker derives per-user presence from the session lifecycle.
// Going offline is debounced; coming online is immediate.
type Tracker struct {
	counter  Counter
	clock    clock.Clock
	debounce time.Duration
	log      *zerolog.Logger

	users *xsync.MapOf[string, *entry]

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}
}

var _ session.Listener = (*Tracker)(nil)

// NewTracker builds a tracker. Register it with the session registry.
func NewTracker(counter Counter, debounce time.Duration, clk clock.Clock, logger *zerolog.Logger) *Tracker {
	l := logger.With().Str("component", "presence").Logger()
	return &Tracker{
		counter:  counter,
		clock:    clk,
		debounce: debounce,
		log:      &l,
		users:    xsync.NewMapOf[string, *entry](),
		subs:     make(map[*Subscription]struct{}),
	}
}

func (t *Tracker) entry(userID string) *entry {
	e, _ := t.users.LoadOrCompute(userID, func() *entry {
		return &entry{state: core.PresenceState{UserID: userID, Status: core.StatusOffline}}
	})
	return e
}

// SessionOpened implements session.Listener. Open events that arrive after
// the user's last session was removed are ignored.
func (t *Tracker) SessionOpened(s *session.Session) {
	e := t.entry(s.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.counter.Count(s.UserID) == 0 {
		return
	}
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.state.Status == core.StatusOnline {
		return
	}
	e.state.Status = core.StatusOnline
	t.publish(e.state)
}

// SessionClosed implements session.Listener.
func (t *Tracker) SessionClosed(s *session.Session, _ core.CloseReason) {
	if t.counter.Count(s.UserID) > 0 {
		return
	}

	e := t.entry(s.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastClose = t.clock.Now()
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = t.clock.AfterFunc(t.debounce, func() {
		t.expire(s.UserID, gen)
	})
}

func (t *Tracker) expire(userID string, gen uint64) {
	e := t.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != gen {
		return
	}
	e.timer = nil
	if t.counter.Count(userID) > 0 || e.state.Status == core.StatusOffline {
		return
	}
	e.state.Status = core.StatusOffline
	e.state.LastSeenAt = e.lastClose
	t.log.Debug().Str("user_id", userID).Time("last_seen_at", e.lastClose).Msg("user offline")
	t.publish(e.state)
}

// Get returns the presence of a user. Unknown users are offline.
func (t *Tracker) Get(userID string) core.PresenceState {
	e, ok := t.users.Load(userID)
	if !ok {
		return core.PresenceState{UserID: userID, Status: core.StatusOffline}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscription receives presence changes. A subscriber that does not keep up
// loses notifications rather than slowing the tracker down.
type Subscription struct {
	tracker *Tracker
	ch      chan core.PresenceState
	dropped atomic.Int64

	mu     sync.RWMutex
	filter map[string]struct{}
	closed bool
}

// Subscribe registers a subscription. With no user ids it receives every change.
func (t *Tracker) Subscribe(buffer int, userIDs ...string) *Subscription {
	sub := &Subscription{tracker: t, ch: make(chan core.PresenceState, buffer)}
	sub.Watch(userIDs...)

	t.subsMu.Lock()
	t.subs[sub] = struct{}{}
	t.subsMu.Unlock()
	return sub
}

func (t *Tracker) publish(state core.PresenceState) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()
	for sub := range t.subs {
		sub.offer(state)
	}
}

// Changes is the notification channel. It is closed by Close.
func (s *Subscription) Changes() <-chan core.PresenceState {
	return s.ch
}

// Watch narrows the subscription to the given users, adding to any earlier set.
func (s *Subscription) Watch(userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter == nil {
		s.filter = make(map[string]struct{}, len(userIDs))
	}
	for _, id := range userIDs {
		s.filter[id] = struct{}{}
	}
}

// Dropped counts notifications lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) offer(state core.PresenceState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if s.filter != nil {
		if _, ok := s.filter[state.UserID]; !ok {
			return
		}
	}
	select {
	case s.ch <- state:
	default:
		s.dropped.Add(1)
	}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.tracker.subsMu.Lock()
	delete(s.tracker.subs, s)
	s.tracker.subsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
