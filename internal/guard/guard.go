package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/session"
)

// Kicker removes sessions that keep breaking the limits.
type Kicker interface {
	Remove(sessionID string, reason core.CloseReason) bool
}

// Config holds the per-session limits.
type Config struct {
	// Rate is the refill rate in messages per second. Zero disables rate limiting.
	Rate            float64       `mapstructure:"rate" yaml:"rate"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	RejectThreshold int           `mapstructure:"reject_threshold" yaml:"reject_threshold"`
	RejectWindow    time.Duration `mapstructure:"reject_window" yaml:"reject_window"`
}

type bucket struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	rejections []time.Time
}

// Guard enforces a token bucket and a size cap per session.
type Guard struct {
	cfg     Config
	clock   clock.Clock
	kicker  Kicker
	log     *zerolog.Logger
	buckets *xsync.MapOf[string, *bucket]
}

var _ session.Listener = (*Guard)(nil)

// New builds a guard. Register it with the session registry so buckets follow
// the session lifecycle.
func New(cfg Config, kicker Kicker, clk clock.Clock, logger *zerolog.Logger) *Guard {
	l := logger.With().Str("component", "guard").Logger()
	return &Guard{
		cfg:     cfg,
		clock:   clk,
		kicker:  kicker,
		log:     &l,
		buckets: xsync.NewMapOf[string, *bucket](),
	}
}

func (g *Guard) newBucket() *bucket {
	limit := rate.Inf
	if g.cfg.Rate > 0 {
		limit = rate.Limit(g.cfg.Rate)
	}
	burst := g.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &bucket{limiter: rate.NewLimiter(limit, burst)}
}

func (g *Guard) bucket(sessionID string) *bucket {
	b, _ := g.buckets.LoadOrCompute(sessionID, g.newBucket)
	return b
}

// SessionOpened implements session.Listener. Done is checked after the
// bucket exists, so a removal racing with the open event never leaves one.
func (g *Guard) SessionOpened(s *session.Session) {
	g.bucket(s.ID)
	select {
	case <-s.Done():
		g.buckets.Delete(s.ID)
	default:
	}
}

// SessionClosed implements session.Listener.
func (g *Guard) SessionClosed(s *session.Session, _ core.CloseReason) {
	g.buckets.Delete(s.ID)
}

// Admit checks one inbound message of sizeBytes. A rejected message must not be
// sequenced or routed.
func (g *Guard) Admit(sessionID string, sizeBytes int) error {
	now := g.clock.Now()
	b := g.bucket(sessionID)

	var err error
	switch {
	case g.cfg.MaxMessageBytes > 0 && sizeBytes > g.cfg.MaxMessageBytes:
		err = fmt.Errorf("%w: %d bytes exceeds %d", core.ErrMessageTooLarge, sizeBytes, g.cfg.MaxMessageBytes)
	case !b.limiter.AllowN(now, 1):
		err = core.ErrRateLimited
	default:
		return nil
	}

	if g.escalate(b, now) {
		g.log.Warn().
			Str("session_id", sessionID).
			Int("threshold", g.cfg.RejectThreshold).
			Dur("window", g.cfg.RejectWindow).
			Msg("rejection threshold exceeded, kicking session")
		g.buckets.Delete(sessionID)
		g.kicker.Remove(sessionID, core.CloseForcedKick)
	}
	return err
}

// escalate records a rejection and reports whether the session crossed the threshold.
func (g *Guard) escalate(b *bucket, now time.Time) bool {
	if g.cfg.RejectThreshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-g.cfg.RejectWindow)
	kept := b.rejections[:0]
	for _, at := range b.rejections {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	b.rejections = append(kept, now)

	if len(b.rejections) > g.cfg.RejectThreshold {
		b.rejections = nil
		return true
	}
	return false
}

// Tracked returns the number of live buckets.
func (g *Guard) Tracked() int {
	return g.buckets.Size()
}
