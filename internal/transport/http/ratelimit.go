package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

const limiterIdleTTL = 10 * time.Minute

type addrLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// upgradeLimiter throttles WebSocket handshakes per client address.
type upgradeLimiter struct {
	perMinute int
	limiters  *xsync.MapOf[string, *addrLimiter]

	mu        sync.Mutex
	lastPrune time.Time
	now       func() time.Time
}

func newUpgradeLimiter(perMinute int) *upgradeLimiter {
	return &upgradeLimiter{
		perMinute: perMinute,
		limiters:  xsync.NewMapOf[string, *addrLimiter](),
		now:       time.Now,
	}
}

func (u *upgradeLimiter) allow(addr string) bool {
	if u == nil || u.perMinute <= 0 {
		return true
	}
	now := u.now()
	u.prune(now)

	l, _ := u.limiters.LoadOrCompute(addr, func() *addrLimiter {
		return &addrLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(u.perMinute)), u.perMinute)}
	})
	u.mu.Lock()
	l.lastSeen = now
	u.mu.Unlock()
	return l.limiter.AllowN(now, 1)
}

// prune forgets addresses that have been quiet for a while.
func (u *upgradeLimiter) prune(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if now.Sub(u.lastPrune) < time.Minute {
		return
	}
	u.lastPrune = now
	u.limiters.Range(func(addr string, l *addrLimiter) bool {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			u.limiters.Delete(addr)
		}
		return true
	})
}

// UpgradeLimitMiddleware rejects handshakes from addresses over the limit.
func UpgradeLimitMiddleware(perMinute int, logger *zerolog.Logger) gin.HandlerFunc {
	limiter := newUpgradeLimiter(perMinute)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			logger.Warn().Str("remote", c.ClientIP()).Msg("ws upgrade rate limited")
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many connection attempts", Code: core.ErrCodeRateLimited})
			c.Abort()
			return
		}
		c.Next()
	}
}
