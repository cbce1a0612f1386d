package middleware

import (
	"context"
	"sync"
	"time"

	pkgerrors "execbox/pkg/errors"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idleTTL"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter keeps one token bucket per client key.
type ClientRateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewClientRateLimiter returns nil when RPS is not positive.
func NewClientRateLimiter(cfg RateLimitConfig) *ClientRateLimiter {
	if cfg.RPS <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS) + 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	return &ClientRateLimiter{cfg: cfg, visitors: make(map[string]*visitor)}
}

// Allow spends one token from key's bucket.
func (l *ClientRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Evict drops buckets idle for longer than IdleTTL.
func (l *ClientRateLimiter) Evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.cfg.IdleTTL {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// Run evicts idle buckets every minute until ctx ends.
func (l *ClientRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Evict(now)
		}
	}
}

// RateLimitMiddleware keys buckets by authenticated user, falling back to client IP.
func RateLimitMiddleware(limiter *ClientRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if userID, ok := c.Get(userIDContextKey); ok {
			if s, ok := userID.(string); ok && s != "" {
				key = "user:" + s
			}
		}
		if !limiter.Allow(key) {
			response.AbortWithErrorCode(c, pkgerrors.TooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
