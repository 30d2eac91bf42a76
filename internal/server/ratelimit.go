package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultBurst         = 10
	limiterTTL           = 10 * time.Minute
	limiterCleanupPeriod = time.Minute
	codeRateLimited      = "http.rate_limited"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per client key. Idle buckets are evicted
// during lookups once per cleanup period.
type limiterPool struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	limit       rate.Limit
	burst       int
	now         func() time.Time
	lastCleanup time.Time
}

func newLimiterPool(cfg RateLimitConfig) *limiterPool {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &limiterPool{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		now:     time.Now,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastCleanup) >= limiterCleanupPeriod {
		cutoff := now.Add(-limiterTTL)
		for candidate, entry := range p.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(p.entries, candidate)
			}
		}
		p.lastCleanup = now
	}
	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func rateLimitMiddleware(pool *limiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pool.allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Status:  statusError,
				Message: "Too many requests",
				Code:    codeRateLimited,
			})
			return
		}
		c.Next()
	}
}
