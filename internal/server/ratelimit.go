// In-memory sliding-window rate limiting. Single-node by design, matching
// the single-binary sqlite deployment; a distributed deployment would move
// the counters to a shared store.
package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	rateLimitWindow = time.Minute

	// Per identifier, per window. Authenticated agents are keyed by device
	// id; everything else is keyed by client IP, with registration kept
	// tight because it is the one unauthenticated write.
	agentDeviceLimit    = 100
	agentRegisterLimit  = 10
	dashboardLimit      = 100
	rateLimitSweepEvery = 5 * time.Minute
)

type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	requests  map[string][]time.Time
	lastSweep time.Time
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:    window,
		requests:  make(map[string][]time.Time),
		lastSweep: time.Now(),
	}
}

// allow records one request for id and reports whether it fits the limit.
func (l *rateLimiter) allow(id string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	kept := l.requests[id][:0]
	for _, at := range l.requests[id] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= limit {
		l.requests[id] = kept
		return false
	}
	l.requests[id] = append(kept, now)

	if now.Sub(l.lastSweep) > rateLimitSweepEvery {
		l.sweep(cutoff)
		l.lastSweep = now
	}
	return true
}

// sweep drops identifiers with no requests inside the window so idle
// clients do not pin map entries forever. Caller holds the lock.
func (l *rateLimiter) sweep(cutoff time.Time) {
	for id, times := range l.requests {
		live := false
		for _, at := range times {
			if at.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, id)
		}
	}
}

// rateLimitMiddleware throttles per device id on authenticated agent routes
// and per client IP everywhere else. Separate buckets keep a chatty fleet
// from starving the dashboard and vice versa.
func rateLimitMiddleware() gin.HandlerFunc {
	agents := newRateLimiter(rateLimitWindow)
	dashboard := newRateLimiter(rateLimitWindow)

	return func(c *gin.Context) {
		var (
			limiter *rateLimiter
			id      string
			limit   int
		)
		switch {
		case strings.HasPrefix(c.FullPath(), "/v1/agents/:device_id"):
			limiter, id, limit = agents, c.Param("device_id"), agentDeviceLimit
		case c.FullPath() == "/v1/agents/register":
			limiter, id, limit = agents, c.ClientIP(), agentRegisterLimit
		default:
			limiter, id, limit = dashboard, c.ClientIP(), dashboardLimit
		}

		if !limiter.allow(id, limit) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			return
		}
		c.Next()
	}
}
