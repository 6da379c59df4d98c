package httpapi

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// UserLimiter keeps one token bucket per user. Buckets idle for longer than
// the idle TTL are forgotten.
type UserLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewUserLimiter allows rps requests per second per user with the given
// burst. A non-positive rps disables limiting.
func NewUserLimiter(rps float64, burst, maxUsers int, idle time.Duration) *UserLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if maxUsers <= 0 {
		maxUsers = 10000
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &UserLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxUsers, nil, idle),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether userID may make a request now. A nil limiter allows
// everything.
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(userID)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle expiry.
	l.limiters.Add(userID, lim)
	l.mu.Unlock()
	return lim.Allow()
}
