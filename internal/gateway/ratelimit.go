package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter tracks one token bucket per client key. rpm <= 0 disables
// limiting entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is in effect.
func (l *RateLimiter) Enabled() bool { return l.rpm > 0 }

// Allow consumes one token for key, creating the bucket on first use.
func (l *RateLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.rpm)), l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
