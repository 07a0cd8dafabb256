package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickwarner/adengine/internal/observability"
)

// Config holds the limiter settings.
type Config struct {
	Capacity   int     // burst allowance per user
	RefillRate float64 // sustained requests per second per user
	Enabled    bool
}

// UserLimiter keeps one token bucket per user id, created lazily.
type UserLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  Config
	metrics observability.MetricsRegistry
}

// NewUserLimiter returns a limiter. A nil metrics registry is replaced by a no-op.
func NewUserLimiter(config Config, metrics observability.MetricsRegistry) *UserLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &UserLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
	}
}

// Enabled reports whether Allow can ever return false.
func (l *UserLimiter) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Allow reports whether endpoint may serve another request for userID.
// A disabled or nil limiter allows everything.
func (l *UserLimiter) Allow(endpoint, userID string) bool {
	if !l.Enabled() {
		return true
	}

	if l.allow(userID) {
		return true
	}
	l.metrics.IncrementRateLimited(endpoint)
	return false
}

// allow consumes from the user's bucket while holding the map lock, so Prune
// can never drop a bucket between lookup and consumption.
func (l *UserLimiter) allow(userID string) bool {
	l.mu.RLock()
	if bucket, ok := l.buckets[userID]; ok {
		defer l.mu.RUnlock()
		return bucket.Allow()
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = NewTokenBucket(l.config.Capacity, l.config.RefillRate)
		l.buckets[userID] = bucket
	}
	return bucket.Allow()
}

// Prune drops buckets unused for longer than idle and returns how many were
// removed. A bucket idle that long has refilled completely, so dropping it
// does not change any future decision.
func (l *UserLimiter) Prune(idle time.Duration) int {
	if !l.Enabled() {
		return 0
	}
	cutoff := nowFn().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for user, b := range l.buckets {
		if b.idleSince().Before(cutoff) {
			delete(l.buckets, user)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (l *UserLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// IdleAfter returns the configured refill horizon, see Config.IdleAfter.
func (l *UserLimiter) IdleAfter() time.Duration {
	return l.config.IdleAfter()
}

// IdleAfter is how long a bucket takes to refill from empty. Buckets idle
// at least that long are safe to Prune.
func (c Config) IdleAfter() time.Duration {
	if c.RefillRate <= 0 {
		return time.Hour
	}
	return time.Duration(float64(c.Capacity)/c.RefillRate*float64(time.Second)) + time.Second
}
