// Package ratelimit throttles ad requests per user with token buckets.
//
// A bucket allows bursts up to its capacity while holding the sustained
// rate to the refill rate, which keeps a single misbehaving client from
// flooding the eligibility pipeline and its history reads.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var nowFn = time.Now

// TokenBucket wraps a rate.Limiter with usage counters. Each Allow consumes
// one token.
type TokenBucket struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastUsed time.Time
	limited  int64
	total    int64
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(refillRate), capacity),
		lastUsed: nowFn(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	now := nowFn()
	ok := tb.limiter.AllowN(now, 1)

	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.total++
	tb.lastUsed = now
	if !ok {
		tb.limited++
	}
	return ok
}

// Stats returns how many requests were limited out of the total seen.
func (tb *TokenBucket) Stats() (limited, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limited, tb.total
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}
