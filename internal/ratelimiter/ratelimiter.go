package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every caller.
//
// A zero requestsPerSecond disables limiting entirely.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained and burst at once.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Keyed hands out one token bucket per key (a sync device id on the hub).
//
// Buckets are created lazily with the same rate and burst. Keyed is safe for
// concurrent use.
type Keyed struct {
	requestsPerSecond uint
	burst             uint

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewKeyed creates a per-key limiter set.
func NewKeyed(requestsPerSecond, burst uint) *Keyed {
	return &Keyed{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		limiters:          make(map[string]*RateLimiter),
	}
}

// For returns the bucket for key, creating it on first use.
func (k *Keyed) For(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = New(k.requestsPerSecond, k.burst)
		k.limiters[key] = l
	}
	return l
}

// Allow consumes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	return k.For(key).Allow()
}

// Forget drops the bucket for key, e.g. when a device disconnects.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
