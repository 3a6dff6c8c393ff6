// Package ratelimit provides a token bucket for capping transfer bandwidth.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket over bytes per second. Adapted from a
// request-counting token bucket: same refill-on-acquire arithmetic,
// generalized so a single Wait call can consume many tokens (the bytes
// about to be read) instead of exactly one.
type Limiter struct {
	mu sync.Mutex

	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewLimiter builds a Limiter capped at bytesPerSec, with burst capacity
// equal to one second's worth of traffic at that rate.
func NewLimiter(bytesPerSec int64) *Limiter {
	rate := float64(bytesPerSec)
	return &Limiter{
		tokens:     rate,
		maxTokens:  rate,
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Wait blocks until n tokens are available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	need := float64(n)
	for {
		wait, ok := l.tryAcquire(need)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *Limiter) tryAcquire(need float64) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now

	// A burst larger than the bucket's own capacity can never be satisfied
	// by refill alone; let it drain the bucket to zero and proceed rather
	// than wait forever.
	if need > l.maxTokens {
		l.tokens = 0
		return 0, true
	}

	if l.tokens >= need {
		l.tokens -= need
		return 0, true
	}

	deficit := need - l.tokens
	wait := time.Duration(deficit / l.refillRate * float64(time.Second))
	return wait, false
}
