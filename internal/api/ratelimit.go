package api

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether a principal may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucketLimiter is an in-process RateLimiter. Each key gets limit tokens
// refilled evenly over period.
type TokenBucketLimiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucketLimiter creates a limiter allowing limit requests per period
func NewTokenBucketLimiter(limit int, period time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limit:   limit,
		period:  period,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow takes one token from key's bucket if one is left
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: l.limit, lastRefill: now}
		l.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= l.period {
		bucket.tokens = l.limit
		bucket.lastRefill = now
	} else if add := int(elapsed.Nanoseconds() * int64(l.limit) / l.period.Nanoseconds()); add > 0 {
		bucket.tokens = min(bucket.tokens+add, l.limit)
		bucket.lastRefill = now
	}

	if bucket.tokens == 0 {
		return false, nil
	}
	bucket.tokens--
	return true, nil
}

// Prune drops buckets idle for longer than maxIdle.
func (l *TokenBucketLimiter) Prune(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	for key, bucket := range l.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// StartPruning prunes idle buckets every interval until ctx is done.
func (l *TokenBucketLimiter) StartPruning(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Prune(24 * time.Hour)
			}
		}
	}()
}
