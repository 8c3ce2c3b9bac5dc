// Package ratelimit provides per-client admission control for store-backed endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its quota.
var ErrRateLimited = errors.New("rate limit exceeded")

// Quota grants Requests permits per Period, refilled evenly over the period.
type Quota struct {
	Requests int
	Period   time.Duration
}

// PerMinute returns a quota of n requests per minute.
func PerMinute(n int) Quota {
	return Quota{Requests: n, Period: time.Minute}
}

func (q Quota) String() string {
	return fmt.Sprintf("%d requests per %s", q.Requests, q.Period)
}

// Validate checks that the quota can back a token bucket.
func (q Quota) Validate() error {
	if q.Requests <= 0 {
		return fmt.Errorf("quota requests must be positive, got %d", q.Requests)
	}
	if q.Period <= 0 {
		return fmt.Errorf("quota period must be positive, got %s", q.Period)
	}
	return nil
}

func (q Quota) refillInterval() time.Duration {
	return q.Period / time.Duration(q.Requests)
}

// bucket is guarded by mu so that Prune cannot retire it between a lookup and
// the permit taken from it.
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
	retired  bool
}

// take consumes one permit. ok is false when the bucket was pruned after the
// caller looked it up and a fresh one must be used instead.
func (b *bucket) take(now time.Time) (allowed, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired {
		return false, false
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), true
}

// retireIfIdle marks the bucket retired when it was last used at or before cutoff.
func (b *bucket) retireIfIdle(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastSeen.After(cutoff) {
		return false
	}
	b.retired = true
	return true
}

// Limiter keeps one token bucket per client key in process memory.
// Buckets are created on first use; unrelated keys never contend on a shared lock.
type Limiter struct {
	quota   Quota
	buckets sync.Map // string -> *bucket
	now     func() time.Time
}

// New creates a limiter for the given quota.
func New(quota Quota) *Limiter {
	return &Limiter{
		quota: quota,
		now:   time.Now,
	}
}

// Quota returns the configured quota.
func (l *Limiter) Quota() Quota {
	return l.quota
}

// Allow consumes one permit for key and reports whether it was available.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	for {
		if allowed, ok := l.bucket(key).take(now); ok {
			return allowed
		}
	}
}

// Check is Allow expressed as an error.
func (l *Limiter) Check(key string) error {
	if !l.Allow(key) {
		return fmt.Errorf("%w: %s", ErrRateLimited, l.quota)
	}
	return nil
}

func (l *Limiter) bucket(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	fresh := &bucket{
		limiter: rate.NewLimiter(rate.Every(l.quota.refillInterval()), l.quota.Requests),
	}
	v, loaded := l.buckets.LoadOrStore(key, fresh)
	if !loaded {
		trackedKeys.Inc()
	}
	return v.(*bucket)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Prune drops buckets idle for at least one full period. Such a bucket has refilled
// completely, so dropping it is indistinguishable from keeping it.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.quota.Period)
	removed := 0
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if b.retireIfIdle(cutoff) && l.buckets.CompareAndDelete(key, b) {
			trackedKeys.Dec()
			removed++
		}
		return true
	})
	return removed
}

// Run prunes idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Prune()
		case <-ctx.Done():
			return
		}
	}
}
