// Package ratelimit implements the dual rate-limiting mechanism described
// in spec §4.2: a token bucket gates sustained throughput, a bounded
// semaphore caps concurrent in-flight requests, and a sliding window
// tracker records per-minute counters for observability.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Bucket is a lazily-refilled token bucket. Tokens only change under the
// held lock; refill happens on inspection, never on a background timer.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewBucket creates a bucket starting full, matching spec.md's capacity =
// burst_allowance invariant.
func NewBucket(capacity float64, refillRate float64) *Bucket {
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refillLocked advances tokens by elapsed time * refill rate, clamped to
// [0, capacity]. Caller must hold mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.tokens = math.Max(0, b.tokens)
}

// TryTake refills then attempts to consume one token. Returns whether it
// succeeded and, if not, how long to wait before the next attempt.
func (b *Bucket) TryTake() (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	needed := 1 - b.tokens
	waitSecs := needed / b.refillRate
	return false, time.Duration(waitSecs * float64(time.Second))
}

// Available returns the current token count after a lazy refill, used by
// status reporting. Never negative.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return math.Max(0, b.tokens)
}

// Capacity returns the bucket's configured capacity.
func (b *Bucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetRefillRate updates the refill rate (mirrors the teacher's
// TokenBucket.Update). Its only caller is Limiter.AdjustRefillRate.
func (b *Bucket) SetRefillRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillRate = rate
}
