package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/likeminded/reddit-core/models"
)

// Permit is the scoped resource returned by AcquirePermit. Release must be
// called exactly once on every code path (success, error, or caller
// cancellation) to return the semaphore slot.
type Permit struct {
	limiter       *Limiter
	released      bool
	mu            sync.Mutex
	QueueWaitTime time.Duration
}

// Release returns the semaphore slot. Safe to call more than once.
func (p *Permit) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	<-p.limiter.sem
}

// Limiter combines the token bucket with a bounded semaphore (capacity =
// burst_allowance) and a sliding window tracker.
type Limiter struct {
	bucket *Bucket
	sem    chan struct{}

	cfg models.RateLimitConfig

	mu     sync.Mutex
	window models.WindowStats
}

// NewLimiter builds a limiter from the given config. refill_rate =
// max_requests / window_secs, as specified in spec.md §3.
func NewLimiter(cfg models.RateLimitConfig) *Limiter {
	refillRate := float64(cfg.MaxRequestsPerWindow) / cfg.Window.Seconds()
	return &Limiter{
		bucket: NewBucket(float64(cfg.BurstAllowance), refillRate),
		sem:    make(chan struct{}, cfg.BurstAllowance),
		cfg:    cfg,
		window: models.WindowStats{WindowStart: time.Now()},
	}
}

// AcquirePermit blocks until a semaphore slot and a bucket token are both
// available, per the four-step algorithm in spec.md §4.2. It records the
// queue wait time on the returned Permit.
func (l *Limiter) AcquirePermit(ctx context.Context) (*Permit, error) {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	permit := &Permit{limiter: l}

	for {
		ok, wait := l.bucket.TryTake()
		if ok {
			l.recordRequest()
			permit.QueueWaitTime = time.Since(start)
			return permit, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			permit.Release()
			return nil, ctx.Err()
		}
	}
}

// recordRequest resets the window on rollover and increments its counter.
func (l *Limiter) recordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	l.window.RequestCount++
}

// RecordOutcome updates the window's successful/rate_limited counters for
// a completed request. Called by the HTTP Client after classification.
func (l *Limiter) RecordOutcome(success, rateLimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	if success {
		l.window.Successful++
	}
	if rateLimited {
		l.window.RateLimited++
	}
}

func (l *Limiter) rolloverLocked() {
	if time.Since(l.window.WindowStart) >= l.cfg.Window {
		l.window = models.WindowStats{WindowStart: time.Now()}
	}
}

// Status is the snapshot returned by get_rate_limit_status.
type Status struct {
	AvailableTokens   float64
	Capacity          float64
	SemaphoreInUse    int
	SemaphoreCapacity int
	Window            models.WindowStats
	IsNearLimit       bool
}

// Status reports a fresh snapshot, refilling the bucket first per spec.md's
// "must refill before reporting" requirement.
func (l *Limiter) Status() Status {
	available := l.bucket.Available()
	capacity := l.bucket.Capacity()

	l.mu.Lock()
	l.rolloverLocked()
	window := l.window
	l.mu.Unlock()

	consumedRatio := 0.0
	if capacity > 0 {
		consumedRatio = (capacity - available) / capacity
	}

	return Status{
		AvailableTokens:   available,
		Capacity:          capacity,
		SemaphoreInUse:    len(l.sem),
		SemaphoreCapacity: cap(l.sem),
		Window:            window,
		IsNearLimit:       consumedRatio >= 0.8,
	}
}

// Config returns the limiter's static configuration, used by the
// dashboard to compute window-reset timing and display the configured
// ceiling alongside the live token count.
func (l *Limiter) Config() models.RateLimitConfig { return l.cfg }

// AdjustRefillRate replaces the bucket's refill rate at runtime, mirroring
// the teacher's TokenBucket.Update behavior. The HTTP client does not call
// it and does not read Reddit's X-Ratelimit-* response headers.
func (l *Limiter) AdjustRefillRate(rate float64) {
	l.bucket.SetRefillRate(rate)
}
