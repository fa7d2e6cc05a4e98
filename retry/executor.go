package retry

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/likeminded/reddit-core/coreerr"
)

// Metrics tracks per-executor retry statistics, per spec.md §4.3.
type Metrics struct {
	mu                  sync.Mutex
	TotalRetries        int64
	SuccessfulRetries   int64
	FailedRetries       int64
	CircuitBreakerTrips int64
	AverageRetryDelayMs float64
}

func (m *Metrics) recordCircuitTrip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CircuitBreakerTrips++
}

func (m *Metrics) recordSuccessAfterRetries(attempts int, totalDelayMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRetries += int64(attempts)
	m.SuccessfulRetries++
	m.AverageRetryDelayMs = (m.AverageRetryDelayMs*float64(m.SuccessfulRetries-1) + float64(totalDelayMs)) / float64(m.SuccessfulRetries)
}

func (m *Metrics) recordFailedRetries(attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRetries += int64(attempts)
	m.FailedRetries++
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		TotalRetries:        m.TotalRetries,
		SuccessfulRetries:   m.SuccessfulRetries,
		FailedRetries:       m.FailedRetries,
		CircuitBreakerTrips: m.CircuitBreakerTrips,
		AverageRetryDelayMs: m.AverageRetryDelayMs,
	}
}

// Operation is a caller-supplied unit of work the executor wraps.
type Operation func(ctx context.Context) (any, error)

// Executor combines a circuit breaker with the retry/backoff policy.
type Executor struct {
	cfg     Config
	breaker *Breaker
	metrics *Metrics
	log     *logrus.Logger
}

// NewExecutor builds an executor with its own breaker and metrics.
func NewExecutor(cfg Config, log *logrus.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		breaker: NewBreaker(cfg),
		metrics: &Metrics{},
		log:     log,
	}
}

// Metrics returns the executor's live metrics collector.
func (e *Executor) Metrics() *Metrics { return e.metrics }

// Breaker returns the executor's circuit breaker.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Run executes operation under the retry/backoff/circuit-breaker policy
// described in spec.md §4.3. name is used only for log context.
func (e *Executor) Run(ctx context.Context, name string, operation Operation) (any, error) {
	if !e.breaker.AllowRequest() {
		e.metrics.recordCircuitTrip()
		e.log.WithField("operation", name).Warn("circuit breaker open, blocking request")
		return nil, &coreerr.CircuitOpen{}
	}

	var lastErr error
	var totalDelayMs int64

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		result, err := operation(ctx)
		if err == nil {
			e.breaker.RecordSuccess()
			if attempt > 0 {
				e.metrics.recordSuccessAfterRetries(attempt, totalDelayMs)
			}
			return result, nil
		}

		lastErr = err
		strategy, retryAfter := Classify(err)
		isLastAttempt := attempt+1 >= e.cfg.MaxAttempts

		if strategy == StrategyNoRetry || isLastAttempt {
			e.breaker.RecordFailure()
			if attempt > 0 {
				e.metrics.recordFailedRetries(attempt)
			}
			return nil, lastErr
		}

		var delay time.Duration
		if strategy == StrategyRetryWithDelay {
			delay = retryAfter
		} else {
			delay = calculateBackoff(attempt, e.cfg)
		}
		totalDelayMs += delay.Milliseconds()

		e.log.WithField("operation", name).WithField("attempt", attempt+1).WithField("delay", delay).Info("retrying after error")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.breaker.RecordFailure()
			return nil, ctx.Err()
		}
	}

	e.breaker.RecordFailure()
	return nil, lastErr
}

// calculateBackoff computes base*multiplier^attempt capped at max_delay,
// plus jitter in [0, delay*jitter_factor].
func calculateBackoff(attempt int, cfg Config) time.Duration {
	exp := float64(cfg.BaseDelay) * pow(cfg.Multiplier, attempt)
	if exp > float64(cfg.MaxDelay) {
		exp = float64(cfg.MaxDelay)
	}
	jitterMax := exp * cfg.JitterFactor
	jitter := rand.Float64() * jitterMax
	delay := time.Duration(exp + jitter)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
