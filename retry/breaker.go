// Package retry implements the circuit breaker and jittered exponential
// backoff retry executor described in spec §4.3.
package retry

import (
	"sync"
	"time"

	"github.com/likeminded/reddit-core/models"
)

// Config holds the retry/backoff/circuit-breaker knobs. Defaults match
// spec.md §6's Reddit defaults.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	JitterFactor     float64
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns the Reddit-tuned defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseDelay:        2 * time.Second,
		MaxDelay:         60 * time.Second,
		Multiplier:       2,
		JitterFactor:     0.2,
		FailureThreshold: 3,
		RecoveryTimeout:  120 * time.Second,
	}
}

// Breaker is the Closed/Open/HalfOpen state machine from spec.md §3/§4.3.
type Breaker struct {
	mu sync.Mutex

	state               models.CircuitState
	failureCount        int
	lastFailureTime     time.Time
	halfOpenProbeActive bool // true once a HalfOpen probe has been admitted and hasn't resolved yet
	cfg                 Config
}

// NewBreaker constructs a breaker in the Closed state.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: models.CircuitClosed}
}

// AllowRequest reports whether an attempt may proceed, transitioning
// Open -> HalfOpen once RecoveryTimeout has elapsed since the last
// failure. In HalfOpen, exactly one probe is admitted at a time - every
// other concurrent caller sees Open until that probe resolves.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return true
	case models.CircuitOpenState:
		if !b.lastFailureTime.IsZero() && time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
			b.state = models.CircuitHalfOpen
			b.halfOpenProbeActive = true
			return true
		}
		return false
	case models.CircuitHalfOpen:
		if b.halfOpenProbeActive {
			return false
		}
		b.halfOpenProbeActive = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure counter; in HalfOpen it closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == models.CircuitHalfOpen {
		b.state = models.CircuitClosed
	}
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.halfOpenProbeActive = false
}

// RecordFailure increments the failure counter and trips the breaker once
// FailureThreshold consecutive failures accumulate in Closed, or
// immediately reopens from HalfOpen.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case models.CircuitClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = models.CircuitOpenState
		}
	case models.CircuitHalfOpen:
		b.state = models.CircuitOpenState
	}
	b.halfOpenProbeActive = false
}

// State returns the current breaker state.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
