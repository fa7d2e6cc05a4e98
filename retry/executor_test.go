package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestBreakerTripsAfterFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	b := NewBreaker(cfg)

	assert.True(t, b.AllowRequest())
	b.RecordFailure()
	assert.True(t, b.AllowRequest())
	b.RecordFailure()

	assert.False(t, b.AllowRequest())
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	b := NewBreaker(cfg)

	b.RecordFailure()
	assert.False(t, b.AllowRequest())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.AllowRequest())

	b.RecordSuccess()
	assert.Equal(t, 0, b.failureCount)
}

func TestBreakerAdmitsOnlyOneHalfOpenProbeAtATime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	b := NewBreaker(cfg)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.AllowRequest(), "first HalfOpen caller must be admitted")
	assert.False(t, b.AllowRequest(), "a second concurrent caller must be refused while the probe is in flight")
	assert.False(t, b.AllowRequest(), "refusal must persist until the probe resolves")

	b.RecordFailure()
	assert.False(t, b.AllowRequest(), "a failed probe reopens the breaker")
}

func TestBreakerAdmitsNewHalfOpenProbeAfterPriorOneResolves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	b := NewBreaker(cfg)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.AllowRequest())
	b.RecordSuccess()
	assert.Equal(t, models.CircuitClosed, b.State())
	assert.True(t, b.AllowRequest())
}

func TestClassifyRateLimitRetriesWithDelay(t *testing.T) {
	strategy, delay := Classify(&coreerr.RateLimitExceeded{RetryAfterSeconds: 2})
	assert.Equal(t, StrategyRetryWithDelay, strategy)
	assert.Equal(t, 2*time.Second, delay)
}

func TestClassifyAuthFailureNoRetry(t *testing.T) {
	strategy, _ := Classify(&coreerr.AuthenticationFailed{Reason: "bad creds"})
	assert.Equal(t, StrategyNoRetry, strategy)
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	exec := NewExecutor(cfg, testLogger())

	attempts := 0
	result, err := exec.Run(context.Background(), "test", func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, &coreerr.ServerError{StatusCode: 500}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(1), exec.Metrics().Snapshot().SuccessfulRetries)
}

func TestExecutorNoRetryOnPermanentError(t *testing.T) {
	cfg := DefaultConfig()
	exec := NewExecutor(cfg, testLogger())

	attempts := 0
	_, err := exec.Run(context.Background(), "test", func(ctx context.Context) (any, error) {
		attempts++
		return nil, &coreerr.InvalidToken{}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecutorCircuitOpenShortCircuits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.MaxAttempts = 1
	cfg.RecoveryTimeout = time.Hour
	exec := NewExecutor(cfg, testLogger())

	_, err := exec.Run(context.Background(), "test", func(ctx context.Context) (any, error) {
		return nil, &coreerr.ServerError{StatusCode: 500}
	})
	require.Error(t, err)

	attempts := 0
	_, err = exec.Run(context.Background(), "test", func(ctx context.Context) (any, error) {
		attempts++
		return "ok", nil
	})

	require.Error(t, err)
	assert.True(t, errors.As(err, new(*coreerr.CircuitOpen)))
	assert.Equal(t, 0, attempts)
}
