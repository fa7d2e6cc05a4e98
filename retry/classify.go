package retry

import (
	"time"

	"github.com/likeminded/reddit-core/coreerr"
)

// Strategy is the disposition the executor applies to a classified error.
type Strategy int

const (
	// StrategyNoRetry means the error is permanent; surface it immediately.
	StrategyNoRetry Strategy = iota
	// StrategyRetry means back off exponentially and retry.
	StrategyRetry
	// StrategyRetryWithDelay means retry after the server-supplied delay.
	StrategyRetryWithDelay
)

// Classify maps an error produced by the HTTP Client onto a retry
// strategy, per the table in spec.md §4.3.
func Classify(err error) (Strategy, time.Duration) {
	switch e := err.(type) {
	case *coreerr.RateLimitExceeded:
		return StrategyRetryWithDelay, time.Duration(e.RetryAfterSeconds) * time.Second
	case *coreerr.ServerError:
		return StrategyRetry, 0
	case *coreerr.RequestTimeout:
		return StrategyRetry, 0
	case *coreerr.InvalidResponse:
		return StrategyRetry, 0
	case *coreerr.NetworkError:
		return StrategyRetry, 0
	case *coreerr.EndpointUnavailable:
		return StrategyRetry, 0
	case *coreerr.AuthenticationFailed, *coreerr.InvalidToken, *coreerr.Forbidden, *coreerr.NotFound:
		return StrategyNoRetry, 0
	default:
		return StrategyNoRetry, 0
	}
}
