package poller

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/apicore"
	"github.com/likeminded/reddit-core/utils"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testCore(t *testing.T) *apicore.ApiCore {
	t.Helper()
	cfg := &utils.Config{
		Reddit: utils.RedditConfig{
			ClientID:     "id",
			ClientSecret: "secret",
			RedirectURI:  "http://localhost:8080/callback",
			UserAgent:    "test-agent/1.0",
			Subreddits:   []string{"golang"},
		},
		RateLimit: utils.RateLimitConfig{MaxRequestsPerWindow: 100, WindowSeconds: 60, BurstAllowance: 10},
		Retry:     utils.RetryConfig{MaxAttempts: 1, BaseDelayMs: 10, MaxDelayMs: 20, Multiplier: 2, JitterFactor: 0.1, FailureThreshold: 3, RecoveryTimeoutSec: 30},
		Queue:     utils.QueueConfig{Capacity: 10, MaxRetries: 1},
		Database:  utils.DatabaseConfig{Path: filepath.Join(t.TempDir(), "core.db")},
		Server:    utils.ServerConfig{Port: 8080},
	}
	core, err := apicore.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { core.Stop() })
	return core
}

func TestPollPropagatesAuthErrorAndLeavesSnapshotEmpty(t *testing.T) {
	core := testCore(t)
	p := New(core, []string{"golang"}, time.Minute, testLogger())

	err := p.poll(context.Background())
	require.Error(t, err)

	snapshot := p.GetSnapshot()
	require.Equal(t, 0, snapshot.RunCount)
	require.Empty(t, snapshot.Subreddits)
}

func TestRunReturnsWhenContextCancelled(t *testing.T) {
	core := testCore(t)
	p := New(core, []string{"golang"}, time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetSnapshotStartsEmpty(t *testing.T) {
	core := testCore(t)
	p := New(core, []string{"golang"}, time.Minute, testLogger())

	snapshot := p.GetSnapshot()
	require.NotNil(t, snapshot.Subreddits)
	require.Empty(t, snapshot.Subreddits)
}
