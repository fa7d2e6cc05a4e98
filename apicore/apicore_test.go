package apicore

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/client"
	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/queue"
	"github.com/likeminded/reddit-core/utils"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(t *testing.T) *utils.Config {
	t.Helper()
	return &utils.Config{
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
}

func TestNewBuildsAndStops(t *testing.T) {
	core, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	require.NotNil(t, core)

	core.Start()
	require.NoError(t, core.Stop())
}

func TestFetchUserInfoFailsWithoutAuthentication(t *testing.T) {
	core, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer core.Stop()

	_, err = core.FetchUserInfo(context.Background(), "req-1")
	require.Error(t, err)

	var coreErr coreerr.CoreError
	require.True(t, errors.As(err, &coreErr))
	require.Equal(t, "AUTHENTICATION_FAILED", coreErr.Class())
}

func TestFetchSubredditPostsFailsWithoutAuthentication(t *testing.T) {
	core, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer core.Stop()

	_, err = core.FetchSubredditPosts(context.Background(), "golang", client.SubredditPostsOptions{Sort: "hot"})
	require.Error(t, err)

	var coreErr coreerr.CoreError
	require.True(t, errors.As(err, &coreErr))
	require.Equal(t, "AUTHENTICATION_FAILED", coreErr.Class())
}

func TestEnqueueDeferredRequestFailsWithoutAuthentication(t *testing.T) {
	core, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer core.Stop()

	_, _, err = core.EnqueueDeferredRequest(context.Background(), queue.EnqueueOptions{
		Method:        "GET",
		Endpoint:      "/r/golang/hot",
		OperationType: "get_subreddit_posts",
		Subreddit:     "golang",
	})
	require.Error(t, err)

	var coreErr coreerr.CoreError
	require.True(t, errors.As(err, &coreErr))
	require.Equal(t, "AUTHENTICATION_FAILED", coreErr.Class())
}

func TestGenerateAuthURLProducesPendingState(t *testing.T) {
	core, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer core.Stop()

	authURL, csrf, err := core.GenerateAuthURL()
	require.NoError(t, err)
	require.NotEmpty(t, authURL)
	require.NotEmpty(t, csrf)
}
