package dashboard

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/db"
	"github.com/likeminded/reddit-core/models"
	"github.com/likeminded/reddit-core/ratelimit"
	"github.com/likeminded/reddit-core/tracker"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testDB(t *testing.T) *db.Database {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dashboard-test-*.db")
	require.NoError(t, err)
	f.Close()
	database, err := db.NewDatabase(f.Name(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestGetDashboardDataAggregatesAllSections(t *testing.T) {
	database := testDB(t)
	tr := tracker.New(database.DB, testLogger())
	limiter := ratelimit.NewLimiter(models.RateLimitConfig{MaxRequestsPerWindow: 100, Window: time.Minute, BurstAllowance: 10})

	now := time.Now()
	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "1", Endpoint: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 100, Timestamp: now}, 100))
	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "2", Endpoint: "/a", Method: "GET", StatusCode: 500, ResponseTimeMs: 300, Timestamp: now}, 100))
	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "3", Endpoint: "/b", Method: "GET", StatusCode: 429, RateLimited: true, ResponseTimeMs: 50, Timestamp: now}, 100))

	d := New(database.DB, tr, limiter, nil)
	data, err := d.GetDashboardData(context.Background(), true)
	require.NoError(t, err)

	assert.EqualValues(t, 3, data.Overview.TotalRequests)
	assert.EqualValues(t, 1, data.Overview.SuccessfulRequests)
	require.Len(t, data.Endpoints, 2)
	assert.Equal(t, 0, data.Queue.TotalQueued, "nil queue manager reports empty queue info")
	assert.GreaterOrEqual(t, data.RateLimits.MaxTokens, 0.0)
}

func TestGetDashboardDataUsesCacheWithinTTL(t *testing.T) {
	database := testDB(t)
	tr := tracker.New(database.DB, testLogger())
	limiter := ratelimit.NewLimiter(models.RateLimitConfig{MaxRequestsPerWindow: 100, Window: time.Minute, BurstAllowance: 10})
	d := New(database.DB, tr, limiter, nil)

	first, err := d.GetDashboardData(context.Background(), true)
	require.NoError(t, err)

	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "x", Endpoint: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 10, Timestamp: time.Now()}, 100))

	second, err := d.GetDashboardData(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first.Overview.TotalRequests, second.Overview.TotalRequests, "cached snapshot should not reflect the new call")
}

func TestGetDashboardDataForceRefreshBypassesCache(t *testing.T) {
	database := testDB(t)
	tr := tracker.New(database.DB, testLogger())
	limiter := ratelimit.NewLimiter(models.RateLimitConfig{MaxRequestsPerWindow: 100, Window: time.Minute, BurstAllowance: 10})
	d := New(database.DB, tr, limiter, nil)

	_, err := d.GetDashboardData(context.Background(), true)
	require.NoError(t, err)

	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "y", Endpoint: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 10, Timestamp: time.Now()}, 100))

	refreshed, err := d.GetDashboardData(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, refreshed.Overview.TotalRequests)
}

func TestCalculatePercentilesMatchesFloorIndexFormula(t *testing.T) {
	values := make([]int64, 1000)
	for i := range values {
		values[i] = int64(i + 1)
	}
	p50, p95, p99 := calculatePercentiles(values)
	assert.Equal(t, int64(501), p50)
	assert.Equal(t, int64(951), p95)
	assert.Equal(t, int64(991), p99)
}

func TestCalculatePercentilesEmptyInput(t *testing.T) {
	p50, p95, p99 := calculatePercentiles(nil)
	assert.Equal(t, int64(0), p50)
	assert.Equal(t, int64(0), p95)
	assert.Equal(t, int64(0), p99)
}
