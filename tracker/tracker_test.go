package tracker

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/db"
	"github.com/likeminded/reddit-core/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testTracker(t *testing.T) (*Tracker, *db.Database) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "tracker-test-*.db")
	require.NoError(t, err)
	f.Close()
	database, err := db.NewDatabase(f.Name(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB, testLogger()), database
}

func TestRecordAPICallPersistsRowAndWindow(t *testing.T) {
	tr, database := testTracker(t)

	err := tr.RecordAPICall(models.CallRecord{
		RequestID:      "req-1",
		Endpoint:       "/api/v1/me",
		Method:         "GET",
		StatusCode:     200,
		ResponseTimeMs: 120,
		Timestamp:      time.Now(),
		UserAgent:      "ua/1.0",
	}, 100)
	require.NoError(t, err)

	var callCount int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM api_call_tracking`).Scan(&callCount))
	assert.Equal(t, 1, callCount)

	var windowCount, requestCount int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*), SUM(request_count) FROM rate_limit_windows`).Scan(&windowCount, &requestCount))
	assert.Equal(t, 1, windowCount)
	assert.Equal(t, 1, requestCount)
}

func TestRecordAPICallRaisesUtilizationAlertOnWindowUpsert(t *testing.T) {
	tr, database := testTracker(t)
	now := time.Now()

	// maxRequestsAllowed=2: the second call in this window brings
	// consumed ratio to 2/2=1.0, past the 95% critical threshold, and
	// must raise the alert from the production RecordAPICall path, not
	// only when CheckWindowUtilization is called directly.
	for i := 0; i < 2; i++ {
		err := tr.RecordAPICall(models.CallRecord{
			RequestID:      "req-util-" + string(rune('a'+i)),
			Endpoint:       "/api/v1/me",
			Method:         "GET",
			StatusCode:     200,
			ResponseTimeMs: 50,
			Timestamp:      now,
			UserAgent:      "ua/1.0",
		}, 2)
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, database.DB.QueryRow(
		`SELECT COUNT(*) FROM api_usage_alerts WHERE alert_type = 'rate_limit_critical'`,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordAPICallUpsertsSameWindow(t *testing.T) {
	tr, database := testTracker(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		err := tr.RecordAPICall(models.CallRecord{
			RequestID:      "req",
			Endpoint:       "/api/v1/me",
			Method:         "GET",
			StatusCode:     200,
			ResponseTimeMs: 10,
			Timestamp:      now,
		}, 100)
		require.NoError(t, err)
	}

	var windowCount, requestCount int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*), SUM(request_count) FROM rate_limit_windows`).Scan(&windowCount, &requestCount))
	assert.Equal(t, 1, windowCount, "all three calls should fall in the same 60s window")
	assert.Equal(t, 3, requestCount)
}

func TestRecordAPICallRaisesRateLimitAlert(t *testing.T) {
	tr, _ := testTracker(t)

	err := tr.RecordAPICall(models.CallRecord{
		RequestID:      "req-rl",
		Endpoint:       "/r/golang/hot",
		Method:         "GET",
		StatusCode:     429,
		RateLimited:    true,
		ResponseTimeMs: 50,
		Timestamp:      time.Now(),
	}, 100)
	require.NoError(t, err)

	alerts, err := tr.ActiveAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "rate_limit_hit", alerts[0].AlertType)
	assert.Equal(t, models.AlertWarning, alerts[0].Severity)
}

func TestRecordAPICallRaisesSlowResponseAlert(t *testing.T) {
	tr, _ := testTracker(t)

	err := tr.RecordAPICall(models.CallRecord{
		RequestID:      "req-slow",
		Endpoint:       "/r/golang/hot",
		Method:         "GET",
		StatusCode:     200,
		ResponseTimeMs: 6000,
		Timestamp:      time.Now(),
	}, 100)
	require.NoError(t, err)

	alerts, err := tr.ActiveAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "slow_response", alerts[0].AlertType)
}

func TestAcknowledgeAndResolveAlert(t *testing.T) {
	tr, database := testTracker(t)

	require.NoError(t, tr.RecordAPICall(models.CallRecord{
		RequestID: "req", Endpoint: "/a", Method: "GET", StatusCode: 429, RateLimited: true,
		ResponseTimeMs: 10, Timestamp: time.Now(),
	}, 100))

	var alertID int64
	require.NoError(t, database.DB.QueryRow(`SELECT id FROM api_usage_alerts LIMIT 1`).Scan(&alertID))

	require.NoError(t, tr.AcknowledgeAlert(alertID))
	require.NoError(t, tr.ResolveAlert(alertID, "manually cleared"))

	alerts, err := tr.ActiveAlerts(10)
	require.NoError(t, err)
	assert.Empty(t, alerts, "resolved alerts should not appear as active")
}

func TestCheckWindowUtilizationThresholds(t *testing.T) {
	tr, _ := testTracker(t)

	require.NoError(t, tr.CheckWindowUtilization("/r/golang/hot", 0.5))
	alerts, err := tr.ActiveAlerts(10)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	require.NoError(t, tr.CheckWindowUtilization("/r/golang/hot", 0.85))
	alerts, err = tr.ActiveAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertWarning, alerts[0].Severity)

	require.NoError(t, tr.CheckWindowUtilization("/r/golang/hot", 0.97))
	alerts, err = tr.ActiveAlerts(10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertCritical, alerts[0].Severity)
}

func TestGetUsageStatsAggregates(t *testing.T) {
	tr, _ := testTracker(t)
	now := time.Now()

	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "1", Endpoint: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 100, Timestamp: now}, 100))
	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "2", Endpoint: "/a", Method: "GET", StatusCode: 500, ResponseTimeMs: 200, Timestamp: now}, 100))
	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "3", Endpoint: "/b", Method: "GET", StatusCode: 429, RateLimited: true, ResponseTimeMs: 50, Timestamp: now}, 100))

	stats, err := tr.GetUsageStats(24)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRequests)
	assert.EqualValues(t, 1, stats.SuccessfulRequests)
	assert.EqualValues(t, 2, stats.FailedRequests)
	assert.EqualValues(t, 1, stats.RateLimitedRequests)
	require.Len(t, stats.EndpointsByUsage, 2)
}

func TestCleanupOldDataRemovesExpiredRows(t *testing.T) {
	tr, database := testTracker(t)
	old := time.Now().Add(-40 * 24 * time.Hour)

	require.NoError(t, tr.RecordAPICall(models.CallRecord{RequestID: "old", Endpoint: "/a", Method: "GET", StatusCode: 200, ResponseTimeMs: 10, Timestamp: old}, 100))

	require.NoError(t, tr.CleanupOldData(time.Now()))

	var count int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM api_call_tracking`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestClassifyErrorMapsStatusCodes(t *testing.T) {
	assert.Equal(t, "unauthorized", classifyError(401))
	assert.Equal(t, "forbidden", classifyError(403))
	assert.Equal(t, "not_found", classifyError(404))
	assert.Equal(t, "rate_limited", classifyError(429))
	assert.Equal(t, "server_error", classifyError(500))
	assert.Equal(t, "client_error", classifyError(418))
}
