// Package tracker implements the durable Call Tracker described in
// spec.md §4.6: it appends every HTTP client outcome to api_call_tracking,
// rolls up per-minute rate_limit_windows rows, raises api_usage_alerts on
// threshold breaches, and runs periodic retention cleanup.
package tracker

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/models"
)

const (
	windowDurationSeconds = 60

	warningUtilization     = 0.8
	criticalUtilization    = 0.95
	slowResponseThresholdMs = 5000

	callRetention  = 30 * 24 * time.Hour
	windowRetention = 30 * 24 * time.Hour
	alertRetention  = 7 * 24 * time.Hour
)

// Tracker records API call outcomes and derives alerts/usage stats from
// them. It owns no in-memory state beyond its database handle; every
// observation is durable.
type Tracker struct {
	db  *sql.DB
	log *logrus.Logger
}

// New builds a Tracker against an already-initialized database.
func New(database *sql.DB, log *logrus.Logger) *Tracker {
	return &Tracker{db: database, log: log}
}

// Initialize runs startup housekeeping: retention cleanup of old rows.
// Mirrors the original implementation's ApiTracker::initialize.
func (t *Tracker) Initialize() error {
	return t.CleanupOldData(time.Now())
}

// RecordAPICall appends one api_call_tracking row, rolls it into the
// current rate_limit_windows bucket, and evaluates alert predicates.
// maxRequestsAllowed is used only to seed a window row the first time it
// is created; it does not change an existing row's stored ceiling.
func (t *Tracker) RecordAPICall(record models.CallRecord, maxRequestsAllowed int) error {
	if err := t.saveCallRecord(record); err != nil {
		return err
	}
	if err := t.updateWindow(record, maxRequestsAllowed); err != nil {
		return err
	}
	return t.checkAlerts(record)
}

func (t *Tracker) saveCallRecord(r models.CallRecord) error {
	errorType := ""
	if r.StatusCode >= 400 {
		errorType = classifyError(r.StatusCode)
	}

	_, err := t.db.Exec(`
		INSERT INTO api_call_tracking (
			request_id, endpoint, method, status_code, response_time_ms,
			rate_limited, error_type, user_agent, priority, queue_wait_time_ms,
			timestamp, subreddit, operation_type, available_tokens_before,
			available_tokens_after
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RequestID, r.Endpoint, r.Method, nullableInt(r.StatusCode), r.ResponseTimeMs,
		r.RateLimited, nullableString(errorType), r.UserAgent, r.Priority, r.QueueWaitMs,
		r.Timestamp.Unix(), nullableString(r.Subreddit), nullableString(r.OperationType),
		r.TokensBefore, r.TokensAfter)
	if err != nil {
		return &coreerr.DatabaseError{Op: "save_call_record", Err: err}
	}
	return nil
}

// updateWindow rolls the call into its 60-second bucket via an upsert on
// the (window_start, window_duration_seconds) unique constraint, the same
// shape the original implementation uses.
func (t *Tracker) updateWindow(r models.CallRecord, maxRequestsAllowed int) error {
	ts := r.Timestamp.Unix()
	windowStart := (ts / windowDurationSeconds) * windowDurationSeconds
	windowEnd := windowStart + windowDurationSeconds

	successful := 0
	if r.StatusCode > 0 && r.StatusCode < 400 {
		successful = 1
	}
	rateLimited := 0
	if r.RateLimited {
		rateLimited = 1
	}
	if maxRequestsAllowed <= 0 {
		maxRequestsAllowed = 100
	}

	now := time.Now().Unix()
	_, err := t.db.Exec(`
		INSERT INTO rate_limit_windows (
			window_start, window_end, window_duration_seconds,
			request_count, successful_requests, rate_limited_requests,
			total_response_time_ms, max_requests_allowed, created_at, updated_at
		) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_start, window_duration_seconds) DO UPDATE SET
			request_count = request_count + 1,
			successful_requests = successful_requests + ?,
			rate_limited_requests = rate_limited_requests + ?,
			total_response_time_ms = total_response_time_ms + ?,
			updated_at = ?
	`, windowStart, windowEnd, windowDurationSeconds,
		successful, rateLimited, r.ResponseTimeMs, maxRequestsAllowed, now, now,
		successful, rateLimited, r.ResponseTimeMs, now)
	if err != nil {
		return &coreerr.DatabaseError{Op: "update_rate_limit_window", Err: err}
	}

	var requestCount, ceiling int
	row := t.db.QueryRow(`
		SELECT request_count, max_requests_allowed FROM rate_limit_windows
		WHERE window_start = ? AND window_duration_seconds = ?
	`, windowStart, windowDurationSeconds)
	if err := row.Scan(&requestCount, &ceiling); err != nil {
		return &coreerr.DatabaseError{Op: "read_rate_limit_window", Err: err}
	}
	if ceiling <= 0 {
		ceiling = maxRequestsAllowed
	}

	return t.CheckWindowUtilization(r.Endpoint, float64(requestCount)/float64(ceiling))
}

func (t *Tracker) checkAlerts(r models.CallRecord) error {
	if r.RateLimited {
		if err := t.createAlert("rate_limit_hit", models.AlertWarning, "Request was rate limited",
			ptrFloat(1.0), ptrFloat(1.0), r.Endpoint, ptrInt(60)); err != nil {
			return err
		}
	}

	if r.ResponseTimeMs > slowResponseThresholdMs {
		if err := t.createAlert("slow_response", models.AlertWarning,
			fmt.Sprintf("Slow response time: %dms", r.ResponseTimeMs),
			ptrFloat(slowResponseThresholdMs), ptrFloat(float64(r.ResponseTimeMs)), r.Endpoint, nil); err != nil {
			return err
		}
	}

	return nil
}

// CheckWindowUtilization raises a warning/critical alert when a window's
// consumed ratio crosses the 80%/95% thresholds from spec.md §4.6.
func (t *Tracker) CheckWindowUtilization(endpoint string, consumedRatio float64) error {
	switch {
	case consumedRatio >= criticalUtilization:
		return t.createAlert("rate_limit_critical", models.AlertCritical,
			fmt.Sprintf("Rate limit window at %.0f%% utilization", consumedRatio*100),
			ptrFloat(criticalUtilization), ptrFloat(consumedRatio), endpoint, ptrInt(windowDurationSeconds))
	case consumedRatio >= warningUtilization:
		return t.createAlert("rate_limit_warning", models.AlertWarning,
			fmt.Sprintf("Rate limit window at %.0f%% utilization", consumedRatio*100),
			ptrFloat(warningUtilization), ptrFloat(consumedRatio), endpoint, ptrInt(windowDurationSeconds))
	}
	return nil
}

func (t *Tracker) createAlert(alertType string, severity models.AlertSeverity, message string, threshold, current *float64, endpoint string, timeWindowSecs *int) error {
	_, err := t.db.Exec(`
		INSERT INTO api_usage_alerts (
			alert_type, severity, message, threshold_value, current_value,
			endpoint, time_window_seconds, triggered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, alertType, string(severity), message, threshold, current, nullableString(endpoint), timeWindowSecs, time.Now().Unix())
	if err != nil {
		return &coreerr.DatabaseError{Op: "create_alert", Err: err}
	}
	t.log.WithField("alert_type", alertType).WithField("severity", severity).Warn(message)
	return nil
}

// AcknowledgeAlert stamps acknowledged_at on the given alert row.
func (t *Tracker) AcknowledgeAlert(alertID int64) error {
	_, err := t.db.Exec(`UPDATE api_usage_alerts SET acknowledged_at = ? WHERE id = ?`, time.Now().Unix(), alertID)
	if err != nil {
		return &coreerr.DatabaseError{Op: "acknowledge_alert", Err: err}
	}
	return nil
}

// ResolveAlert stamps resolved_at and an optional action_taken note.
func (t *Tracker) ResolveAlert(alertID int64, actionTaken string) error {
	_, err := t.db.Exec(`UPDATE api_usage_alerts SET resolved_at = ?, action_taken = ? WHERE id = ?`,
		time.Now().Unix(), nullableString(actionTaken), alertID)
	if err != nil {
		return &coreerr.DatabaseError{Op: "resolve_alert", Err: err}
	}
	return nil
}

// UsageStats summarizes api_call_tracking over a trailing window, per
// spec.md §4.6.
type UsageStats struct {
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	RateLimitedRequests int64
	AverageResponseMs   float64
	RequestsPerMinute   float64
	EndpointsByUsage    []EndpointUsage
	ActiveAlerts        []models.Alert
}

// EndpointUsage pairs an endpoint with its call count in the window.
type EndpointUsage struct {
	Endpoint string
	Count    int64
}

// GetUsageStats computes aggregate stats over the trailing `hours` window
// (24h default). The dashboard's overview section runs its own query and
// does not call this.
func (t *Tracker) GetUsageStats(hours int) (UsageStats, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()

	var stats UsageStats
	var avgMs sql.NullFloat64
	row := t.db.QueryRow(`
		SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END) AS successful,
			SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END) AS failed,
			SUM(CASE WHEN rate_limited THEN 1 ELSE 0 END) AS rate_limited,
			AVG(response_time_ms) AS avg_ms
		FROM api_call_tracking WHERE timestamp > ?
	`, cutoff)
	var successful, failed, rateLimited sql.NullInt64
	if err := row.Scan(&stats.TotalRequests, &successful, &failed, &rateLimited, &avgMs); err != nil {
		return UsageStats{}, &coreerr.DatabaseError{Op: "get_usage_stats", Err: err}
	}
	stats.SuccessfulRequests = successful.Int64
	stats.FailedRequests = failed.Int64
	stats.RateLimitedRequests = rateLimited.Int64
	stats.AverageResponseMs = avgMs.Float64
	stats.RequestsPerMinute = float64(stats.TotalRequests) / (float64(hours) * 60.0)

	rows, err := t.db.Query(`
		SELECT endpoint, COUNT(*) AS count FROM api_call_tracking
		WHERE timestamp > ? GROUP BY endpoint ORDER BY count DESC LIMIT 10
	`, cutoff)
	if err != nil {
		return UsageStats{}, &coreerr.DatabaseError{Op: "get_usage_stats_endpoints", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var eu EndpointUsage
		if err := rows.Scan(&eu.Endpoint, &eu.Count); err != nil {
			return UsageStats{}, &coreerr.DatabaseError{Op: "get_usage_stats_endpoints_scan", Err: err}
		}
		stats.EndpointsByUsage = append(stats.EndpointsByUsage, eu)
	}

	alerts, err := t.ActiveAlerts(20)
	if err != nil {
		return UsageStats{}, err
	}
	stats.ActiveAlerts = alerts

	return stats, nil
}

// ActiveAlerts returns unresolved alerts, newest first.
func (t *Tracker) ActiveAlerts(limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.Query(`
		SELECT id, alert_type, severity, message, threshold_value, current_value,
		       endpoint, time_window_seconds, triggered_at, acknowledged_at, resolved_at, action_taken
		FROM api_usage_alerts WHERE resolved_at IS NULL
		ORDER BY triggered_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, &coreerr.DatabaseError{Op: "active_alerts", Err: err}
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a                                         models.Alert
			endpoint, actionTaken                     sql.NullString
			thresholdValue, currentValue              sql.NullFloat64
			timeWindowSecs                            sql.NullInt64
			triggeredAtUnix                           int64
			acknowledgedAtUnix, resolvedAtUnix        sql.NullInt64
			severity                                  string
		)
		if err := rows.Scan(&a.ID, &a.AlertType, &severity, &a.Message, &thresholdValue, &currentValue,
			&endpoint, &timeWindowSecs, &triggeredAtUnix, &acknowledgedAtUnix, &resolvedAtUnix, &actionTaken); err != nil {
			return nil, &coreerr.DatabaseError{Op: "active_alerts_scan", Err: err}
		}
		a.Severity = models.AlertSeverity(severity)
		a.Endpoint = endpoint.String
		a.ActionTaken = actionTaken.String
		a.TimeWindowSecs = int(timeWindowSecs.Int64)
		a.TriggeredAt = time.Unix(triggeredAtUnix, 0)
		if thresholdValue.Valid {
			v := thresholdValue.Float64
			a.ThresholdValue = &v
		}
		if currentValue.Valid {
			v := currentValue.Float64
			a.CurrentValue = &v
		}
		if acknowledgedAtUnix.Valid {
			v := time.Unix(acknowledgedAtUnix.Int64, 0)
			a.AcknowledgedAt = &v
		}
		if resolvedAtUnix.Valid {
			v := time.Unix(resolvedAtUnix.Int64, 0)
			a.ResolvedAt = &v
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CleanupOldData deletes rows past retention: 30 days of call records and
// rate-limit windows, 7 days of resolved alerts. Run at startup and may be
// scheduled periodically by the caller.
func (t *Tracker) CleanupOldData(now time.Time) error {
	callCutoff := now.Add(-callRetention).Unix()
	if _, err := t.db.Exec(`DELETE FROM api_call_tracking WHERE timestamp < ?`, callCutoff); err != nil {
		return &coreerr.DatabaseError{Op: "cleanup_call_tracking", Err: err}
	}

	windowCutoff := now.Add(-windowRetention).Unix()
	if _, err := t.db.Exec(`DELETE FROM rate_limit_windows WHERE window_start < ?`, windowCutoff); err != nil {
		return &coreerr.DatabaseError{Op: "cleanup_rate_limit_windows", Err: err}
	}

	alertCutoff := now.Add(-alertRetention).Unix()
	if _, err := t.db.Exec(`DELETE FROM api_usage_alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?`, alertCutoff); err != nil {
		return &coreerr.DatabaseError{Op: "cleanup_alerts", Err: err}
	}

	t.log.Debug("tracker retention cleanup complete")
	return nil
}

// classifyError maps a status code onto the error_type label stored
// alongside each call record.
func classifyError(statusCode int) string {
	switch {
	case statusCode == 401:
		return "unauthorized"
	case statusCode == 403:
		return "forbidden"
	case statusCode == 404:
		return "not_found"
	case statusCode == 429:
		return "rate_limited"
	case statusCode >= 500 && statusCode <= 599:
		return "server_error"
	default:
		return "client_error"
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func ptrFloat(v float64) *float64 { return &v }
func ptrInt(v int) *int           { return &v }
