// Package dashboard implements the Usage Dashboard read model from
// spec.md §4.7: a 30-second cached snapshot assembled from seven
// independently-queried sections, generated concurrently.
package dashboard

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/models"
	"github.com/likeminded/reddit-core/queue"
	"github.com/likeminded/reddit-core/ratelimit"
	"github.com/likeminded/reddit-core/tracker"
)

const cacheTTL = 30 * time.Second

// Data is the full dashboard snapshot.
type Data struct {
	Overview    OverviewStats
	RateLimits  RateLimitInfo
	Endpoints   []EndpointStats
	Alerts      []models.Alert
	Queue       QueueInfo
	Performance PerformanceMetrics
	Trends      UsageTrends
	GeneratedAt time.Time
}

// OverviewStats summarizes the trailing 24 hours.
type OverviewStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	RateLimitedToday   int64
	SuccessRatePct     float64
	AverageResponseMs  float64
	RequestsPerMinute  float64
	PeakRequestsPerMin float64
}

// RateLimitInfo mirrors the live rate limiter's status for display.
type RateLimitInfo struct {
	UtilizationPct    float64
	AvailableTokens   float64
	MaxTokens         float64
	RequestsInWindow  int
	MaxPerWindow      int
	TimeUntilReset    time.Duration
	IsNearLimit       bool
	IsAtLimit         bool
}

// EndpointStats is one row of the top-20-by-volume endpoint breakdown.
type EndpointStats struct {
	Endpoint           string
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	RateLimitedReqs    int64
	AverageResponseMs  float64
	MinResponseMs      int64
	MaxResponseMs      int64
	SuccessRatePct     float64
	LastRequestAt      *time.Time
}

// QueueInfo is the queue-size-by-priority section.
type QueueInfo struct {
	TotalQueued          int
	HighPriorityQueued   int
	NormalPriorityQueued int
	LowPriorityQueued    int
}

// PerformanceMetrics holds percentile latencies and endpoint rankings.
type PerformanceMetrics struct {
	P50ResponseMs     int64
	P95ResponseMs     int64
	P99ResponseMs     int64
	SlowestEndpoints  []EndpointSpeed
	FastestEndpoints  []EndpointSpeed
	ErrorRateByEndpoint []EndpointErrorRate
}

// EndpointSpeed pairs an endpoint with its average response time.
type EndpointSpeed struct {
	Endpoint          string
	AverageResponseMs float64
}

// EndpointErrorRate pairs an endpoint with its error percentage.
type EndpointErrorRate struct {
	Endpoint     string
	ErrorRatePct float64
}

// TrendPoint is one (hour/day bucket, value) sample in a trend series.
type TrendPoint struct {
	BucketStart time.Time
	Value       float64
}

// UsageTrends holds the hourly/daily series the dashboard renders as
// charts.
type UsageTrends struct {
	HourlyRequestCounts []TrendPoint
	DailyRequestCounts  []TrendPoint
	SuccessRateTrend    []TrendPoint
	ResponseTimeTrend   []TrendPoint
}

// Dashboard assembles Data from the tracker's durable tables, the live
// rate limiter, and the request queue, behind a 30s TTL cache.
type Dashboard struct {
	db      *sql.DB
	tracker *tracker.Tracker
	limiter *ratelimit.Limiter
	queue   *queue.Manager

	mu        sync.Mutex
	cached    *Data
	cachedAt  time.Time
}

// New builds a Dashboard. queue may be nil if no deferred-request pipeline
// is in use; its section is then reported empty.
func New(database *sql.DB, t *tracker.Tracker, limiter *ratelimit.Limiter, q *queue.Manager) *Dashboard {
	return &Dashboard{db: database, tracker: t, limiter: limiter, queue: q}
}

// GetDashboardData returns the cached snapshot unless forceRefresh is set
// or the cache has expired, matching spec.md §4.7's 30s TTL.
func (d *Dashboard) GetDashboardData(ctx context.Context, forceRefresh bool) (Data, error) {
	if !forceRefresh {
		d.mu.Lock()
		if d.cached != nil && time.Since(d.cachedAt) < cacheTTL {
			data := *d.cached
			d.mu.Unlock()
			return data, nil
		}
		d.mu.Unlock()
	}

	data, err := d.generate(ctx)
	if err != nil {
		return Data{}, err
	}

	d.mu.Lock()
	d.cached = &data
	d.cachedAt = time.Now()
	d.mu.Unlock()

	return data, nil
}

// generate runs all seven sections concurrently via errgroup, the Go
// analogue of the original implementation's tokio::join!.
func (d *Dashboard) generate(ctx context.Context) (Data, error) {
	var data Data
	data.GeneratedAt = time.Now()

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		v, err := d.overviewStats()
		data.Overview = v
		return err
	})
	g.Go(func() error {
		data.RateLimits = d.rateLimitInfo()
		return nil
	})
	g.Go(func() error {
		v, err := d.endpointStats()
		data.Endpoints = v
		return err
	})
	g.Go(func() error {
		v, err := d.tracker.ActiveAlerts(50)
		data.Alerts = v
		return err
	})
	g.Go(func() error {
		data.Queue = d.queueInfo()
		return nil
	})
	g.Go(func() error {
		v, err := d.performanceMetrics()
		data.Performance = v
		return err
	})
	g.Go(func() error {
		v, err := d.usageTrends()
		data.Trends = v
		return err
	})

	if err := g.Wait(); err != nil {
		return Data{}, err
	}
	return data, nil
}

func (d *Dashboard) overviewStats() (OverviewStats, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()

	var stats OverviewStats
	var avgMs sql.NullFloat64
	var successful, failed, rateLimited sql.NullInt64
	row := d.db.QueryRow(`
		SELECT
			COUNT(*), SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END),
			SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
			SUM(CASE WHEN rate_limited THEN 1 ELSE 0 END), AVG(response_time_ms)
		FROM api_call_tracking WHERE timestamp > ?
	`, cutoff)
	if err := row.Scan(&stats.TotalRequests, &successful, &failed, &rateLimited, &avgMs); err != nil {
		return OverviewStats{}, &coreerr.DatabaseError{Op: "dashboard_overview", Err: err}
	}
	stats.SuccessfulRequests = successful.Int64
	stats.FailedRequests = failed.Int64
	stats.RateLimitedToday = rateLimited.Int64
	stats.AverageResponseMs = avgMs.Float64
	if stats.TotalRequests > 0 {
		stats.SuccessRatePct = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests) * 100
	}
	stats.RequestsPerMinute = float64(stats.TotalRequests) / (24.0 * 60.0)

	var peak sql.NullInt64
	oneHourAgo := time.Now().Add(-time.Hour).Unix()
	peakRow := d.db.QueryRow(`
		SELECT MAX(request_count) FROM rate_limit_windows
		WHERE window_start > ? AND window_duration_seconds = 60
	`, oneHourAgo)
	if err := peakRow.Scan(&peak); err != nil {
		return OverviewStats{}, &coreerr.DatabaseError{Op: "dashboard_peak_rpm", Err: err}
	}
	stats.PeakRequestsPerMin = float64(peak.Int64)

	return stats, nil
}

// rateLimitInfo reads straight from the live limiter rather than the
// database, since the limiter is the single source of truth for "right
// now" capacity.
func (d *Dashboard) rateLimitInfo() RateLimitInfo {
	if d.limiter == nil {
		return RateLimitInfo{}
	}
	status := d.limiter.Status()
	cfg := d.limiter.Config()

	utilization := 0.0
	if status.Capacity > 0 {
		utilization = (status.Capacity - status.AvailableTokens) / status.Capacity * 100
	}

	elapsedInWindow := time.Since(status.Window.WindowStart)
	timeUntilReset := cfg.Window - elapsedInWindow
	if timeUntilReset < 0 {
		timeUntilReset = 0
	}

	return RateLimitInfo{
		UtilizationPct:   utilization,
		AvailableTokens:  status.AvailableTokens,
		MaxTokens:        status.Capacity,
		RequestsInWindow: status.Window.RequestCount,
		MaxPerWindow:     cfg.MaxRequestsPerWindow,
		TimeUntilReset:   timeUntilReset,
		IsNearLimit:      status.IsNearLimit,
		IsAtLimit:        status.AvailableTokens < 1,
	}
}

func (d *Dashboard) endpointStats() ([]EndpointStats, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := d.db.Query(`
		SELECT endpoint, COUNT(*), SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN rate_limited THEN 1 ELSE 0 END), AVG(response_time_ms),
		       MIN(response_time_ms), MAX(response_time_ms), MAX(timestamp)
		FROM api_call_tracking WHERE timestamp > ?
		GROUP BY endpoint ORDER BY COUNT(*) DESC LIMIT 20
	`, cutoff)
	if err != nil {
		return nil, &coreerr.DatabaseError{Op: "dashboard_endpoint_stats", Err: err}
	}
	defer rows.Close()

	var result []EndpointStats
	for rows.Next() {
		var es EndpointStats
		var successful, failed, rateLimited sql.NullInt64
		var avgMs sql.NullFloat64
		var minMs, maxMs sql.NullInt64
		var lastTs sql.NullInt64
		if err := rows.Scan(&es.Endpoint, &es.TotalRequests, &successful, &failed, &rateLimited,
			&avgMs, &minMs, &maxMs, &lastTs); err != nil {
			return nil, &coreerr.DatabaseError{Op: "dashboard_endpoint_stats_scan", Err: err}
		}
		es.SuccessfulRequests = successful.Int64
		es.FailedRequests = failed.Int64
		es.RateLimitedReqs = rateLimited.Int64
		es.AverageResponseMs = avgMs.Float64
		es.MinResponseMs = minMs.Int64
		es.MaxResponseMs = maxMs.Int64
		if es.TotalRequests > 0 {
			es.SuccessRatePct = float64(es.SuccessfulRequests) / float64(es.TotalRequests) * 100
		}
		if lastTs.Valid {
			t := time.Unix(lastTs.Int64, 0)
			es.LastRequestAt = &t
		}
		result = append(result, es)
	}
	return result, rows.Err()
}

func (d *Dashboard) queueInfo() QueueInfo {
	if d.queue == nil {
		return QueueInfo{}
	}
	sizes := d.queue.SizeByPriority()
	return QueueInfo{
		TotalQueued:          d.queue.QueueSize(),
		HighPriorityQueued:   sizes[models.PriorityHigh],
		NormalPriorityQueued: sizes[models.PriorityNormal],
		LowPriorityQueued:    sizes[models.PriorityLow],
	}
}

func (d *Dashboard) performanceMetrics() (PerformanceMetrics, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()

	rows, err := d.db.Query(`
		SELECT response_time_ms FROM api_call_tracking
		WHERE timestamp > ? AND status_code IS NOT NULL ORDER BY response_time_ms
	`, cutoff)
	if err != nil {
		return PerformanceMetrics{}, &coreerr.DatabaseError{Op: "dashboard_percentiles", Err: err}
	}
	var times []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			rows.Close()
			return PerformanceMetrics{}, &coreerr.DatabaseError{Op: "dashboard_percentiles_scan", Err: err}
		}
		times = append(times, ms)
	}
	rows.Close()

	p50, p95, p99 := calculatePercentiles(times)

	slowest, fastest, err := d.endpointSpeedRankings(cutoff)
	if err != nil {
		return PerformanceMetrics{}, err
	}
	errorRates, err := d.errorRatesByEndpoint(cutoff)
	if err != nil {
		return PerformanceMetrics{}, err
	}

	return PerformanceMetrics{
		P50ResponseMs:       p50,
		P95ResponseMs:       p95,
		P99ResponseMs:       p99,
		SlowestEndpoints:    slowest,
		FastestEndpoints:    fastest,
		ErrorRateByEndpoint: errorRates,
	}, nil
}

// calculatePercentiles uses index = floor(len*q), matching the original
// implementation's calculate_percentiles.
func calculatePercentiles(sorted []int64) (p50, p95, p99 int64) {
	if len(sorted) == 0 {
		return 0, 0, 0
	}
	idx := func(q float64) int64 {
		i := int(float64(len(sorted)) * q)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	return idx(0.5), idx(0.95), idx(0.99)
}

func (d *Dashboard) endpointSpeedRankings(cutoff int64) ([]EndpointSpeed, []EndpointSpeed, error) {
	rows, err := d.db.Query(`
		SELECT endpoint, AVG(response_time_ms) FROM api_call_tracking
		WHERE timestamp > ? AND status_code IS NOT NULL
		GROUP BY endpoint HAVING COUNT(*) >= 5 ORDER BY AVG(response_time_ms) DESC
	`, cutoff)
	if err != nil {
		return nil, nil, &coreerr.DatabaseError{Op: "dashboard_speed_rankings", Err: err}
	}
	defer rows.Close()

	var speeds []EndpointSpeed
	for rows.Next() {
		var s EndpointSpeed
		if err := rows.Scan(&s.Endpoint, &s.AverageResponseMs); err != nil {
			return nil, nil, &coreerr.DatabaseError{Op: "dashboard_speed_rankings_scan", Err: err}
		}
		speeds = append(speeds, s)
	}

	slowest := speeds
	if len(slowest) > 5 {
		slowest = slowest[:5]
	}
	fastest := make([]EndpointSpeed, len(speeds))
	copy(fastest, speeds)
	sort.Slice(fastest, func(i, j int) bool { return fastest[i].AverageResponseMs < fastest[j].AverageResponseMs })
	if len(fastest) > 5 {
		fastest = fastest[:5]
	}
	return slowest, fastest, nil
}

func (d *Dashboard) errorRatesByEndpoint(cutoff int64) ([]EndpointErrorRate, error) {
	rows, err := d.db.Query(`
		SELECT endpoint, COUNT(*) AS total, SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END) AS errors
		FROM api_call_tracking WHERE timestamp > ? AND status_code IS NOT NULL
		GROUP BY endpoint HAVING total >= 10 ORDER BY (errors * 1.0 / total) DESC LIMIT 10
	`, cutoff)
	if err != nil {
		return nil, &coreerr.DatabaseError{Op: "dashboard_error_rates", Err: err}
	}
	defer rows.Close()

	var rates []EndpointErrorRate
	for rows.Next() {
		var endpoint string
		var total, errs int64
		if err := rows.Scan(&endpoint, &total, &errs); err != nil {
			return nil, &coreerr.DatabaseError{Op: "dashboard_error_rates_scan", Err: err}
		}
		rate := float64(0)
		if total > 0 {
			rate = float64(errs) / float64(total) * 100
		}
		rates = append(rates, EndpointErrorRate{Endpoint: endpoint, ErrorRatePct: rate})
	}
	return rates, rows.Err()
}

func (d *Dashboard) usageTrends() (UsageTrends, error) {
	hourly, err := d.bucketedCounts(24*time.Hour, 3600)
	if err != nil {
		return UsageTrends{}, err
	}
	daily, err := d.bucketedCounts(30*24*time.Hour, 86400)
	if err != nil {
		return UsageTrends{}, err
	}
	successRate, err := d.successRateTrend()
	if err != nil {
		return UsageTrends{}, err
	}
	responseTime, err := d.responseTimeTrend()
	if err != nil {
		return UsageTrends{}, err
	}
	return UsageTrends{
		HourlyRequestCounts: hourly,
		DailyRequestCounts:  daily,
		SuccessRateTrend:    successRate,
		ResponseTimeTrend:   responseTime,
	}, nil
}

func (d *Dashboard) bucketedCounts(lookback time.Duration, bucketSeconds int64) ([]TrendPoint, error) {
	cutoff := time.Now().Add(-lookback).Unix()
	rows, err := d.db.Query(`
		SELECT (timestamp / ?) * ? AS bucket_start, COUNT(*)
		FROM api_call_tracking WHERE timestamp > ?
		GROUP BY bucket_start ORDER BY bucket_start ASC
	`, bucketSeconds, bucketSeconds, cutoff)
	if err != nil {
		return nil, &coreerr.DatabaseError{Op: "dashboard_bucketed_counts", Err: err}
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var bucketStart int64
		var count int64
		if err := rows.Scan(&bucketStart, &count); err != nil {
			return nil, &coreerr.DatabaseError{Op: "dashboard_bucketed_counts_scan", Err: err}
		}
		points = append(points, TrendPoint{BucketStart: time.Unix(bucketStart, 0), Value: float64(count)})
	}
	return points, rows.Err()
}

func (d *Dashboard) successRateTrend() ([]TrendPoint, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := d.db.Query(`
		SELECT (timestamp / 3600) * 3600 AS hour_start, COUNT(*) AS total,
		       SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END) AS successful
		FROM api_call_tracking WHERE timestamp > ? AND status_code IS NOT NULL
		GROUP BY hour_start HAVING total >= 5 ORDER BY hour_start ASC
	`, cutoff)
	if err != nil {
		return nil, &coreerr.DatabaseError{Op: "dashboard_success_rate_trend", Err: err}
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var hourStart, total, successful int64
		if err := rows.Scan(&hourStart, &total, &successful); err != nil {
			return nil, &coreerr.DatabaseError{Op: "dashboard_success_rate_trend_scan", Err: err}
		}
		rate := float64(0)
		if total > 0 {
			rate = float64(successful) / float64(total) * 100
		}
		points = append(points, TrendPoint{BucketStart: time.Unix(hourStart, 0), Value: rate})
	}
	return points, rows.Err()
}

func (d *Dashboard) responseTimeTrend() ([]TrendPoint, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := d.db.Query(`
		SELECT (timestamp / 3600) * 3600 AS hour_start, AVG(response_time_ms)
		FROM api_call_tracking WHERE timestamp > ? AND status_code IS NOT NULL
		GROUP BY hour_start ORDER BY hour_start ASC
	`, cutoff)
	if err != nil {
		return nil, &coreerr.DatabaseError{Op: "dashboard_response_time_trend", Err: err}
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var hourStart int64
		var avgMs float64
		if err := rows.Scan(&hourStart, &avgMs); err != nil {
			return nil, &coreerr.DatabaseError{Op: "dashboard_response_time_trend_scan", Err: err}
		}
		points = append(points, TrendPoint{BucketStart: time.Unix(hourStart, 0), Value: avgMs})
	}
	return points, rows.Err()
}
