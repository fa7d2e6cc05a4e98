// Package db manages the SQLite connection and owns the schema for the
// five tables this core directly operates on: api_call_tracking,
// rate_limit_windows, api_usage_alerts, request_queue, and
// api_endpoint_configs. Per SPEC_FULL.md §6, the remaining store tables
// (posts, keywords, settings, api_keys, user_actions, subreddits) belong
// to external collaborators and are never created or touched here.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB connection with the mutex discipline the
// original teacher used for its own single-table store.
type Database struct {
	DB    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewDatabase opens the SQLite file at dbPath and creates the core's owned
// tables if they do not already exist.
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		DB:  sqlDB,
		log: log,
	}

	if err := database.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return database, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.DB.Close()
}

// initTables creates the core-owned tables. Mirrors the teacher's
// initTables shape; the unique constraint on (window_start,
// window_duration_seconds) resolves the Open Question in spec.md §9.
func (d *Database) initTables() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// note: in an ideal world, this would be a migration applied once per
	// environment (dev, staging, prod), not inline DDL.
	query := `
	CREATE TABLE IF NOT EXISTS api_call_tracking (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER,
		response_time_ms INTEGER NOT NULL,
		rate_limited BOOLEAN NOT NULL DEFAULT 0,
		error_type TEXT,
		user_agent TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		queue_wait_time_ms INTEGER NOT NULL DEFAULT 0,
		timestamp TIMESTAMP NOT NULL,
		subreddit TEXT,
		operation_type TEXT,
		available_tokens_before REAL,
		available_tokens_after REAL
	);
	CREATE INDEX IF NOT EXISTS idx_call_tracking_timestamp ON api_call_tracking(timestamp);
	CREATE INDEX IF NOT EXISTS idx_call_tracking_endpoint ON api_call_tracking(endpoint);

	CREATE TABLE IF NOT EXISTS rate_limit_windows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_start TIMESTAMP NOT NULL,
		window_end TIMESTAMP NOT NULL,
		window_duration_seconds INTEGER NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		successful_requests INTEGER NOT NULL DEFAULT 0,
		rate_limited_requests INTEGER NOT NULL DEFAULT 0,
		total_response_time_ms INTEGER NOT NULL DEFAULT 0,
		limit_reached BOOLEAN NOT NULL DEFAULT 0,
		max_requests_allowed INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(window_start, window_duration_seconds)
	);

	CREATE TABLE IF NOT EXISTS api_usage_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		threshold_value REAL,
		current_value REAL,
		endpoint TEXT,
		time_window_seconds INTEGER,
		triggered_at TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP,
		resolved_at TIMESTAMP,
		context_data TEXT,
		action_taken TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_triggered_at ON api_usage_alerts(triggered_at);

	CREATE TABLE IF NOT EXISTS request_queue (
		request_id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		operation_type TEXT,
		queued_at TIMESTAMP NOT NULL,
		scheduled_for TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		failed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_request_queue_status ON request_queue(status);

	CREATE TABLE IF NOT EXISTS api_endpoint_configs (
		endpoint_pattern TEXT PRIMARY KEY,
		rate_limit_per_minute INTEGER NOT NULL,
		priority_weight INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL DEFAULT 30,
		max_retries INTEGER NOT NULL DEFAULT 3,
		is_active BOOLEAN NOT NULL DEFAULT 1
	);
	`

	_, err := d.DB.Exec(query)
	return err
}
