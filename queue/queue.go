// Package queue implements the priority Request Queue described in
// spec.md §4.5: a durable, priority-ordered heap of deferred requests that
// replays each one through the real HTTP client under the retry executor's
// policy, rescheduling failures with exponential backoff.
package queue

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/likeminded/reddit-core/client"
	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/db"
	"github.com/likeminded/reddit-core/models"
	"github.com/likeminded/reddit-core/retry"
)

const (
	defaultCapacity = 1000
	pollInterval    = 100 * time.Millisecond
)

// Result is delivered exactly once on a request's result channel.
type Result struct {
	RequestID  string
	Body       []byte
	StatusCode int
	Err        error
}

// priorityHeap is a container/heap.Interface over *models.PriorityRequest,
// ordered by priority desc then scheduled_for asc - the same ordering as
// the original implementation's BinaryHeap.
type priorityHeap []*models.PriorityRequest

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledFor.Before(h[j].ScheduledFor)
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(*models.PriorityRequest)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// EnqueueOptions describes a deferred request.
type EnqueueOptions struct {
	Method        string
	Endpoint      string
	AccessToken   string
	Params        url.Values
	Priority      int
	OperationType string
	Subreddit     string
	MaxRetries    int
}

// Manager owns the in-memory heap plus its durable backing rows and drives
// a processor goroutine that replays each request through the real client
// pipeline - never a simulated response.
type Manager struct {
	mu       sync.Mutex
	heap     priorityHeap
	requests map[string]*models.QueuedRequest
	waiters  map[string]chan Result
	capacity int

	database *db.Database
	client   *client.Client
	executor *retry.Executor
	log      *logrus.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a queue manager. capacity <= 0 uses the spec default of
// 1000 outstanding requests.
func NewManager(database *db.Database, c *client.Client, executor *retry.Executor, log *logrus.Logger, capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		requests: make(map[string]*models.QueuedRequest),
		waiters:  make(map[string]chan Result),
		capacity: capacity,
		database: database,
		client:   c,
		executor: executor,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Load rebuilds the heap and request map from persisted request_queue rows.
// Per the startup decision recorded in DESIGN.md, rows left "executing" at
// process death are demoted back to "queued" since no in-process execution
// could have survived the restart.
func (m *Manager) Load() error {
	rows, err := m.database.DB.Query(`
		SELECT request_id, endpoint, method, priority, operation_type,
		       queued_at, scheduled_for, status, retry_count, max_retries
		FROM request_queue
		WHERE status IN ('queued', 'executing')
	`)
	if err != nil {
		return &coreerr.DatabaseError{Op: "load_queue", Err: err}
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	for rows.Next() {
		var (
			requestID, endpoint, method, status string
			operationType                       sql.NullString
			priority, retryCount, maxRetries    int
			queuedAtUnix, scheduledForUnix      int64
		)
		if err := rows.Scan(&requestID, &endpoint, &method, &priority, &operationType,
			&queuedAtUnix, &scheduledForUnix, &status, &retryCount, &maxRetries); err != nil {
			return &coreerr.DatabaseError{Op: "load_queue_scan", Err: err}
		}

		if status == "executing" {
			status = "queued"
		}

		qr := &models.QueuedRequest{
			RequestID:     requestID,
			Method:        method,
			Endpoint:      endpoint,
			Priority:      priority,
			OperationType: operationType.String,
			RetryCount:    retryCount,
			MaxRetries:    maxRetries,
			Status:        models.QueueStatus(status),
			QueuedAt:      time.Unix(queuedAtUnix, 0),
			ScheduledFor:  time.Unix(scheduledForUnix, 0),
		}
		m.requests[requestID] = qr
		heap.Push(&m.heap, &models.PriorityRequest{
			RequestID:    requestID,
			Priority:     priority,
			ScheduledFor: qr.ScheduledFor,
		})
	}
	return rows.Err()
}

// Enqueue persists and schedules a deferred request, returning its id and a
// channel that receives exactly one Result once the request terminates
// (success, permanent failure, or exhausted retries).
func (m *Manager) Enqueue(opts EnqueueOptions) (string, <-chan Result, error) {
	m.mu.Lock()
	if len(m.requests) >= m.capacity {
		m.mu.Unlock()
		return "", nil, &coreerr.QueueFull{RetryAfterSeconds: 60}
	}
	m.mu.Unlock()

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	now := time.Now()
	requestID := uuid.NewString()
	qr := &models.QueuedRequest{
		RequestID:     requestID,
		Method:        opts.Method,
		Endpoint:      opts.Endpoint,
		AccessToken:   opts.AccessToken,
		QueryParams:   paramsToMap(opts.Params),
		Priority:      opts.Priority,
		OperationType: opts.OperationType,
		MaxRetries:    maxRetries,
		Status:        models.QueueStatusQueued,
		QueuedAt:      now,
		ScheduledFor:  now,
	}

	if _, err := m.database.DB.Exec(`
		INSERT INTO request_queue (
			request_id, endpoint, method, priority, operation_type,
			queued_at, scheduled_for, status, retry_count, max_retries
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', 0, ?)
	`, requestID, opts.Endpoint, opts.Method, opts.Priority, opts.OperationType,
		now.Unix(), now.Unix(), maxRetries); err != nil {
		return "", nil, &coreerr.DatabaseError{Op: "enqueue", Err: err}
	}

	resultCh := make(chan Result, 1)

	m.mu.Lock()
	m.requests[requestID] = qr
	m.waiters[requestID] = resultCh
	heap.Push(&m.heap, &models.PriorityRequest{RequestID: requestID, Priority: opts.Priority, ScheduledFor: now})
	m.mu.Unlock()

	return requestID, resultCh, nil
}

// Cancel removes a queued (not yet executing) request from the heap and
// marks its row cancelled. Reports whether the request was found queued.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qr, ok := m.requests[requestID]
	if !ok || qr.Status != models.QueueStatusQueued {
		return false
	}

	rebuilt := make(priorityHeap, 0, len(m.heap))
	for _, pr := range m.heap {
		if pr.RequestID != requestID {
			rebuilt = append(rebuilt, pr)
		}
	}
	m.heap = rebuilt
	heap.Init(&m.heap)

	delete(m.requests, requestID)
	if ch, ok := m.waiters[requestID]; ok {
		ch <- Result{RequestID: requestID, Err: fmt.Errorf("request cancelled")}
		close(ch)
		delete(m.waiters, requestID)
	}

	_, _ = m.database.DB.Exec(`UPDATE request_queue SET status = 'cancelled' WHERE request_id = ?`, requestID)
	return true
}

// QueueSize returns the number of requests currently waiting (not yet
// executing), used by the dashboard's queue-size-by-priority section.
func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap)
}

// SizeByPriority buckets queued requests into PriorityHigh/Normal/Low.
func (m *Manager) SizeByPriority() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[int]int)
	for _, pr := range m.heap {
		sizes[pr.Priority]++
	}
	return sizes
}

// Start launches the processor goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals the processor goroutine to exit and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.processNext()
		}
	}
}

// processNext pops the highest-priority due request and executes it. It
// returns quickly (no work available, or the next item isn't due yet) so
// the caller's ticker cadence governs throughput.
func (m *Manager) processNext() {
	m.mu.Lock()
	if len(m.heap) == 0 {
		m.mu.Unlock()
		return
	}
	next := m.heap[0]
	if next.ScheduledFor.After(time.Now()) {
		m.mu.Unlock()
		return
	}
	heap.Pop(&m.heap)
	qr := m.requests[next.RequestID]
	if qr != nil {
		qr.Status = models.QueueStatusExecuting
	}
	m.mu.Unlock()

	if qr == nil {
		return
	}

	m.execute(qr)
}

func (m *Manager) execute(qr *models.QueuedRequest) {
	_, _ = m.database.DB.Exec(`UPDATE request_queue SET status = 'executing', started_at = ? WHERE request_id = ?`,
		time.Now().Unix(), qr.RequestID)

	params := url.Values{}
	for k, v := range qr.QueryParams {
		params.Set(k, v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	operation := func(opCtx context.Context) (any, error) {
		return m.client.Execute(opCtx, qr.Method, qr.Endpoint, qr.AccessToken, params, client.ExecOptions{
			RequestID:     qr.RequestID,
			Priority:      qr.Priority,
			Subreddit:     "",
			OperationType: qr.OperationType,
		})
	}

	result, err := m.executor.Run(ctx, qr.OperationType, operation)
	if err == nil {
		m.complete(qr, result.([]byte))
		return
	}
	m.handleFailure(qr, err)
}

func (m *Manager) complete(qr *models.QueuedRequest, body []byte) {
	now := time.Now()
	_, _ = m.database.DB.Exec(`UPDATE request_queue SET status = 'completed', completed_at = ? WHERE request_id = ?`,
		now.Unix(), qr.RequestID)

	m.mu.Lock()
	delete(m.requests, qr.RequestID)
	ch := m.waiters[qr.RequestID]
	delete(m.waiters, qr.RequestID)
	m.mu.Unlock()

	if ch != nil {
		ch <- Result{RequestID: qr.RequestID, Body: body, StatusCode: 200}
		close(ch)
	}
}

// handleFailure reschedules the request with exponential backoff in minutes
// (2, 4, 8, ...) up to MaxRetries, matching the original implementation's
// backoff_seconds = 2^retry_count * 60 formula. Once retries are exhausted
// the request is marked permanently failed.
func (m *Manager) handleFailure(qr *models.QueuedRequest, runErr error) {
	qr.RetryCount++

	if qr.RetryCount <= qr.MaxRetries {
		backoffSeconds := (1 << uint(qr.RetryCount)) * 60
		retryAt := time.Now().Add(time.Duration(backoffSeconds) * time.Second)
		qr.ScheduledFor = retryAt
		qr.Status = models.QueueStatusQueued

		m.mu.Lock()
		heap.Push(&m.heap, &models.PriorityRequest{RequestID: qr.RequestID, Priority: qr.Priority, ScheduledFor: retryAt})
		m.mu.Unlock()

		_, _ = m.database.DB.Exec(`UPDATE request_queue SET status = 'queued', retry_count = ?, scheduled_for = ? WHERE request_id = ?`,
			qr.RetryCount, retryAt.Unix(), qr.RequestID)

		m.log.WithField("request_id", qr.RequestID).
			WithField("retry_count", qr.RetryCount).
			WithField("backoff_seconds", backoffSeconds).
			Warn("request failed, scheduling retry")
		return
	}

	now := time.Now()
	_, _ = m.database.DB.Exec(`UPDATE request_queue SET status = 'failed', failed_at = ? WHERE request_id = ?`,
		now.Unix(), qr.RequestID)

	m.mu.Lock()
	delete(m.requests, qr.RequestID)
	ch := m.waiters[qr.RequestID]
	delete(m.waiters, qr.RequestID)
	m.mu.Unlock()

	m.log.WithField("request_id", qr.RequestID).
		WithField("retry_count", qr.RetryCount).
		Error("request failed permanently after exhausting retries")

	if ch != nil {
		ch <- Result{RequestID: qr.RequestID, Err: runErr}
		close(ch)
	}
}

func paramsToMap(v url.Values) map[string]string {
	if len(v) == 0 {
		return nil
	}
	m := make(map[string]string, len(v))
	for k := range v {
		m[k] = v.Get(k)
	}
	return m
}
