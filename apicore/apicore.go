// Package apicore wires every layer described in spec.md §2 (Auth Manager,
// Rate Limiter, Retry Executor, HTTP Client, Request Queue, Call Tracker,
// Dashboard) into the single global-state handle named in spec.md §9's
// design notes, and exposes the Caller API (spec.md §6) as plain methods.
package apicore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/likeminded/reddit-core/auth"
	"github.com/likeminded/reddit-core/client"
	"github.com/likeminded/reddit-core/dashboard"
	"github.com/likeminded/reddit-core/db"
	"github.com/likeminded/reddit-core/models"
	"github.com/likeminded/reddit-core/queue"
	"github.com/likeminded/reddit-core/ratelimit"
	"github.com/likeminded/reddit-core/retry"
	"github.com/likeminded/reddit-core/tracker"
	"github.com/likeminded/reddit-core/utils"
)

const cleanupInterval = time.Hour

// ApiCore is the single handle named in spec.md §9: every Caller operation
// goes through it, and it owns the lifetime of every background goroutine
// (queue processor, retention cleanup).
type ApiCore struct {
	Auth      *auth.Manager
	Limiter   *ratelimit.Limiter
	Executor  *retry.Executor
	Client    *client.Client
	Queue     *queue.Manager
	Tracker   *tracker.Tracker
	Dashboard *dashboard.Dashboard

	database *db.Database
	log      *logrus.Logger
	stopCh   chan struct{}
}

// New builds every layer from config and loads the Request Queue's durable
// state, but does not start any background goroutine - call Start for that.
func New(cfg *utils.Config, log *logrus.Logger) (*ApiCore, error) {
	database, err := db.NewDatabase(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}

	tr := tracker.New(database.DB, log)
	if err := tr.Initialize(); err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(models.RateLimitConfig{
		MaxRequestsPerWindow: cfg.RateLimit.MaxRequestsPerWindow,
		Window:               cfg.RateLimit.Window(),
		BurstAllowance:       cfg.RateLimit.BurstAllowance,
	})

	maxRequestsAllowed := cfg.RateLimit.MaxRequestsPerWindow
	httpClient := client.New(cfg.Reddit.UserAgent, limiter, log, func(record models.CallRecord) {
		if err := tr.RecordAPICall(record, maxRequestsAllowed); err != nil {
			log.WithError(err).Error("failed to persist api call record")
		}
	})

	authMgr := auth.NewManager(cfg.Reddit.ClientID, cfg.Reddit.ClientSecret, cfg.Reddit.RedirectURI, cfg.Reddit.UserAgent, log)

	executor := retry.NewExecutor(retry.Config{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BaseDelay:        cfg.Retry.RetryBaseDelay(),
		MaxDelay:         cfg.Retry.RetryMaxDelay(),
		Multiplier:       cfg.Retry.Multiplier,
		JitterFactor:     cfg.Retry.JitterFactor,
		FailureThreshold: cfg.Retry.FailureThreshold,
		RecoveryTimeout:  cfg.Retry.RecoveryTimeout(),
	}, log)

	queueMgr := queue.NewManager(database, httpClient, executor, log, cfg.Queue.Capacity)
	if err := queueMgr.Load(); err != nil {
		return nil, err
	}

	dash := dashboard.New(database.DB, tr, limiter, queueMgr)

	return &ApiCore{
		Auth:      authMgr,
		Limiter:   limiter,
		Executor:  executor,
		Client:    httpClient,
		Queue:     queueMgr,
		Tracker:   tr,
		Dashboard: dash,
		database:  database,
		log:       log,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the Request Queue processor and the tracker's retention
// cleanup loop.
func (a *ApiCore) Start() {
	a.Queue.Start()
	go a.cleanupLoop()
}

// Stop drains the background goroutines and closes the database handle.
func (a *ApiCore) Stop() error {
	close(a.stopCh)
	a.Queue.Stop()
	return a.database.Close()
}

func (a *ApiCore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.Tracker.CleanupOldData(time.Now()); err != nil {
				a.log.WithError(err).Error("retention cleanup failed")
			}
		}
	}
}

// runAuthenticated is the guard every synchronous Caller operation runs
// through: ensure a valid token, then execute the operation under the
// retry/circuit-breaker policy.
func (a *ApiCore) runAuthenticated(ctx context.Context, name string, op func(ctx context.Context, accessToken string) (any, error)) (any, error) {
	token, err := a.Auth.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	return a.Executor.Run(ctx, name, func(opCtx context.Context) (any, error) {
		return op(opCtx, token.AccessToken)
	})
}

// GenerateAuthURL starts the OAuth2 PKCE flow, per spec.md §4.1.
func (a *ApiCore) GenerateAuthURL() (authURL string, csrf string, err error) {
	return a.Auth.GenerateAuthURL(auth.RequiredScopes)
}

// HandleAuthCallback completes the OAuth2 PKCE flow from Reddit's redirect.
func (a *ApiCore) HandleAuthCallback(ctx context.Context, callbackURL, expectedCSRF string) (models.Token, error) {
	return a.Auth.HandleCallback(ctx, callbackURL, expectedCSRF)
}

// FetchUserInfo retrieves the authenticated user's identity.
func (a *ApiCore) FetchUserInfo(ctx context.Context, requestID string) (models.RedditUserData, error) {
	result, err := a.runAuthenticated(ctx, "get_user_info", func(opCtx context.Context, token string) (any, error) {
		return a.Client.GetUserInfo(opCtx, token, requestID)
	})
	if err != nil {
		return models.RedditUserData{}, err
	}
	return result.(models.RedditUserData), nil
}

// FetchSubredditPosts retrieves one subreddit's listing.
func (a *ApiCore) FetchSubredditPosts(ctx context.Context, subreddit string, opts client.SubredditPostsOptions) (models.RedditListing, error) {
	result, err := a.runAuthenticated(ctx, "get_subreddit_posts", func(opCtx context.Context, token string) (any, error) {
		return a.Client.GetSubredditPosts(opCtx, token, subreddit, opts)
	})
	if err != nil {
		return models.RedditListing{}, err
	}
	return result.(models.RedditListing), nil
}

// FetchMultipleSubredditPosts fans out GetSubredditPosts concurrently across
// subreddits. Each subreddit's failure is reported per-item; the retry
// executor wraps the whole fan-out as one operation since client.go already
// isolates per-subreddit errors.
func (a *ApiCore) FetchMultipleSubredditPosts(ctx context.Context, subreddits []string, opts client.SubredditPostsOptions) ([]client.MultiSubredditResult, error) {
	result, err := a.runAuthenticated(ctx, "get_multiple_subreddit_posts", func(opCtx context.Context, token string) (any, error) {
		return a.Client.GetMultipleSubredditPosts(opCtx, token, subreddits, opts), nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]client.MultiSubredditResult), nil
}

// EnqueueDeferredRequest hands a request to the Request Queue instead of
// executing it inline, per spec.md §4.5. The access token is resolved
// eagerly since a queued request may run long after this call returns.
func (a *ApiCore) EnqueueDeferredRequest(ctx context.Context, opts queue.EnqueueOptions) (string, <-chan queue.Result, error) {
	token, err := a.Auth.EnsureAuthenticated(ctx)
	if err != nil {
		return "", nil, err
	}
	opts.AccessToken = token.AccessToken
	return a.Queue.Enqueue(opts)
}

// CancelDeferredRequest cancels a queued (not yet executing) request.
func (a *ApiCore) CancelDeferredRequest(requestID string) bool {
	return a.Queue.Cancel(requestID)
}

// GetDashboardData returns the cached (or freshly generated) usage
// dashboard snapshot, per spec.md §4.7.
func (a *ApiCore) GetDashboardData(ctx context.Context, forceRefresh bool) (dashboard.Data, error) {
	return a.Dashboard.GetDashboardData(ctx, forceRefresh)
}
