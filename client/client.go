// Package client implements the stateless HTTP Client described in
// spec §4.4: authenticated request assembly, response classification, and
// Reddit listing decode.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/models"
	"github.com/likeminded/reddit-core/ratelimit"
)

const (
	baseURL         = "https://oauth.reddit.com"
	requestTimeout  = 30 * time.Second
	defaultLimit    = 25
	maxListingLimit = 100
)

// RecordFunc is invoked by Client after every response classification so
// the caller (normally the Call Tracker) can append a CallRecord without
// this package depending on the tracker package directly.
type RecordFunc func(models.CallRecord)

// Client is the stateless HTTP wrapper. It acquires a rate-limit permit
// before every send and classifies the response per spec.md §4.4.
type Client struct {
	httpClient *http.Client
	userAgent  string
	limiter    *ratelimit.Limiter
	log        *logrus.Logger
	onRecord   RecordFunc
}

// New builds a Client against the given rate limiter.
func New(userAgent string, limiter *ratelimit.Limiter, log *logrus.Logger, onRecord RecordFunc) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		userAgent:  userAgent,
		limiter:    limiter,
		log:        log,
		onRecord:   onRecord,
	}
}

// requestOptions parameterize a single pipeline invocation for tracker
// context (priority, subreddit, operation type, request id).
type requestOptions struct {
	requestID     string
	priority      int
	subreddit     string
	operationType string
}

// do runs the full request pipeline from spec.md §4.4: acquire permit,
// send, classify, record.
func (c *Client) do(ctx context.Context, method, endpoint string, accessToken string, params url.Values, opts requestOptions) ([]byte, error) {
	tokensBefore := c.limiter.Status().AvailableTokens

	permit, err := c.limiter.AcquirePermit(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	fullURL := baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, &coreerr.NetworkError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		classErr := classifyTransportError(err)
		c.record(opts, endpoint, method, 0, elapsed, false, classErr.Class(), tokensBefore)
		return nil, classErr
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		classErr := &coreerr.InvalidResponse{Details: readErr.Error()}
		c.record(opts, endpoint, method, resp.StatusCode, elapsed, false, classErr.Class(), tokensBefore)
		return nil, classErr
	}

	classErr := classifyStatus(resp, endpoint)
	rateLimited := resp.StatusCode == http.StatusTooManyRequests
	c.limiter.RecordOutcome(classErr == nil, rateLimited)

	errClass := ""
	if classErr != nil {
		errClass = classErr.Class()
	}
	c.record(opts, endpoint, method, resp.StatusCode, elapsed, rateLimited, errClass, tokensBefore)

	if classErr != nil {
		return nil, classErr
	}
	return body, nil
}

func (c *Client) record(opts requestOptions, endpoint, method string, status int, elapsed time.Duration, rateLimited bool, errClass string, tokensBefore float64) {
	if c.onRecord == nil {
		return
	}
	tokensAfter := c.limiter.Status().AvailableTokens
	c.onRecord(models.CallRecord{
		RequestID:      opts.requestID,
		Endpoint:       endpoint,
		Method:         method,
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
		RateLimited:    rateLimited,
		ErrorClass:     errClass,
		UserAgent:      c.userAgent,
		Priority:       opts.priority,
		Timestamp:      time.Now(),
		Subreddit:       opts.subreddit,
		OperationType:   opts.operationType,
		TokensBefore:    &tokensBefore,
		TokensAfter:     &tokensAfter,
	})
}

// classifyStatus maps an HTTP response onto spec.md §4.4's classification
// table. Returns nil for 2xx.
func classifyStatus(resp *http.Response, endpoint string) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		retryAfter := 60
		if v := resp.Header.Get("Retry-After"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				retryAfter = parsed
			}
		}
		return &coreerr.RateLimitExceeded{RetryAfterSeconds: retryAfter}
	case status == http.StatusUnauthorized:
		return &coreerr.InvalidToken{Reason: "reddit returned 401"}
	case status == http.StatusForbidden:
		return &coreerr.Forbidden{Resource: endpoint}
	case status == http.StatusNotFound:
		if strings.HasSuffix(endpoint, "/about") {
			name := subredditFromAboutEndpoint(endpoint)
			return &coreerr.NotFound{Kind: "subreddit", Resource: name}
		}
		return &coreerr.InvalidResponse{Details: "Resource not found"}
	case status >= 500:
		return &coreerr.ServerError{StatusCode: status}
	default:
		return &coreerr.InvalidResponse{Details: fmt.Sprintf("unexpected status %d", status)}
	}
}

func subredditFromAboutEndpoint(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	if len(parts) >= 2 && parts[0] == "r" {
		return parts[1]
	}
	return endpoint
}

func classifyTransportError(err error) error {
	if err, ok := err.(interface{ Timeout() bool }); ok && err.Timeout() {
		return &coreerr.RequestTimeout{}
	}
	return &coreerr.NetworkError{Err: err}
}

// ExecOptions parameterize a generic Execute call made on behalf of a
// queued request, which only knows method/endpoint/params at enqueue time.
type ExecOptions struct {
	RequestID     string
	Priority      int
	Subreddit     string
	OperationType string
}

// Execute runs the same pipeline as the typed helpers below against an
// arbitrary endpoint. The Request Queue uses this to replay a deferred
// request through the real client instead of simulating a response.
func (c *Client) Execute(ctx context.Context, method, endpoint, accessToken string, params url.Values, opts ExecOptions) ([]byte, error) {
	return c.do(ctx, method, endpoint, accessToken, params, requestOptions{
		requestID:     opts.RequestID,
		priority:      opts.Priority,
		subreddit:     opts.Subreddit,
		operationType: opts.OperationType,
	})
}

// GetUserInfo fetches /api/v1/me.
func (c *Client) GetUserInfo(ctx context.Context, accessToken string, requestID string) (models.RedditUserData, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/me", accessToken, nil, requestOptions{requestID: requestID, operationType: "get_user_info"})
	if err != nil {
		return models.RedditUserData{}, err
	}
	var data models.RedditUserData
	if err := json.Unmarshal(body, &data); err != nil {
		return models.RedditUserData{}, &coreerr.InvalidResponse{Details: "failed to parse user data"}
	}
	return data, nil
}

var validSorts = map[string]bool{"hot": true, "new": true, "top": true, "rising": true, "controversial": true}
var timeFilterSorts = map[string]bool{"top": true, "controversial": true}

// SubredditPostsOptions parameterize GetSubredditPosts.
type SubredditPostsOptions struct {
	Sort       string
	TimeFilter string
	Limit      int
	After      string
	Priority   int
	RequestID  string
}

// GetSubredditPosts fetches /r/{name}/{sort}, per spec.md §4.4.
func (c *Client) GetSubredditPosts(ctx context.Context, accessToken, subreddit string, opts SubredditPostsOptions) (models.RedditListing, error) {
	sort := opts.Sort
	if sort == "" {
		sort = "hot"
	}
	if !validSorts[sort] {
		return models.RedditListing{}, &coreerr.InvalidResponse{Details: fmt.Sprintf("invalid sort: %s", sort)}
	}

	limit := opts.Limit
	if limit <= 0 || limit > maxListingLimit {
		limit = defaultLimit
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if opts.After != "" {
		params.Set("after", opts.After)
	}
	if opts.TimeFilter != "" && timeFilterSorts[sort] {
		params.Set("t", opts.TimeFilter)
	}

	endpoint := fmt.Sprintf("/r/%s/%s", subreddit, sort)
	body, err := c.do(ctx, http.MethodGet, endpoint, accessToken, params, requestOptions{
		requestID:     opts.RequestID,
		priority:      opts.Priority,
		subreddit:     subreddit,
		operationType: "get_subreddit_posts",
	})
	if err != nil {
		return models.RedditListing{}, err
	}

	var listing models.RedditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return models.RedditListing{}, &coreerr.InvalidResponse{Details: fmt.Sprintf("failed to parse posts for r/%s", subreddit)}
	}
	return listing, nil
}

// MultiSubredditResult pairs a subreddit name with its fetch outcome.
type MultiSubredditResult struct {
	Subreddit string
	Listing   models.RedditListing
	Err       error
}

// GetMultipleSubredditPosts launches N concurrent GetSubredditPosts calls
// and returns results preserving input order; a per-subreddit failure does
// not fail the batch.
func (c *Client) GetMultipleSubredditPosts(ctx context.Context, accessToken string, subreddits []string, opts SubredditPostsOptions) []MultiSubredditResult {
	if len(subreddits) == 0 {
		return nil
	}

	results := make([]MultiSubredditResult, len(subreddits))
	g, gctx := errgroup.WithContext(ctx)

	for i, name := range subreddits {
		i, name := i, name
		g.Go(func() error {
			listing, err := c.GetSubredditPosts(gctx, accessToken, name, opts)
			results[i] = MultiSubredditResult{Subreddit: name, Listing: listing, Err: err}
			return nil // never fail the batch
		})
	}
	_ = g.Wait()

	return results
}

// CheckSubredditAccess reports whether the subreddit is accessible: true on
// 2xx, false on Forbidden/NotFound, and propagates other errors.
func (c *Client) CheckSubredditAccess(ctx context.Context, accessToken, subreddit string) (bool, error) {
	_, err := c.GetSubredditInfo(ctx, accessToken, subreddit)
	if err == nil {
		return true, nil
	}
	switch err.(type) {
	case *coreerr.Forbidden, *coreerr.NotFound:
		return false, nil
	default:
		return false, err
	}
}

// GetSubredditInfo fetches /r/{name}/about.
func (c *Client) GetSubredditInfo(ctx context.Context, accessToken, subreddit string) (models.RedditSubredditData, error) {
	endpoint := fmt.Sprintf("/r/%s/about", subreddit)
	body, err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil, requestOptions{subreddit: subreddit, operationType: "get_subreddit_info"})
	if err != nil {
		return models.RedditSubredditData{}, err
	}

	var wrapper struct {
		Kind string                       `json:"kind"`
		Data models.RedditSubredditData `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return models.RedditSubredditData{}, &coreerr.InvalidResponse{Details: fmt.Sprintf("failed to parse info for r/%s", subreddit)}
	}
	return wrapper.Data, nil
}

// GetUserSubreddits fetches /subreddits/mine/subscriber.
func (c *Client) GetUserSubreddits(ctx context.Context, accessToken string, limit int) (models.RedditListing, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.do(ctx, http.MethodGet, "/subreddits/mine/subscriber", accessToken, params, requestOptions{operationType: "get_user_subreddits"})
	if err != nil {
		return models.RedditListing{}, err
	}
	var listing models.RedditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return models.RedditListing{}, &coreerr.InvalidResponse{Details: "failed to parse user subreddits"}
	}
	return listing, nil
}

// ToDomainPosts converts a listing's children into domain RedditPost values.
func ToDomainPosts(listing models.RedditListing) []models.RedditPost {
	posts := make([]models.RedditPost, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		posts = append(posts, child.Data.ToDomain())
	}
	return posts
}
