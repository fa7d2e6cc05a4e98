// Package models holds the data types shared across the Reddit API access
// core: OAuth tokens and auth state, rate limit state, queue and tracker
// rows, and the Reddit wire/domain post representations.
package models

import "time"

// Token is the OAuth2 credential issued by Reddit. Immutable once issued;
// replaced atomically on refresh.
type Token struct {
	AccessToken  string
	RefreshToken string // empty if Reddit did not grant one
	ExpiresAt    time.Time
	Scopes       []string
}

// HasRefresh reports whether the token can be refreshed once expired.
func (t Token) HasRefresh() bool { return t.RefreshToken != "" }

// AuthState is the tagged-variant auth state machine described in spec.md
// §3. Exactly one concrete type is held by the Auth Manager at a time.
type AuthState interface {
	authState()
}

// NotAuthenticatedState is the initial state: no authorization attempted.
type NotAuthenticatedState struct{}

// PendingAuthorizationState holds the CSRF token and PKCE verifier between
// GenerateAuthURL and HandleCallback.
type PendingAuthorizationState struct {
	CSRF         string
	PKCEVerifier string
}

// AuthenticatedState holds a currently-valid token.
type AuthenticatedState struct {
	Token Token
}

// TokenExpiredState holds a token that has passed ExpiresAt but may still
// be refreshable.
type TokenExpiredState struct {
	Token Token
}

func (NotAuthenticatedState) authState()     {}
func (PendingAuthorizationState) authState() {}
func (AuthenticatedState) authState()        {}
func (TokenExpiredState) authState()         {}

// RateLimitConfig configures the token bucket rate limiter. Reddit OAuth
// defaults: 100 requests per 60s window, 10 request burst allowance.
type RateLimitConfig struct {
	MaxRequestsPerWindow int
	Window               time.Duration
	BurstAllowance       int
}

// WindowStats is the sliding per-minute observability counter maintained by
// the rate limiter (distinct from the durable tracker's RateWindowRow).
type WindowStats struct {
	WindowStart  time.Time
	RequestCount int
	Successful   int
	RateLimited  int
}

// Priority bucket values used by the dashboard's queue-size-by-priority
// section.
const (
	PriorityHigh   = 1
	PriorityNormal = 0
	PriorityLow    = -1
)

// QueueStatus is the lifecycle of a QueuedRequest row.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusExecuting QueueStatus = "executing"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusCancelled QueueStatus = "cancelled"
)

// PriorityRequest is the lightweight heap entry: priority desc, then
// scheduled_for asc.
type PriorityRequest struct {
	RequestID    string
	Priority     int
	ScheduledFor time.Time
}

// QueuedRequest is the full persisted request body.
type QueuedRequest struct {
	RequestID     string
	Method        string
	Endpoint      string
	AccessToken   string
	QueryParams   map[string]string
	Priority      int
	OperationType string
	RetryCount    int
	MaxRetries    int
	Timeout       time.Duration
	Status        QueueStatus
	QueuedAt      time.Time
	ScheduledFor  time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

// CallRecord is one append-only row of api_call_tracking.
type CallRecord struct {
	RequestID      string
	Endpoint       string
	Method         string
	StatusCode     int // 0 if the call never reached Reddit (e.g. network error)
	ResponseTimeMs int64
	RateLimited    bool
	ErrorClass     string // empty when successful
	UserAgent      string
	Priority       int
	QueueWaitMs    int64
	Timestamp      time.Time
	Subreddit      string
	OperationType  string
	TokensBefore   *float64
	TokensAfter    *float64
}

// RateWindowRow is the durable per-(window_start,window_duration) counter
// row, distinct from the in-memory WindowStats used by the rate limiter.
type RateWindowRow struct {
	WindowStart           time.Time
	WindowEnd             time.Time
	WindowDurationSeconds int
	RequestCount          int
	SuccessfulRequests    int
	RateLimitedRequests   int
	TotalResponseTimeMs   int64
	LimitReached          bool
	MaxRequestsAllowed    int
}

// AlertSeverity classifies an Alert's urgency.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is a single api_usage_alerts row.
type Alert struct {
	ID             int64
	AlertType      string
	Severity       AlertSeverity
	Message        string
	ThresholdValue *float64
	CurrentValue   *float64
	Endpoint       string
	TimeWindowSecs int
	TriggeredAt    time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	ActionTaken    string
}

// CircuitState is the breaker's tagged-variant state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpenState
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpenState:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// RedditPostData is the raw wire shape of one Reddit post ("data" of one
// listing child).
type RedditPostData struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	CreatedUTC  float64 `json:"created_utc"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	Over18      bool    `json:"over_18"`
	Stickied    bool    `json:"stickied"`
	Locked      bool    `json:"locked"`
	IsSelf      bool    `json:"is_self"`
	Domain      string  `json:"domain"`
	Thumbnail   string  `json:"thumbnail"`
}

// RedditListingChild is one entry of a listing's children array.
type RedditListingChild struct {
	Kind string         `json:"kind"`
	Data RedditPostData `json:"data"`
}

// RedditListing is Reddit's paginated collection wire format.
type RedditListing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []RedditListingChild `json:"children"`
		After    string               `json:"after"`
		Before   string               `json:"before"`
		Dist     int                  `json:"dist"`
	} `json:"data"`
}

// RedditPost is the domain model a caller receives: derived from
// RedditPostData per the conversion rules in spec.md §4.4.
type RedditPost struct {
	ID          string
	Title       string
	Content     *string // present only when IsSelf && SelfText != ""
	Author      string
	Subreddit   string
	URL         string
	Permalink   string
	CreatedUTC  int64 // floor(f64)
	Score       int
	NumComments int
	UpvoteRatio *float64
	Over18      bool
	Stickied    bool
	Locked      bool
	IsSelf      bool
	Domain      string
	Thumbnail   *string
}

// ToDomain converts a wire post into the domain RedditPost, applying the
// permalink prefix, content derivation, and created_utc floor rules.
func (d RedditPostData) ToDomain() RedditPost {
	p := RedditPost{
		ID:          d.ID,
		Title:       d.Title,
		Author:      d.Author,
		Subreddit:   d.Subreddit,
		URL:         d.URL,
		Permalink:   "https://reddit.com" + d.Permalink,
		CreatedUTC:  int64(d.CreatedUTC),
		Score:       d.Score,
		NumComments: d.NumComments,
		Over18:      d.Over18,
		Stickied:    d.Stickied,
		Locked:      d.Locked,
		IsSelf:      d.IsSelf,
		Domain:      d.Domain,
	}
	if d.IsSelf && d.SelfText != "" {
		text := d.SelfText
		p.Content = &text
	}
	if d.UpvoteRatio != 0 {
		ratio := d.UpvoteRatio
		p.UpvoteRatio = &ratio
	}
	if d.Thumbnail != "" {
		thumb := d.Thumbnail
		p.Thumbnail = &thumb
	}
	return p
}

// RedditUserData is the /api/v1/me response shape.
type RedditUserData struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	LinkKarma        int     `json:"link_karma"`
	CommentKarma     int     `json:"comment_karma"`
	Created          float64 `json:"created_utc"`
	HasVerifiedEmail bool    `json:"has_verified_email"`
}

// RedditSubredditData is the /r/{name}/about response shape.
type RedditSubredditData struct {
	DisplayName       string  `json:"display_name"`
	Title             string  `json:"title"`
	PublicDescription string  `json:"public_description"`
	Subscribers       int     `json:"subscribers"`
	Over18            bool    `json:"over18"`
	Created           float64 `json:"created_utc"`
}
