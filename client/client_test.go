package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/models"
	"github.com/likeminded/reddit-core/ratelimit"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.NewLimiter(models.RateLimitConfig{
		MaxRequestsPerWindow: 1000,
		Window:               time.Minute,
		BurstAllowance:       50,
	})
}

func newClientForServer(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New("test-agent/1.0", testLimiter(), testLogger(), nil)
	c.httpClient = srv.Client()
	return c
}

// withBaseURLOverride is unnecessary since baseURL is a package const; the
// tests instead hit the real classify/decode logic by pointing requests at
// the test server through a transport that rewrites the host.
type redirectTransport struct {
	target string
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target
	return http.DefaultTransport.RoundTrip(req)
}

func clientAgainst(srv *httptest.Server) *Client {
	c := New("test-agent/1.0", testLimiter(), testLogger(), nil)
	host := srv.Listener.Addr().String()
	c.httpClient = &http.Client{Transport: &redirectTransport{target: host}, Timeout: 5 * time.Second}
	return c
}

func TestGetSubredditPostsDecodesSelfAndLinkPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		listing := models.RedditListing{Kind: "Listing"}
		listing.Data.Children = []models.RedditListingChild{
			{Kind: "t3", Data: models.RedditPostData{ID: "1", IsSelf: true, SelfText: "hi", Permalink: "/r/test/1"}},
			{Kind: "t3", Data: models.RedditPostData{ID: "2", IsSelf: false, SelfText: "", Permalink: "/r/test/2"}},
		}
		json.NewEncoder(w).Encode(listing)
	}))
	defer srv.Close()

	c := clientAgainst(srv)
	listing, err := c.GetSubredditPosts(context.Background(), "token", "test", SubredditPostsOptions{Sort: "hot"})
	require.NoError(t, err)

	posts := ToDomainPosts(listing)
	require.Len(t, posts, 2)
	require.NotNil(t, posts[0].Content)
	assert.Equal(t, "hi", *posts[0].Content)
	assert.Nil(t, posts[1].Content)
	assert.Equal(t, "https://reddit.com/r/test/1", posts[0].Permalink)
}

func TestGetSubredditPostsInvalidSort(t *testing.T) {
	c := New("ua", testLimiter(), testLogger(), nil)
	_, err := c.GetSubredditPosts(context.Background(), "token", "test", SubredditPostsOptions{Sort: "bogus"})
	require.Error(t, err)
	assert.True(t, isInvalidResponse(err))
}

func isInvalidResponse(err error) bool {
	_, ok := err.(*coreerr.InvalidResponse)
	return ok
}

func TestClassifyStatus429ParsesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := clientAgainst(srv)
	_, err := c.GetSubredditPosts(context.Background(), "token", "test", SubredditPostsOptions{Sort: "hot"})
	require.Error(t, err)
	rle, ok := err.(*coreerr.RateLimitExceeded)
	require.True(t, ok)
	assert.Equal(t, 42, rle.RetryAfterSeconds)
}

func TestClassifyStatus404OnAboutReturnsSubredditNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := clientAgainst(srv)
	_, err := c.GetSubredditInfo(context.Background(), "token", "missingsub")
	require.Error(t, err)
	nf, ok := err.(*coreerr.NotFound)
	require.True(t, ok)
	assert.Equal(t, "subreddit", nf.Kind)
	assert.Equal(t, "missingsub", nf.Resource)
}

func TestGetMultipleSubredditPostsPreservesOrderAndToleratesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/bad/hot" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		listing := models.RedditListing{Kind: "Listing"}
		json.NewEncoder(w).Encode(listing)
	}))
	defer srv.Close()

	c := clientAgainst(srv)
	results := c.GetMultipleSubredditPosts(context.Background(), "token", []string{"good1", "bad", "good2"}, SubredditPostsOptions{Sort: "hot"})

	require.Len(t, results, 3)
	assert.Equal(t, "good1", results[0].Subreddit)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "bad", results[1].Subreddit)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "good2", results[2].Subreddit)
	assert.NoError(t, results[2].Err)
}

func TestGetMultipleSubredditPostsEmptyInput(t *testing.T) {
	c := New("ua", testLimiter(), testLogger(), nil)
	results := c.GetMultipleSubredditPosts(context.Background(), "token", nil, SubredditPostsOptions{})
	assert.Nil(t, results)
}
