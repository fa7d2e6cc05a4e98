package auth

import (
	"net/http"
	"time"
)

// userAgentTransport injects the configured User-Agent on every request.
// Reddit's token endpoint returns an HTML anti-bot challenge instead of
// JSON when the header is empty or a generic Go default.
type userAgentTransport struct {
	userAgent string
	base      http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("User-Agent", t.userAgent)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(cloned)
}

// userAgentClient returns an *http.Client suitable for passing to
// oauth2.Config via the oauth2.HTTPClient context key, guaranteeing the
// configured User-Agent is sent on every token-endpoint request.
func userAgentClient(userAgent string) *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &userAgentTransport{userAgent: userAgent},
	}
}
