// Package auth implements the OAuth2 Authorization Code + PKCE Auth
// Manager described in spec §4.1.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/models"
)

// RequiredScopes is the fixed scope set spec.md §4.1 requires.
var RequiredScopes = []string{"identity", "read", "mysubreddits"}

// refreshBuffer is how far ahead of expiry ensure_authenticated refreshes.
const refreshBuffer = 5 * time.Minute

var endpoint = oauth2.Endpoint{
	AuthURL:  "https://www.reddit.com/api/v1/authorize",
	TokenURL: "https://www.reddit.com/api/v1/access_token",
}

// Manager owns the OAuth2 PKCE flow and the single AuthState for this
// client instance.
type Manager struct {
	mu        sync.RWMutex
	state     models.AuthState
	oauthCfg  *oauth2.Config
	userAgent string
	log       *logrus.Logger
}

// NewManager constructs a Manager in the NotAuthenticated state.
func NewManager(clientID, clientSecret, redirectURI, userAgent string, log *logrus.Logger) *Manager {
	return &Manager{
		state: models.NotAuthenticatedState{},
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       RequiredScopes,
			Endpoint:     endpoint,
		},
		userAgent: userAgent,
		log:       log,
	}
}

// State returns the manager's current auth state.
func (m *Manager) State() models.AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GenerateAuthURL builds the authorize URL with a PKCE S256 challenge,
// duration=permanent, and a random CSRF token, and moves the manager into
// PendingAuthorization.
func (m *Manager) GenerateAuthURL(scopes []string) (authURL string, csrf string, err error) {
	verifier, err := generateVerifier()
	if err != nil {
		return "", "", fmt.Errorf("generating pkce verifier: %w", err)
	}
	challenge := challengeFromVerifier(verifier)

	csrf, err = generateCSRF()
	if err != nil {
		return "", "", fmt.Errorf("generating csrf token: %w", err)
	}

	cfg := *m.oauthCfg
	cfg.Scopes = scopes

	authURL = cfg.AuthCodeURL(csrf,
		oauth2.SetAuthURLParam("duration", "permanent"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	m.mu.Lock()
	m.state = models.PendingAuthorizationState{CSRF: csrf, PKCEVerifier: verifier}
	m.mu.Unlock()

	return authURL, csrf, nil
}

// HandleCallback parses the redirect URL, validates CSRF, strips Reddit's
// trailing "#_" quirk from the code, and exchanges it for a token.
func (m *Manager) HandleCallback(ctx context.Context, callbackURL string, expectedCSRF string) (models.Token, error) {
	m.mu.Lock()
	pending, ok := m.state.(models.PendingAuthorizationState)
	m.mu.Unlock()
	if !ok {
		return models.Token{}, &coreerr.AuthenticationFailed{Reason: "no pending authorization"}
	}

	code, err := validateCallback(pending, callbackURL, expectedCSRF)
	if err != nil {
		return models.Token{}, err
	}

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, userAgentClient(m.userAgent))
	oauthToken, err := m.oauthCfg.Exchange(oauthCtx, code,
		oauth2.SetAuthURLParam("code_verifier", pending.PKCEVerifier),
	)
	if err != nil {
		return models.Token{}, &coreerr.AuthenticationFailed{Reason: fmt.Sprintf("code exchange failed: %v", err)}
	}

	token := tokenFromOAuth2(oauthToken, RequiredScopes)

	m.mu.Lock()
	m.state = models.AuthenticatedState{Token: token}
	m.mu.Unlock()

	return token, nil
}

// Refresh posts the refresh grant, preserving the old refresh token when
// Reddit's response omits one (common after the first refresh).
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (models.Token, error) {
	if refreshToken == "" {
		return models.Token{}, &coreerr.InvalidToken{Reason: "no refresh token available"}
	}

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, userAgentClient(m.userAgent))
	source := m.oauthCfg.TokenSource(oauthCtx, &oauth2.Token{RefreshToken: refreshToken})
	newOAuthToken, err := source.Token()
	if err != nil {
		return models.Token{}, &coreerr.InvalidToken{Reason: fmt.Sprintf("refresh failed: %v", err)}
	}

	if newOAuthToken.RefreshToken == "" {
		newOAuthToken.RefreshToken = refreshToken
	}

	token := tokenFromOAuth2(newOAuthToken, RequiredScopes)

	m.mu.Lock()
	m.state = models.AuthenticatedState{Token: token}
	m.mu.Unlock()

	return token, nil
}

// EnsureAuthenticated is the idempotent guard every outbound operation
// calls first. It refreshes the token when it is within refreshBuffer of
// expiry, and fails when no path to a valid token exists.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (models.Token, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	switch s := state.(type) {
	case models.NotAuthenticatedState, models.PendingAuthorizationState:
		return models.Token{}, &coreerr.AuthenticationFailed{Reason: "not authenticated"}
	case models.AuthenticatedState:
		if time.Until(s.Token.ExpiresAt) > refreshBuffer {
			return s.Token, nil
		}
		if !s.Token.HasRefresh() {
			return models.Token{}, &coreerr.InvalidToken{Reason: "token expiring with no refresh token"}
		}
		return m.Refresh(ctx, s.Token.RefreshToken)
	case models.TokenExpiredState:
		if !s.Token.HasRefresh() {
			return models.Token{}, &coreerr.InvalidToken{Reason: "expired with no refresh token"}
		}
		return m.Refresh(ctx, s.Token.RefreshToken)
	default:
		return models.Token{}, &coreerr.AuthenticationFailed{Reason: "unknown auth state"}
	}
}

// stripRedditFragmentMarker removes the literal "#_" quirk marker Reddit
// inserts into the callback URL ahead of any query params that follow it,
// so url.Parse sees a single well-formed query string instead of treating
// the marker and everything after it as an opaque fragment.
func stripRedditFragmentMarker(rawURL string) string {
	return strings.Replace(rawURL, "#_", "", 1)
}

// parseCallbackParams extracts state, code, and the error param from a
// Reddit OAuth2 redirect URL, e.g. "...?code=abc#_&state=xyz", tolerating
// the "#_" quirk marker that would otherwise hide state/code behind
// url.URL's Fragment instead of its Query.
func parseCallbackParams(callbackURL string) (state, code, errParam string, err error) {
	parsed, err := url.Parse(stripRedditFragmentMarker(callbackURL))
	if err != nil {
		return "", "", "", err
	}
	q := parsed.Query()
	return q.Get("state"), strings.TrimSuffix(q.Get("code"), "#_"), q.Get("error"), nil
}

// validateCallback checks the callback URL against the pending
// authorization and expected CSRF, returning the authorization code on
// success. It does not touch the network, so it is the part of
// HandleCallback that is unit-testable without exercising token exchange.
func validateCallback(pending models.PendingAuthorizationState, callbackURL, expectedCSRF string) (string, error) {
	state, code, errParam, err := parseCallbackParams(callbackURL)
	if err != nil {
		return "", &coreerr.AuthenticationFailed{Reason: "unparseable callback URL"}
	}
	if errParam != "" {
		return "", &coreerr.AuthenticationFailed{Reason: errParam}
	}
	if state == "" || state != expectedCSRF || state != pending.CSRF {
		return "", &coreerr.AuthenticationFailed{Reason: "CSRF token mismatch"}
	}
	if code == "" {
		return "", &coreerr.AuthenticationFailed{Reason: "missing authorization code"}
	}
	return code, nil
}

func tokenFromOAuth2(t *oauth2.Token, scopes []string) models.Token {
	return models.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.Expiry,
		Scopes:       scopes,
	}
}

func generateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func challengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func generateCSRF() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
