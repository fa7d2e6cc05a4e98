package auth

import (
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/likeminded/reddit-core/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestManager() *Manager {
	return NewManager("client-id", "client-secret", "https://example.com/callback", "test-agent/1.0 by tester", testLogger())
}

func TestGenerateAuthURLContainsRequiredParams(t *testing.T) {
	m := newTestManager()
	authURL, csrf, err := m.GenerateAuthURL(RequiredScopes)
	require.NoError(t, err)

	assert.Contains(t, authURL, "client_id=client-id")
	assert.Contains(t, authURL, "duration=permanent")
	assert.Contains(t, authURL, "code_challenge_method=S256")
	assert.GreaterOrEqual(t, len(csrf), 16)

	_, ok := m.State().(models.PendingAuthorizationState)
	assert.True(t, ok)
}

func TestHandleCallbackCSRFMismatch(t *testing.T) {
	m := newTestManager()
	_, csrf, err := m.GenerateAuthURL(RequiredScopes)
	require.NoError(t, err)
	_ = csrf

	_, err = m.HandleCallback(nil, "https://example.com/callback?code=abc&state=wrong-state", "expected-state")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CSRF")
}

func TestHandleCallbackErrorParam(t *testing.T) {
	m := newTestManager()
	_, csrf, err := m.GenerateAuthURL(RequiredScopes)
	require.NoError(t, err)

	_, err = m.HandleCallback(nil, "https://example.com/callback?error=access_denied&state="+csrf, csrf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestHandleCallbackMissingCode(t *testing.T) {
	m := newTestManager()
	_, csrf, err := m.GenerateAuthURL(RequiredScopes)
	require.NoError(t, err)

	_, err = m.HandleCallback(nil, "https://example.com/callback?state="+csrf, csrf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing authorization code")
}

func TestHandleCallbackWithoutPendingState(t *testing.T) {
	m := newTestManager()
	_, err := m.HandleCallback(nil, "https://example.com/callback?code=abc&state=x", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending authorization")
}

func TestParseCallbackParamsHandlesFragmentQuirk(t *testing.T) {
	state, code, errParam, err := parseCallbackParams("https://example.com/callback?code=abc#_&state=my-csrf")
	require.NoError(t, err)
	assert.Equal(t, "my-csrf", state)
	assert.Equal(t, "abc", code)
	assert.Empty(t, errParam)
}

func TestParseCallbackParamsWithoutFragmentQuirk(t *testing.T) {
	state, code, errParam, err := parseCallbackParams("https://example.com/callback?code=abc&state=my-csrf")
	require.NoError(t, err)
	assert.Equal(t, "my-csrf", state)
	assert.Equal(t, "abc", code)
	assert.Empty(t, errParam)
}

func TestValidateCallbackAcceptsFragmentQuirk(t *testing.T) {
	pending := models.PendingAuthorizationState{CSRF: "my-csrf", PKCEVerifier: "verifier"}

	code, err := validateCallback(pending, "https://example.com/callback?code=abc#_&state=my-csrf", "my-csrf")
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestValidateCallbackFragmentQuirkCSRFMismatch(t *testing.T) {
	pending := models.PendingAuthorizationState{CSRF: "my-csrf", PKCEVerifier: "verifier"}

	_, err := validateCallback(pending, "https://example.com/callback?code=abc#_&state=wrong-csrf", "my-csrf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CSRF")
}

func TestChallengeFromVerifierIsDeterministic(t *testing.T) {
	verifier, err := generateVerifier()
	require.NoError(t, err)
	c1 := challengeFromVerifier(verifier)
	c2 := challengeFromVerifier(verifier)
	assert.Equal(t, c1, c2)
	assert.False(t, strings.Contains(c1, "="))
}
