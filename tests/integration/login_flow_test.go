package integration

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginSuccess(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("login-ok")
	_, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	resp, err := ts.Login(username, password)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		RedirectURL string `json:"redirect_url"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, ParseJSONResponse(resp, &body))
	assert.Equal(t, "/home", body.RedirectURL)
	assert.NotEmpty(t, body.AccessToken)

	// The browser now holds both cookies
	serverURL, err := url.Parse(ts.Server.URL)
	require.NoError(t, err)
	cookies := ts.Client.Jar.Cookies(serverURL)
	names := make(map[string]bool)
	for _, c := range cookies {
		names[c.Name] = true
	}
	assert.True(t, names["gh_token"], "device token cookie should be set")
	assert.True(t, names["gh_session"], "session cookie should be set")

	// First login from a fresh browser counts as a new device
	notices := ts.Notifier.NoticesByEvent("new_device")
	require.Len(t, notices, 1)
	assert.Equal(t, username, notices[0].User.Username)
}

func TestLoginWrongPassword(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("wrong-pw")
	_, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	resp, err := ts.Login(username, "not-the-password")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error            string `json:"error"`
		CanResetPassword *bool  `json:"can_reset_password"`
	}
	require.NoError(t, ParseJSONResponse(resp, &body))
	assert.Equal(t, "invalidpassword", body.Error)
	require.NotNil(t, body.CanResetPassword)
	assert.True(t, *body.CanResetPassword)
}

func TestLoginUnknownUserIndistinguishable(t *testing.T) {
	ts := freshServer(t)

	resp, err := ts.Login("nobody-here", "whatever")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "invalidpassword", code)
}

func TestLoginDisabledUser(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("disabled")
	_, err := SeedUser(ctx, testDB.Pool, username, password, false)
	require.NoError(t, err)

	// Correct password, disabled account: a distinct message is fine here
	// because the caller proved they know the credential.
	resp, err := ts.Login(username, password)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "userdisabled", code)
}

func TestLoginFederatedUserRejected(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	user, err := SeedFederatedUser(ctx, testDB.Pool, "federated-alice")
	require.NoError(t, err)

	resp, err := ts.Login(user.Username, "anything")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "invalidpassword", code)
}

func TestLoginForgedCSRFTokenRedirectsToLogin(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("csrf")
	_, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	// Establish a session but post a token the server never issued.
	// The response carries no error detail; the caller is simply sent
	// back to the form.
	_, err = ts.FetchLoginForm()
	require.NoError(t, err)

	resp, err := ts.Request(http.MethodPost, "/login", map[string]string{
		"user":       username,
		"password":   password,
		"csrf_token": "forged-token",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		RedirectURL string `json:"redirect_url"`
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	require.NoError(t, ParseJSONResponse(resp, &body))
	assert.Equal(t, "/login", body.RedirectURL)
	assert.Empty(t, body.AccessToken)
	assert.Empty(t, body.Error)

	// The attempt never reached the credential check, so nothing was
	// issued and nothing was counted against the caller.
	var tokens, failures int
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_tokens`).Scan(&tokens))
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM throttle_attempts WHERE success = false`).Scan(&failures))
	assert.Equal(t, 0, tokens)
	assert.Equal(t, 0, failures)
}

func TestThrottledLoginRejectedBeforeCredentialCheck(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("throttle")
	_, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	// Two failures, waiting out the first backoff in between so the
	// second attempt is accepted and counted.
	resp, err := ts.Login(username, "bad-password")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	time.Sleep(250 * time.Millisecond)

	resp, err = ts.Login(username, "bad-password")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The very next attempt lands inside the backoff. Even with the
	// correct password it is turned away before the password is looked
	// at, and it does not add to the failure count.
	resp, err = ts.Login(username, password)
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "throttled", code)

	var failures int
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM throttle_attempts WHERE success = false`).Scan(&failures))
	assert.Equal(t, 2, failures)

	// No session or token came out of the rejected attempt
	var tokens int
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_tokens`).Scan(&tokens))
	assert.Equal(t, 0, tokens)

	// The login form reports the remaining wait to the client
	resp, err = ts.Request(http.MethodGet, "/login", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var form struct {
		ThrottleDelayMs int64 `json:"throttle_delay_ms"`
	}
	require.NoError(t, ParseJSONResponse(resp, &form))
	assert.Greater(t, form.ThrottleDelayMs, int64(0))
}

func TestLogoutRetiresDeviceToken(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("logout")
	_, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	resp, err := ts.Login(username, password)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Request(http.MethodPost, "/logout", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Clear-Site-Data"))

	var body struct {
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, ParseJSONResponse(resp, &body))
	assert.Equal(t, "/login?clear=true", body.RedirectURL)

	// The invalidated token row stays behind for the wipe handshake
	var invalidated int
	err = testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_tokens WHERE invalidated_at IS NOT NULL`).Scan(&invalidated)
	require.NoError(t, err)
	assert.Equal(t, 1, invalidated)
}

func TestSessionConfirmWithPassword(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("confirm")
	_, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	resp, err := ts.Login(username, password)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = ts.Request(http.MethodPost, "/session/confirm", map[string]string{
		"password": password,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Confirmed bool `json:"confirmed"`
	}
	require.NoError(t, ParseJSONResponse(resp, &body))
	assert.True(t, body.Confirmed)

	// Wrong password does not confirm
	resp, err = ts.Request(http.MethodPost, "/session/confirm", map[string]string{
		"password": "wrong",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
