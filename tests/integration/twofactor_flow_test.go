package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Backup codes serve as the second factor here because the plaintext codes
// come back from enrollment, which a test can replay.
func TestLoginWithSecondFactorChallenge(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("twofa")
	user, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	codes, err := ts.Backup.Regenerate(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, codes)

	// First leg: credentials pass, login parks at the challenge
	resp, err := ts.Login(username, password)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parked struct {
		RedirectURL       string `json:"redirect_url"`
		TwoFactorRequired bool   `json:"two_factor_required"`
		Providers         []struct {
			Key string `json:"key"`
		} `json:"providers"`
	}
	require.NoError(t, ParseJSONResponse(resp, &parked))
	assert.True(t, parked.TwoFactorRequired)
	assert.Equal(t, "/login/challenge", parked.RedirectURL)
	require.Len(t, parked.Providers, 1)
	assert.Equal(t, "backup_codes", parked.Providers[0].Key)

	// No device token yet; the half-finished login holds no credential
	var tokenCount int
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_tokens`).Scan(&tokenCount))
	assert.Equal(t, 0, tokenCount)

	// A wrong code is rejected and throttled
	csrfToken, err := ts.FetchLoginForm()
	require.NoError(t, err)
	resp, err = ts.Request(http.MethodPost, "/login/challenge", map[string]string{
		"provider":   "backup_codes",
		"challenge":  "WRONGCODE1",
		"csrf_token": csrfToken,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "second_factor_failed", code)

	// The failure armed a backoff; wait it out so the retry is accepted
	time.Sleep(250 * time.Millisecond)

	// The right code completes the login
	csrfToken, err = ts.FetchLoginForm()
	require.NoError(t, err)
	resp, err = ts.Request(http.MethodPost, "/login/challenge", map[string]string{
		"provider":   "backup_codes",
		"challenge":  codes[0],
		"csrf_token": csrfToken,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var done struct {
		RedirectURL string `json:"redirect_url"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, ParseJSONResponse(resp, &done))
	assert.Equal(t, "/home", done.RedirectURL)
	assert.NotEmpty(t, done.AccessToken)

	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_tokens`).Scan(&tokenCount))
	assert.Equal(t, 1, tokenCount)

	// The spent code cannot satisfy a second login
	ts.ResetClient()
	resp, err = ts.Login(username, password)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	csrfToken, err = ts.FetchLoginForm()
	require.NoError(t, err)
	resp, err = ts.Request(http.MethodPost, "/login/challenge", map[string]string{
		"provider":   "backup_codes",
		"challenge":  codes[0],
		"csrf_token": csrfToken,
	}, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
