package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmorten/gatehouse/internal/models"
)

func TestWipeHandshake(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("wipe")
	user, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	raw, tokenID, err := SeedDeviceToken(ctx, testDB.Pool, user.ID, "Old phone", models.TokenKindSession)
	require.NoError(t, err)

	// A live session token polls clean
	resp, err := ts.Request(http.MethodGet, "/wipe/check/"+raw, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, MarkTokenWipePending(ctx, testDB.Pool, tokenID))

	// Now the device is told to wipe. Devices poll on a timer, so the
	// answer repeats, but the owner hears about it once.
	for i := 0; i < 2; i++ {
		resp, err = ts.Request(http.MethodGet, "/wipe/check/"+raw, nil, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var check struct {
			Wipe bool `json:"wipe"`
		}
		require.NoError(t, ParseJSONResponse(resp, &check))
		assert.True(t, check.Wipe)
	}

	started := ts.Notifier.NoticesByEvent("started")
	require.Len(t, started, 1)
	assert.Equal(t, user.ID, started[0].User.ID)

	// Confirming retires the token for good
	resp, err = ts.Request(http.MethodPost, "/wipe/done/"+raw, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notice := ts.Notifier.LastNotice()
	require.NotNil(t, notice)
	assert.Equal(t, "done", notice.Event)

	// The token is spent: both endpoints fall back to not-found. The
	// first miss counts as a guess, so wait out its backoff before
	// trying the other endpoint.
	resp, err = ts.Request(http.MethodGet, "/wipe/check/"+raw, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	time.Sleep(250 * time.Millisecond)

	resp, err = ts.Request(http.MethodPost, "/wipe/done/"+raw, nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWipeUnknownTokenLooksLikeSessionToken(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	resp, err := ts.Request(http.MethodGet, "/wipe/check/not-a-real-token", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Each miss counts as a guess and arms a backoff
	time.Sleep(250 * time.Millisecond)

	resp, err = ts.Request(http.MethodPost, "/wipe/done/not-a-real-token", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A guess fired inside the backoff is turned away and not counted
	resp, err = ts.Request(http.MethodGet, "/wipe/check/not-a-real-token", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var failures int
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM throttle_attempts WHERE action = 'wipe' AND success = FALSE`).Scan(&failures))
	assert.Equal(t, 2, failures)
}

func TestDeviceListAndRemoteWipeRequest(t *testing.T) {
	ts := freshServer(t)
	ctx := context.Background()

	username, password := TestUser("devices")
	user, err := SeedUser(ctx, testDB.Pool, username, password, true)
	require.NoError(t, err)

	// A second device from an earlier login
	_, oldTokenID, err := SeedDeviceToken(ctx, testDB.Pool, user.ID, "Old laptop", models.TokenKindSession)
	require.NoError(t, err)

	resp, err := ts.Login(username, password)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginBody struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, ParseJSONResponse(resp, &loginBody))
	require.NotEmpty(t, loginBody.AccessToken)

	resp, err = ts.RequestWithAuth(http.MethodGet, "/devices", loginBody.AccessToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Devices []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"devices"`
	}
	require.NoError(t, ParseJSONResponse(resp, &list))
	require.Len(t, list.Devices, 2)

	// De-authorizing a device needs a fresh password confirmation; the
	// access token alone is refused.
	resp, err = ts.RequestWithAuth(http.MethodPost, "/devices/"+oldTokenID+"/wipe", loginBody.AccessToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	code, err := GetErrorCode(resp)
	require.NoError(t, err)
	assert.Equal(t, "password_confirmation_required", code)

	resp, err = ts.Request(http.MethodPost, "/session/confirm", map[string]string{
		"password": password,
	}, nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Flag the old laptop for wipe from the new device
	resp, err = ts.RequestWithAuth(http.MethodPost, "/devices/"+oldTokenID+"/wipe", loginBody.AccessToken, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wipeBody struct {
		Status string `json:"status"`
	}
	require.NoError(t, ParseJSONResponse(resp, &wipeBody))
	assert.Equal(t, "wiping", wipeBody.Status)

	var kind string
	require.NoError(t, testDB.Pool.QueryRow(ctx,
		`SELECT kind FROM device_tokens WHERE id = $1`, oldTokenID).Scan(&kind))
	assert.Equal(t, models.TokenKindWipe, kind)
}
