package twofactor_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/twofactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T, providers ...twofactor.Provider) *twofactor.Gate {
	t.Helper()
	reg, err := twofactor.NewRegistry(providers...)
	require.NoError(t, err)
	return twofactor.NewGate(reg, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func TestGateNotRequiredWithoutEnrollment(t *testing.T) {
	gate := newGate(t, &fakeProvider{key: "totp", enabled: false})

	required, err := gate.Required(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestGateRequiredWithActiveProvider(t *testing.T) {
	gate := newGate(t,
		&fakeProvider{key: "totp", enabled: true},
		&fakeProvider{key: "backup_codes", enabled: false},
	)

	required, err := gate.Required(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, required)

	active, err := gate.ActiveProviders(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "totp", active[0].Key())
}

func TestGateStateLookupErrorFailsTheLogin(t *testing.T) {
	gate := newGate(t, &fakeProvider{
		key: "totp",
		enabledFn: func(ctx context.Context, userID string) (bool, error) {
			return false, errors.New("backend down")
		},
	})

	_, err := gate.Required(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestGateVerifyChallenge(t *testing.T) {
	gate := newGate(t, &fakeProvider{key: "totp", enabled: true, accepts: "123456"})

	assert.NoError(t, gate.VerifyChallenge(context.Background(), "user-1", "totp", "123456"))

	err := gate.VerifyChallenge(context.Background(), "user-1", "totp", "654321")
	assert.ErrorIs(t, err, models.ErrSecondFactorFailed)
}

func TestGateVerifyChallengeUnknownProvider(t *testing.T) {
	gate := newGate(t, &fakeProvider{key: "totp", enabled: true, accepts: "123456"})

	err := gate.VerifyChallenge(context.Background(), "user-1", "sms", "123456")
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestGateVerifyChallengeInactiveProvider(t *testing.T) {
	// Correct code for a provider the user never set up still fails; the
	// challenge cannot be satisfied through a factor the user does not hold.
	gate := newGate(t, &fakeProvider{key: "totp", enabled: false, accepts: "123456"})

	err := gate.VerifyChallenge(context.Background(), "user-1", "totp", "123456")
	assert.ErrorIs(t, err, models.ErrSecondFactorFailed)
}
