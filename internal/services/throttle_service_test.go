package services_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockThrottleRepository implements ThrottleRepository for testing
type MockThrottleRepository struct {
	attempts []*models.ThrottleAttempt
	failWith error
}

func (m *MockThrottleRepository) RecordAttempt(ctx context.Context, attempt *models.ThrottleAttempt) error {
	if m.failWith != nil {
		return m.failWith
	}
	a := *attempt
	a.AttemptTime = time.Now()
	m.attempts = append(m.attempts, &a)
	return nil
}

func (m *MockThrottleRepository) FailureHistoryByAddress(ctx context.Context, remoteAddress, action string, since time.Time) (float64, time.Time, error) {
	if m.failWith != nil {
		return 0, time.Time{}, m.failWith
	}
	var total float64
	var last time.Time
	for _, a := range m.attempts {
		if a.RemoteAddress == remoteAddress && a.Action == action && !a.Success && !a.AttemptTime.Before(since) {
			total += a.Weight
			if a.AttemptTime.After(last) {
				last = a.AttemptTime
			}
		}
	}
	return total, last, nil
}

func (m *MockThrottleRepository) FailureHistoryByIdentity(ctx context.Context, identityHash, action string, since time.Time) (float64, time.Time, error) {
	if m.failWith != nil {
		return 0, time.Time{}, m.failWith
	}
	var total float64
	var last time.Time
	for _, a := range m.attempts {
		if a.IdentityHash == identityHash && identityHash != "" && a.Action == action && !a.Success && !a.AttemptTime.Before(since) {
			total += a.Weight
			if a.AttemptTime.After(last) {
				last = a.AttemptTime
			}
		}
	}
	return total, last, nil
}

// seedFailure plants a failed attempt at an explicit point in time, so tests
// can place the backoff window exactly.
func (m *MockThrottleRepository) seedFailure(remoteAddress, action string, at time.Time) {
	m.attempts = append(m.attempts, &models.ThrottleAttempt{
		RemoteAddress: remoteAddress,
		Action:        action,
		Weight:        1.0,
		Success:       false,
		AttemptTime:   at,
	})
}

func testThrottleConfig() services.ThrottleConfig {
	return services.ThrottleConfig{
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		FailureCap:     8,
		Window:         12 * time.Hour,
		IdentityWeight: 0.5,
	}
}

func newThrottle(repo services.ThrottleRepository) *services.ThrottleService {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return services.NewThrottleService(repo, testThrottleConfig(), logger)
}

func TestGetDelayZeroBeforeAnyFailure(t *testing.T) {
	svc := newThrottle(&MockThrottleRepository{})
	key := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionLogin}

	delay, err := svc.GetDelay(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)

	allowed, err := svc.IsAllowed(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBackoffGrowsWithFailureCount(t *testing.T) {
	repo := &MockThrottleRepository{}
	svc := newThrottle(repo)
	key := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionLogin}

	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		require.NoError(t, svc.RegisterFailure(context.Background(), key))

		// Immediately after a failure the remaining wait is the full
		// backoff for the new count, minus the microseconds since.
		delay, err := svc.GetDelay(context.Background(), key)
		require.NoError(t, err)
		assert.Greater(t, delay, prev/2, "backoff must grow with failures")
		prev = delay
	}

	assert.Greater(t, prev, 15*time.Second, "backoff should be in cap territory")
	assert.LessOrEqual(t, prev, 30*time.Second, "backoff never exceeds the cap")
}

func TestDelayExpiresOnceBackoffServed(t *testing.T) {
	repo := &MockThrottleRepository{}
	svc := newThrottle(repo)
	key := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionLogin}

	// One failure long enough ago that its 200ms backoff has passed.
	repo.seedFailure(key.RemoteAddress, key.Action, time.Now().Add(-time.Second))

	delay, err := svc.GetDelay(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)

	allowed, err := svc.IsAllowed(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, allowed, "a served backoff must not keep blocking")

	// A fresh failure restarts the clock: two failures back off 400ms,
	// and only 100ms of that has elapsed.
	repo.seedFailure(key.RemoteAddress, key.Action, time.Now().Add(-100*time.Millisecond))

	delay, err = svc.GetDelay(context.Background(), key)
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, 300*time.Millisecond)
}

func TestSuccessDoesNotEraseFailureHistory(t *testing.T) {
	repo := &MockThrottleRepository{}
	svc := newThrottle(repo)
	key := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionLogin}

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RegisterFailure(context.Background(), key))
	}

	before, err := svc.GetDelay(context.Background(), key)
	require.NoError(t, err)
	require.Greater(t, before, time.Duration(0))

	require.NoError(t, svc.RegisterSuccess(context.Background(), key))

	after, err := svc.GetDelay(context.Background(), key)
	require.NoError(t, err)
	assert.Greater(t, after, time.Duration(0), "a correct guess must not reset the clock")
	assert.InDelta(t, float64(before), float64(after), float64(50*time.Millisecond))
}

func TestIdentityFailuresCountAtReducedWeight(t *testing.T) {
	repo := &MockThrottleRepository{}
	svc := newThrottle(repo)

	// Failures for the same identity from many addresses
	for i := 0; i < 4; i++ {
		key := models.ThrottleKey{
			RemoteAddress: fmt.Sprintf("198.51.100.%d", i+1),
			Action:        models.ThrottleActionLogin,
			Identity:      "alice",
		}
		require.NoError(t, svc.RegisterFailure(context.Background(), key))
	}

	// A new address probing the same identity sees a delay from the
	// identity history alone: 4 failures × 0.5 weight = 2 effective
	freshAddr := models.ThrottleKey{
		RemoteAddress: "192.0.2.99",
		Action:        models.ThrottleActionLogin,
		Identity:      "alice",
	}
	delay, err := svc.GetDelay(context.Background(), freshAddr)
	require.NoError(t, err)
	assert.Greater(t, delay, time.Duration(0))
	assert.InDelta(t, float64(400*time.Millisecond), float64(delay), float64(50*time.Millisecond))

	// The same address with a different identity sees nothing
	otherIdentity := models.ThrottleKey{
		RemoteAddress: "192.0.2.99",
		Action:        models.ThrottleActionLogin,
		Identity:      "bob",
	}
	delay, err = svc.GetDelay(context.Background(), otherIdentity)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)
}

func TestActionsAreThrottledIndependently(t *testing.T) {
	repo := &MockThrottleRepository{}
	svc := newThrottle(repo)

	loginKey := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionLogin}
	wipeKey := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionWipe}

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RegisterFailure(context.Background(), loginKey))
	}

	delay, err := svc.GetDelay(context.Background(), wipeKey)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)
}

func TestStorageFailureDeniesNotAllows(t *testing.T) {
	repo := &MockThrottleRepository{failWith: errors.New("connection refused")}
	svc := newThrottle(repo)
	key := models.ThrottleKey{RemoteAddress: "203.0.113.1", Action: models.ThrottleActionLogin}

	delay, err := svc.GetDelay(context.Background(), key)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.Equal(t, 30*time.Second, delay, "unknown state must look throttled")

	allowed, err := svc.IsAllowed(context.Background(), key)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	assert.False(t, allowed)

	err = svc.RegisterFailure(context.Background(), key)
	assert.ErrorIs(t, err, models.ErrStorageUnavailable)
}
