package repositories

import (
	"context"
	"time"

	"github.com/cmorten/gatehouse/internal/database"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ThrottleRepository handles database operations for authentication attempts.
// Inserts are the only write path; counting within the sliding window derives
// the delay, which keeps concurrent failure recording atomic per key.
type ThrottleRepository struct {
	pool *pgxpool.Pool
}

func NewThrottleRepository(db *database.DB) *ThrottleRepository {
	return &ThrottleRepository{pool: db.Pool}
}

// RecordAttempt records an authentication attempt
func (r *ThrottleRepository) RecordAttempt(ctx context.Context, attempt *models.ThrottleAttempt) error {
	query := `
		INSERT INTO throttle_attempts (remote_address, action, identity_hash, weight, success, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.RemoteAddress,
		attempt.Action,
		attempt.IdentityHash,
		attempt.Weight,
		attempt.Success,
		attempt.ExpiresAt,
	)

	return database.MapPostgresError(err)
}

// FailureHistoryByAddress returns the summed failure weight and the time of
// the most recent failure for a remote address and action within the window.
// The zero time means no failures.
func (r *ThrottleRepository) FailureHistoryByAddress(ctx context.Context, remoteAddress, action string, since time.Time) (float64, time.Time, error) {
	query := `
		SELECT COALESCE(SUM(weight), 0), COALESCE(MAX(attempt_time), 'epoch'::timestamptz)
		FROM throttle_attempts
		WHERE remote_address = $1 AND action = $2 AND success = false AND attempt_time >= $3
	`

	var total float64
	var last time.Time
	err := r.pool.QueryRow(ctx, query, remoteAddress, action, since).Scan(&total, &last)
	if err != nil {
		return 0, time.Time{}, database.MapPostgresError(err)
	}
	return total, last, nil
}

// FailureHistoryByIdentity returns the summed failure weight and the time of
// the most recent failure for an identity hash and action within the window,
// across all addresses.
func (r *ThrottleRepository) FailureHistoryByIdentity(ctx context.Context, identityHash, action string, since time.Time) (float64, time.Time, error) {
	query := `
		SELECT COALESCE(SUM(weight), 0), COALESCE(MAX(attempt_time), 'epoch'::timestamptz)
		FROM throttle_attempts
		WHERE identity_hash = $1 AND identity_hash <> '' AND action = $2 AND success = false AND attempt_time >= $3
	`

	var total float64
	var last time.Time
	err := r.pool.QueryRow(ctx, query, identityHash, action, since).Scan(&total, &last)
	if err != nil {
		return 0, time.Time{}, database.MapPostgresError(err)
	}
	return total, last, nil
}

// DeleteExpiredAttempts removes attempts past their retention time
func (r *ThrottleRepository) DeleteExpiredAttempts(ctx context.Context) (int64, error) {
	query := `DELETE FROM throttle_attempts WHERE expires_at <= NOW()`

	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
