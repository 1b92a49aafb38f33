package repositories

import (
	"context"
	"time"

	"github.com/cmorten/gatehouse/internal/database"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenRepository handles database operations for device tokens
type TokenRepository struct {
	pool *pgxpool.Pool
}

func NewTokenRepository(db *database.DB) *TokenRepository {
	return &TokenRepository{pool: db.Pool}
}

const tokenColumns = `id, user_id, name, token_hash, kind, created_at, last_activity, invalidated_at, wipe_started_at`

func scanTokenRow(scanner rowScanner) (*models.DeviceToken, error) {
	var t models.DeviceToken

	err := scanner.Scan(
		&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.Kind,
		&t.CreatedAt, &t.LastActivity, &t.InvalidatedAt, &t.WipeStartedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

// Create persists a new device token record
func (r *TokenRepository) Create(ctx context.Context, token *models.DeviceToken) (*models.DeviceToken, error) {
	query := `
		INSERT INTO device_tokens (user_id, name, token_hash, kind)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + tokenColumns

	return scanTokenRow(r.pool.QueryRow(ctx, query,
		token.UserID,
		token.Name,
		token.TokenHash,
		token.Kind,
	))
}

// GetByHash retrieves a token by its hash, regardless of state. Callers are
// responsible for mapping invalidated and wipe states; the repository does
// not hide them.
func (r *TokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.DeviceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM device_tokens WHERE token_hash = $1`
	return scanTokenRow(r.pool.QueryRow(ctx, query, tokenHash))
}

// GetByID retrieves a token by its record id
func (r *TokenRepository) GetByID(ctx context.Context, id string) (*models.DeviceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM device_tokens WHERE id = $1`
	return scanTokenRow(r.pool.QueryRow(ctx, query, id))
}

// ListByUser returns all non-invalidated tokens owned by a user
func (r *TokenRepository) ListByUser(ctx context.Context, userID string) ([]*models.DeviceToken, error) {
	query := `
		SELECT ` + tokenColumns + ` FROM device_tokens
		WHERE user_id = $1 AND invalidated_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	tokens := make([]*models.DeviceToken, 0)
	for rows.Next() {
		t, err := scanTokenRow(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return tokens, nil
}

// Invalidate marks a token consumed. The conditional update makes concurrent
// duplicate calls invalidate exactly once: only the call that flips the row
// sees invalidated=true.
func (r *TokenRepository) Invalidate(ctx context.Context, tokenHash string) (bool, error) {
	query := `
		UPDATE device_tokens SET invalidated_at = NOW()
		WHERE token_hash = $1 AND invalidated_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, tokenHash)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkForWipe converts a live session token into a wipe token. Ownership is
// part of the predicate so a user cannot wipe another user's device.
func (r *TokenRepository) MarkForWipe(ctx context.Context, id, userID string) (bool, error) {
	query := `
		UPDATE device_tokens SET kind = $3
		WHERE id = $1 AND user_id = $2 AND invalidated_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, id, userID, models.TokenKindWipe)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWipeStarted stamps the first fetch of a wipe order. The conditional
// update makes concurrent polls race safely: only one call sees true.
func (r *TokenRepository) MarkWipeStarted(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE device_tokens SET wipe_started_at = NOW()
		WHERE id = $1 AND wipe_started_at IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchActivity updates the token's last-activity timestamp
func (r *TokenRepository) TouchActivity(ctx context.Context, tokenHash string, at time.Time) error {
	query := `UPDATE device_tokens SET last_activity = $2 WHERE token_hash = $1`

	_, err := r.pool.Exec(ctx, query, tokenHash, at)
	return database.MapPostgresError(err)
}

// DeleteInvalidatedBefore purges invalidated tokens past retention
func (r *TokenRepository) DeleteInvalidatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM device_tokens WHERE invalidated_at IS NOT NULL AND invalidated_at < $1`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
