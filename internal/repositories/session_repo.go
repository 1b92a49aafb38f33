package repositories

import (
	"context"
	"time"

	"github.com/cmorten/gatehouse/internal/database"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository persists the server-side session bag: transient login
// messages, the pending-second-factor marker, and sudo confirmation times.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

// Upsert creates the session row if absent and refreshes its expiry
func (r *SessionRepository) Upsert(ctx context.Context, id string, expiresAt time.Time) error {
	query := `
		INSERT INTO sessions (id, expires_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`

	_, err := r.pool.Exec(ctx, query, id, expiresAt)
	return database.MapPostgresError(err)
}

// SetValue writes a single key in the session's JSON bag
func (r *SessionRepository) SetValue(ctx context.Context, id, key, value string) error {
	query := `
		UPDATE sessions SET data = jsonb_set(data, ARRAY[$2], to_jsonb($3::text))
		WHERE id = $1 AND expires_at > NOW()
	`

	tag, err := r.pool.Exec(ctx, query, id, key, value)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// GetValue reads a single key; ErrNotFound covers missing sessions, expired
// sessions, and absent keys alike
func (r *SessionRepository) GetValue(ctx context.Context, id, key string) (string, error) {
	query := `
		SELECT data ->> $2 FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`

	var value *string
	err := r.pool.QueryRow(ctx, query, id, key).Scan(&value)
	if err != nil {
		return "", database.MapPostgresError(err)
	}
	if value == nil {
		return "", models.ErrNotFound
	}
	return *value, nil
}

// DeleteValue removes a single key from the session bag
func (r *SessionRepository) DeleteValue(ctx context.Context, id, key string) error {
	query := `UPDATE sessions SET data = data - $2 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, key)
	return database.MapPostgresError(err)
}

// Destroy removes the whole session
func (r *SessionRepository) Destroy(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return database.MapPostgresError(err)
}

// DeleteExpired purges expired sessions
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at <= NOW()`

	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
