package repositories

import (
	"context"
	"time"

	"github.com/cmorten/gatehouse/internal/database"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// TwoFactorRepository handles database operations for second-factor
// enrollment state
type TwoFactorRepository struct {
	pool *pgxpool.Pool
}

func NewTwoFactorRepository(db *database.DB) *TwoFactorRepository {
	return &TwoFactorRepository{pool: db.Pool}
}

// CreateTOTPSecret stores a new encrypted TOTP secret for a user
func (r *TwoFactorRepository) CreateTOTPSecret(ctx context.Context, secret *models.TOTPSecret) (*models.TOTPSecret, error) {
	query := `
		INSERT INTO totp_secrets (user_id, secret_encrypted, secret_nonce)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, secret_encrypted, secret_nonce, created_at, verified_at, last_used_at
	`

	var s models.TOTPSecret
	err := r.pool.QueryRow(ctx, query, secret.UserID, secret.SecretEncrypted, secret.SecretNonce).Scan(
		&s.ID, &s.UserID, &s.SecretEncrypted, &s.SecretNonce,
		&s.CreatedAt, &s.VerifiedAt, &s.LastUsedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

// GetTOTPSecret returns the user's TOTP enrollment, verified or not
func (r *TwoFactorRepository) GetTOTPSecret(ctx context.Context, userID string) (*models.TOTPSecret, error) {
	query := `
		SELECT id, user_id, secret_encrypted, secret_nonce, created_at, verified_at, last_used_at
		FROM totp_secrets WHERE user_id = $1
	`

	var s models.TOTPSecret
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.ID, &s.UserID, &s.SecretEncrypted, &s.SecretNonce,
		&s.CreatedAt, &s.VerifiedAt, &s.LastUsedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

// MarkTOTPVerified completes enrollment after the first valid code
func (r *TwoFactorRepository) MarkTOTPVerified(ctx context.Context, userID string) error {
	query := `UPDATE totp_secrets SET verified_at = NOW() WHERE user_id = $1 AND verified_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// TouchTOTPUsed stamps the last accepted code, for replay rejection
func (r *TwoFactorRepository) TouchTOTPUsed(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE totp_secrets SET last_used_at = $2 WHERE user_id = $1`

	_, err := r.pool.Exec(ctx, query, userID, at)
	return database.MapPostgresError(err)
}

// DeleteTOTPSecret removes the user's TOTP enrollment
func (r *TwoFactorRepository) DeleteTOTPSecret(ctx context.Context, userID string) error {
	query := `DELETE FROM totp_secrets WHERE user_id = $1`

	_, err := r.pool.Exec(ctx, query, userID)
	return database.MapPostgresError(err)
}

// DeleteUnverifiedBefore drops enrollments whose first code was never
// entered. An abandoned secret must not linger as a latent credential.
func (r *TwoFactorRepository) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM totp_secrets WHERE verified_at IS NULL AND created_at < $1`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// ReplaceBackupCodes stores a fresh set of hashed backup codes, discarding
// any previous set
func (r *TwoFactorRepository) ReplaceBackupCodes(ctx context.Context, set *models.BackupCodeSet) error {
	query := `
		INSERT INTO backup_code_sets (user_id, code_hashes, used_mask)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET code_hashes = EXCLUDED.code_hashes, used_mask = EXCLUDED.used_mask, created_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query, set.UserID, pq.Array(set.CodeHashes), pq.Array(set.UsedMask))
	return database.MapPostgresError(err)
}

// GetBackupCodes returns the user's backup code set
func (r *TwoFactorRepository) GetBackupCodes(ctx context.Context, userID string) (*models.BackupCodeSet, error) {
	query := `
		SELECT id, user_id, code_hashes, used_mask, created_at
		FROM backup_code_sets WHERE user_id = $1
	`

	var set models.BackupCodeSet
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&set.ID, &set.UserID, pq.Array(&set.CodeHashes), pq.Array(&set.UsedMask), &set.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &set, nil
}

// ConsumeBackupCode marks one code used. The predicate rejects the update if
// the code was already consumed, so a replayed code fails.
func (r *TwoFactorRepository) ConsumeBackupCode(ctx context.Context, userID string, index int) (bool, error) {
	query := `
		UPDATE backup_code_sets SET used_mask[$2] = TRUE
		WHERE user_id = $1 AND used_mask[$2] = FALSE
	`

	// Postgres arrays are 1-based
	tag, err := r.pool.Exec(ctx, query, userID, index+1)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}
