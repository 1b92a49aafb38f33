package twofactor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/models"
	pkgauth "github.com/cmorten/gatehouse/pkg/auth"
)

// ProviderKeyBackupCodes identifies the one-time recovery code provider.
const ProviderKeyBackupCodes = "backup_codes"

// BackupCodeStore is the slice of storage the backup code provider needs
type BackupCodeStore interface {
	ReplaceBackupCodes(ctx context.Context, set *models.BackupCodeSet) error
	GetBackupCodes(ctx context.Context, userID string) (*models.BackupCodeSet, error)
	ConsumeBackupCode(ctx context.Context, userID string, index int) (bool, error)
}

// BackupCodeProvider verifies one-time recovery codes. Codes are stored
// bcrypt-hashed and each is consumable exactly once; the conditional consume
// in storage makes a replayed code lose even under concurrency.
type BackupCodeProvider struct {
	store  BackupCodeStore
	totp   *auth.TOTPManager
	count  int
	logger *slog.Logger
}

// NewBackupCodeProvider creates a new BackupCodeProvider. count is how many
// codes a regeneration hands out.
func NewBackupCodeProvider(store BackupCodeStore, totp *auth.TOTPManager, count int, logger *slog.Logger) *BackupCodeProvider {
	return &BackupCodeProvider{
		store:  store,
		totp:   totp,
		count:  count,
		logger: logger,
	}
}

func (p *BackupCodeProvider) Key() string         { return ProviderKeyBackupCodes }
func (p *BackupCodeProvider) DisplayName() string { return "Backup codes" }

// EnabledFor reports whether the user still holds unused backup codes
func (p *BackupCodeProvider) EnabledFor(ctx context.Context, userID string) (bool, error) {
	set, err := p.store.GetBackupCodes(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, used := range set.UsedMask {
		if !used {
			return true, nil
		}
	}
	return false, nil
}

// Verify checks a submitted code against the unused hashes and consumes the
// match.
func (p *BackupCodeProvider) Verify(ctx context.Context, userID, code string) (bool, error) {
	set, err := p.store.GetBackupCodes(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	normalized := strings.ToUpper(strings.TrimSpace(code))
	for i, hash := range set.CodeHashes {
		if set.UsedMask[i] {
			continue
		}
		if pkgauth.ComparePassword(hash, normalized) != nil {
			continue
		}
		consumed, err := p.store.ConsumeBackupCode(ctx, userID, i)
		if err != nil {
			return false, err
		}
		// consumed=false means a concurrent attempt spent this code first.
		return consumed, nil
	}
	return false, nil
}

// Regenerate replaces the user's codes with a fresh set and returns the
// plaintext values. This is the only moment they are readable.
func (p *BackupCodeProvider) Regenerate(ctx context.Context, userID string) ([]string, error) {
	codes, err := p.totp.GenerateBackupCodes(p.count)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(codes))
	for i, code := range codes {
		hash, err := pkgauth.HashPassword(code)
		if err != nil {
			return nil, err
		}
		hashes[i] = hash
	}

	err = p.store.ReplaceBackupCodes(ctx, &models.BackupCodeSet{
		UserID:     userID,
		CodeHashes: hashes,
		UsedMask:   make([]bool, len(hashes)),
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("backup codes regenerated", slog.String("user_id", userID))
	return codes, nil
}
