package twofactor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/models"
)

// ProviderKeyTOTP identifies the authenticator-app provider.
const ProviderKeyTOTP = "totp"

// TOTPStore is the slice of enrollment storage the TOTP provider needs
type TOTPStore interface {
	CreateTOTPSecret(ctx context.Context, secret *models.TOTPSecret) (*models.TOTPSecret, error)
	GetTOTPSecret(ctx context.Context, userID string) (*models.TOTPSecret, error)
	MarkTOTPVerified(ctx context.Context, userID string) error
	TouchTOTPUsed(ctx context.Context, userID string, at time.Time) error
	DeleteTOTPSecret(ctx context.Context, userID string) error
}

// TOTPProvider verifies codes from an authenticator app. Secrets are stored
// encrypted; enrollment completes only after the user proves they captured
// the secret by submitting one valid code.
type TOTPProvider struct {
	store  TOTPStore
	totp   *auth.TOTPManager
	logger *slog.Logger
}

// NewTOTPProvider creates a new TOTPProvider
func NewTOTPProvider(store TOTPStore, totp *auth.TOTPManager, logger *slog.Logger) *TOTPProvider {
	return &TOTPProvider{
		store:  store,
		totp:   totp,
		logger: logger,
	}
}

func (p *TOTPProvider) Key() string         { return ProviderKeyTOTP }
func (p *TOTPProvider) DisplayName() string { return "Authenticator app" }

// EnabledFor reports whether the user completed TOTP enrollment
func (p *TOTPProvider) EnabledFor(ctx context.Context, userID string) (bool, error) {
	secret, err := p.store.GetTOTPSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return secret.IsVerified(), nil
}

// Verify checks a submitted TOTP code against the user's enrolled secret
func (p *TOTPProvider) Verify(ctx context.Context, userID, code string) (bool, error) {
	record, err := p.store.GetTOTPSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !record.IsVerified() {
		return false, nil
	}

	secret, err := p.totp.DecryptSecret(record.SecretEncrypted, record.SecretNonce)
	if err != nil {
		p.logger.Error("failed to decrypt TOTP secret",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return false, err
	}

	valid, err := p.totp.ValidateTOTP(string(secret), code, record.LastUsedAt)
	if err != nil || !valid {
		return false, nil
	}

	if err := p.store.TouchTOTPUsed(ctx, userID, time.Now()); err != nil {
		p.logger.Warn("failed to stamp TOTP use", slog.Any("error", err))
	}
	return true, nil
}

// BeginEnrollment generates a fresh secret for the user and returns the QR
// code data URL to show them. Any previous enrollment is replaced.
func (p *TOTPProvider) BeginEnrollment(ctx context.Context, userID, accountName string) (string, error) {
	encrypted, nonce, qrDataURL, err := p.totp.GenerateSecretWithQR(accountName)
	if err != nil {
		return "", err
	}

	if err := p.store.DeleteTOTPSecret(ctx, userID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", err
	}
	_, err = p.store.CreateTOTPSecret(ctx, &models.TOTPSecret{
		UserID:          userID,
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
	})
	if err != nil {
		return "", err
	}
	return qrDataURL, nil
}

// CompleteEnrollment verifies the first code and activates the enrollment
func (p *TOTPProvider) CompleteEnrollment(ctx context.Context, userID, code string) error {
	record, err := p.store.GetTOTPSecret(ctx, userID)
	if err != nil {
		return err
	}
	if record.IsVerified() {
		return models.ErrConflict
	}

	secret, err := p.totp.DecryptSecret(record.SecretEncrypted, record.SecretNonce)
	if err != nil {
		return err
	}
	valid, err := p.totp.ValidateTOTP(string(secret), code, nil)
	if err != nil || !valid {
		return models.ErrSecondFactorFailed
	}
	return p.store.MarkTOTPVerified(ctx, userID)
}

// Disable removes the user's TOTP enrollment
func (p *TOTPProvider) Disable(ctx context.Context, userID string) error {
	return p.store.DeleteTOTPSecret(ctx, userID)
}
