package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/pkg/auth"
)

// TokenStoreRepository defines the interface for device token storage
type TokenStoreRepository interface {
	Create(ctx context.Context, token *models.DeviceToken) (*models.DeviceToken, error)
	GetByHash(ctx context.Context, tokenHash string) (*models.DeviceToken, error)
	GetByID(ctx context.Context, id string) (*models.DeviceToken, error)
	ListByUser(ctx context.Context, userID string) ([]*models.DeviceToken, error)
	Invalidate(ctx context.Context, tokenHash string) (bool, error)
	MarkForWipe(ctx context.Context, id, userID string) (bool, error)
	MarkWipeStarted(ctx context.Context, id string) (bool, error)
	TouchActivity(ctx context.Context, tokenHash string, at time.Time) error
}

// TokenConfig holds configuration for device token lifetimes
type TokenConfig struct {
	MaxAge time.Duration
}

// TokenService issues and resolves opaque device tokens. The raw token value
// leaves this service exactly once, at issue time; afterwards only the hash
// exists server side.
type TokenService struct {
	repo   TokenStoreRepository
	config TokenConfig
	logger *slog.Logger
}

// NewTokenService creates a new TokenService
func NewTokenService(repo TokenStoreRepository, config TokenConfig, logger *slog.Logger) *TokenService {
	return &TokenService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// IssueToken mints a fresh opaque token for a device and persists its hash.
// The returned string is the client credential and is not recoverable later.
func (s *TokenService) IssueToken(ctx context.Context, userID, deviceName, kind string) (string, *models.DeviceToken, error) {
	raw, err := auth.GenerateOpaqueToken()
	if err != nil {
		s.logger.Error("failed to generate device token", slog.Any("error", err))
		return "", nil, models.ErrInternalServer
	}

	token, err := s.repo.Create(ctx, &models.DeviceToken{
		UserID:    userID,
		Name:      deviceName,
		TokenHash: auth.HashToken(raw),
		Kind:      kind,
	})
	if err != nil {
		s.logger.Error("failed to persist device token",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return "", nil, err
	}

	s.logger.Info("device token issued",
		slog.String("user_id", userID),
		slog.String("token_id", token.ID),
		slog.String("kind", kind))

	return raw, token, nil
}

// GetToken resolves a raw token value to its live record. Unknown, expired
// and invalidated tokens all come back as ErrTokenNotFound; a live token
// whose device is pending wipe comes back as ErrTokenWiped alongside the
// record so the caller can run the wipe handshake.
func (s *TokenService) GetToken(ctx context.Context, rawToken string) (*models.DeviceToken, error) {
	token, err := s.repo.GetByHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrTokenNotFound
		}
		return nil, err
	}

	if token.IsInvalidated() || s.isExpired(token) {
		return nil, models.ErrTokenNotFound
	}
	if token.IsWipe() {
		return token, models.ErrTokenWiped
	}
	return token, nil
}

// InvalidateToken revokes a token by its raw value. The boolean reports
// whether this call was the one that flipped the row; duplicate and unknown
// tokens return false without error, so invalidation is safe to repeat.
func (s *TokenService) InvalidateToken(ctx context.Context, rawToken string) (bool, error) {
	flipped, err := s.repo.Invalidate(ctx, auth.HashToken(rawToken))
	if err != nil {
		s.logger.Error("failed to invalidate device token", slog.Any("error", err))
		return false, err
	}
	return flipped, nil
}

// MarkTokenForWipe converts one of the user's live session tokens into a wipe
// token. Returns ErrNotFound when the token does not exist, is already
// invalidated, or belongs to another user; ownership failures are not
// distinguished from absence.
func (s *TokenService) MarkTokenForWipe(ctx context.Context, tokenID, userID string) error {
	ok, err := s.repo.MarkForWipe(ctx, tokenID, userID)
	if err != nil {
		s.logger.Error("failed to mark token for wipe",
			slog.String("token_id", tokenID),
			slog.Any("error", err))
		return err
	}
	if !ok {
		return models.ErrNotFound
	}

	s.logger.Info("device token marked for wipe",
		slog.String("user_id", userID),
		slog.String("token_id", tokenID))
	return nil
}

// MarkWipeStarted records that the holding device fetched its wipe order.
// The boolean reports whether this call was the first fetch.
func (s *TokenService) MarkWipeStarted(ctx context.Context, tokenID string) (bool, error) {
	first, err := s.repo.MarkWipeStarted(ctx, tokenID)
	if err != nil {
		s.logger.Error("failed to mark wipe started",
			slog.String("token_id", tokenID),
			slog.Any("error", err))
		return false, err
	}
	return first, nil
}

// ListUserDevices returns the user's live device tokens for display
func (s *TokenService) ListUserDevices(ctx context.Context, userID string) ([]*models.DeviceToken, error) {
	return s.repo.ListByUser(ctx, userID)
}

// TouchActivity records that the token was just used. Activity failures are
// logged but not surfaced; a stale timestamp must not break a valid request.
func (s *TokenService) TouchActivity(ctx context.Context, rawToken string) {
	if err := s.repo.TouchActivity(ctx, auth.HashToken(rawToken), time.Now()); err != nil {
		s.logger.Warn("failed to update token activity", slog.Any("error", err))
	}
}

func (s *TokenService) isExpired(token *models.DeviceToken) bool {
	if s.config.MaxAge <= 0 {
		return false
	}
	ref := token.CreatedAt
	if token.LastActivity != nil && token.LastActivity.After(ref) {
		ref = *token.LastActivity
	}
	return time.Since(ref) > s.config.MaxAge
}
