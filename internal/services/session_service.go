package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/pkg/auth"
)

// SessionStoreRepository defines the interface for server-side session storage
type SessionStoreRepository interface {
	Upsert(ctx context.Context, id string, expiresAt time.Time) error
	SetValue(ctx context.Context, id, key, value string) error
	GetValue(ctx context.Context, id, key string) (string, error)
	DeleteValue(ctx context.Context, id, key string) error
	Destroy(ctx context.Context, id string) error
}

// Session bag keys. Values are strings; timestamps are RFC 3339.
const (
	sessionKeyLoginMessage    = "login_message"
	sessionKeyPendingUser     = "pending_2fa_user"
	sessionKeyPendingExpires  = "pending_2fa_expires"
	sessionKeyPasswordConfirm = "last_password_confirm"
)

// SessionConfig holds configuration for server-side sessions
type SessionConfig struct {
	Lifetime time.Duration
}

// SessionService manages the server-side session bag that carries state
// between login round trips: flash messages, the pending second factor, and
// the sudo confirmation timestamp.
type SessionService struct {
	repo   SessionStoreRepository
	config SessionConfig
	logger *slog.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(repo SessionStoreRepository, config SessionConfig, logger *slog.Logger) *SessionService {
	return &SessionService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// Start creates a fresh session and returns its id. Callers always get a new
// id; rotating at privilege changes falls out of Start plus Destroy.
func (s *SessionService) Start(ctx context.Context) (string, error) {
	id, err := auth.GenerateOpaqueToken()
	if err != nil {
		return "", models.ErrInternalServer
	}
	if err := s.repo.Upsert(ctx, id, time.Now().Add(s.config.Lifetime)); err != nil {
		return "", err
	}
	return id, nil
}

// Refresh extends the session's expiry
func (s *SessionService) Refresh(ctx context.Context, id string) error {
	return s.repo.Upsert(ctx, id, time.Now().Add(s.config.Lifetime))
}

// Destroy removes a session and everything in its bag
func (s *SessionService) Destroy(ctx context.Context, id string) error {
	return s.repo.Destroy(ctx, id)
}

// Exists reports whether the session id refers to a live session
func (s *SessionService) Exists(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	err := s.repo.SetValue(ctx, id, "touched", time.Now().UTC().Format(time.RFC3339))
	return err == nil
}

// PutLoginMessage stores a one-shot message for the next render of the login
// page.
func (s *SessionService) PutLoginMessage(ctx context.Context, id, msgKey string) error {
	return s.repo.SetValue(ctx, id, sessionKeyLoginMessage, msgKey)
}

// TakeLoginMessage returns and clears the stored login message. An empty
// string means no message was pending.
func (s *SessionService) TakeLoginMessage(ctx context.Context, id string) string {
	msg, err := s.repo.GetValue(ctx, id, sessionKeyLoginMessage)
	if err != nil {
		return ""
	}
	if err := s.repo.DeleteValue(ctx, id, sessionKeyLoginMessage); err != nil {
		s.logger.Warn("failed to clear login message", slog.Any("error", err))
	}
	return msg
}

// SetPendingSecondFactor records that the password check passed and the
// session now waits on a second factor for the given user.
func (s *SessionService) SetPendingSecondFactor(ctx context.Context, id, userID string, expiry time.Duration) error {
	if err := s.repo.SetValue(ctx, id, sessionKeyPendingUser, userID); err != nil {
		return err
	}
	expiresAt := time.Now().Add(expiry).UTC().Format(time.RFC3339)
	return s.repo.SetValue(ctx, id, sessionKeyPendingExpires, expiresAt)
}

// PendingSecondFactor returns the user id waiting on a second factor.
// ErrSecondFactorRequired means no challenge is pending; ErrSecondFactorExpired
// means the challenge timed out and was discarded, so the login starts over.
func (s *SessionService) PendingSecondFactor(ctx context.Context, id string) (string, error) {
	userID, err := s.repo.GetValue(ctx, id, sessionKeyPendingUser)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", models.ErrSecondFactorRequired
		}
		return "", err
	}

	expiresRaw, err := s.repo.GetValue(ctx, id, sessionKeyPendingExpires)
	if err != nil {
		return "", models.ErrSecondFactorRequired
	}
	expiresAt, err := time.Parse(time.RFC3339, expiresRaw)
	if err != nil || time.Now().After(expiresAt) {
		s.ClearPendingSecondFactor(ctx, id)
		return "", models.ErrSecondFactorExpired
	}
	return userID, nil
}

// ClearPendingSecondFactor discards the pending challenge
func (s *SessionService) ClearPendingSecondFactor(ctx context.Context, id string) {
	if err := s.repo.DeleteValue(ctx, id, sessionKeyPendingUser); err != nil {
		s.logger.Warn("failed to clear pending second factor", slog.Any("error", err))
	}
	if err := s.repo.DeleteValue(ctx, id, sessionKeyPendingExpires); err != nil {
		s.logger.Warn("failed to clear pending second factor expiry", slog.Any("error", err))
	}
}

// ConfirmPassword stamps a fresh sudo confirmation on the session
func (s *SessionService) ConfirmPassword(ctx context.Context, id string) error {
	return s.repo.SetValue(ctx, id, sessionKeyPasswordConfirm, time.Now().UTC().Format(time.RFC3339))
}

// PasswordConfirmedWithin reports whether the session holds a sudo
// confirmation younger than maxAge.
func (s *SessionService) PasswordConfirmedWithin(ctx context.Context, id string, maxAge time.Duration) bool {
	raw, err := s.repo.GetValue(ctx, id, sessionKeyPasswordConfirm)
	if err != nil {
		return false
	}
	confirmedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Since(confirmedAt) < maxAge
}
