package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/pkg/auth"
)

// UserRepository defines the interface for user storage
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	RecordLogin(ctx context.Context, id string, at time.Time) error
}

// dummyHash is compared against when the username does not resolve, so the
// missing-user path costs a bcrypt verification just like the wrong-password
// path.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// UserService verifies account credentials and answers account state
// questions for the login flow.
type UserService struct {
	repo   UserRepository
	logger *slog.Logger
}

// NewUserService creates a new UserService
func NewUserService(repo UserRepository, logger *slog.Logger) *UserService {
	return &UserService{
		repo:   repo,
		logger: logger,
	}
}

// VerifyCredentials checks a username and password pair. All failure shapes
// collapse into ErrInvalidCredentials; which part was wrong is never exposed.
// Account state (disabled, two-factor) is checked by later pipeline steps,
// not here.
func (s *UserService) VerifyCredentials(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = auth.ComparePassword(dummyHash, password)
			return nil, models.ErrInvalidCredentials
		}
		s.logger.Error("user lookup failed", slog.Any("error", err))
		return nil, err
	}

	// Federated accounts have no local password to check.
	if user.BackendNoPassword || user.PasswordHash == "" {
		_ = auth.ComparePassword(dummyHash, password)
		return nil, models.ErrInvalidCredentials
	}

	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, models.ErrInvalidCredentials
	}
	return user, nil
}

// GetUser fetches a user by id
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.repo.GetByID(ctx, id)
}

// RecordLogin stamps the user's last successful login time. Failures are
// logged and swallowed; a login must not fail over a bookkeeping column.
func (s *UserService) RecordLogin(ctx context.Context, userID string) {
	if err := s.repo.RecordLogin(ctx, userID, time.Now()); err != nil {
		s.logger.Warn("failed to record login time",
			slog.String("user_id", userID),
			slog.Any("error", err))
	}
}

// CanResetPassword reports whether the login page should offer a password
// reset link for the account named in a failed attempt. Unknown users get
// true so the answer does not reveal account existence.
func (s *UserService) CanResetPassword(ctx context.Context, username string) bool {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return true
	}
	return user.CanChangePassword()
}
