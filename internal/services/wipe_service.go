package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/pkg/logger"
)

// WipeUserRepository is the slice of user storage the wipe flow needs
type WipeUserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// WipeNotifier delivers out-of-band notices about wipe progress to the
// account owner. Delivery failures must not affect the handshake.
type WipeNotifier interface {
	NotifyWipeStarted(ctx context.Context, user *models.User, deviceName string) error
	NotifyWipeDone(ctx context.Context, user *models.User, deviceName string) error
}

// LoginNotifier delivers the security notice that a login just minted a
// device credential the account had not seen before.
type LoginNotifier interface {
	NotifyNewDeviceLogin(ctx context.Context, user *models.User, deviceName, ipAddress string) error
}

// WipeService runs the remote wipe handshake. The device holding a wiped
// token polls CheckWipe, erases itself, then confirms with ConfirmWipe;
// only that confirmation retires the token.
type WipeService struct {
	tokens   *TokenService
	users    WipeUserRepository
	notifier WipeNotifier
	throttle *ThrottleService
	audit    *logger.AuditLogger
	logger   *slog.Logger
}

// NewWipeService creates a new WipeService
func NewWipeService(tokens *TokenService, users WipeUserRepository, notifier WipeNotifier, throttle *ThrottleService, audit *logger.AuditLogger, log *slog.Logger) *WipeService {
	return &WipeService{
		tokens:   tokens,
		users:    users,
		notifier: notifier,
		throttle: throttle,
		audit:    audit,
		logger:   log,
	}
}

// enforceThrottle applies the same backoff the login flow gets: token
// guessing accrues failures, and a request arriving before the backoff has
// elapsed is rejected. Legitimate polls with a known token never accrue.
// Storage errors fail closed.
func (s *WipeService) enforceThrottle(ctx context.Context, clientIP string) error {
	delay, err := s.throttle.GetDelay(ctx, models.ThrottleKey{
		RemoteAddress: clientIP,
		Action:        models.ThrottleActionWipe,
	})
	if err != nil || delay > 0 {
		return models.ErrThrottled
	}
	return nil
}

func (s *WipeService) registerUnknownToken(ctx context.Context, clientIP string) {
	err := s.throttle.RegisterFailure(ctx, models.ThrottleKey{
		RemoteAddress: clientIP,
		Action:        models.ThrottleActionWipe,
	})
	if err != nil {
		s.logger.Warn("failed to register wipe throttle failure", slog.Any("error", err))
	}
}

// CheckWipe reports whether the device holding the token must wipe itself.
// Unknown and invalidated tokens return ErrTokenNotFound; a token that is
// still an ordinary session token returns false with no error, and the
// handler renders both cases identically so the endpoint cannot be used to
// probe token validity.
func (s *WipeService) CheckWipe(ctx context.Context, rawToken string, clientIP string) (bool, error) {
	if err := s.enforceThrottle(ctx, clientIP); err != nil {
		return false, err
	}

	token, err := s.tokens.GetToken(ctx, rawToken)
	if err != nil {
		if errors.Is(err, models.ErrTokenWiped) {
			// Devices poll on a timer; the audit record and the owner
			// notice belong to the first fetch of the order only.
			first, merr := s.tokens.MarkWipeStarted(ctx, token.ID)
			if merr != nil {
				s.logger.Warn("failed to record wipe fetch", slog.Any("error", merr))
			}
			if first {
				s.audit.LogTokenEvent("wipe_check", token.UserID, token.ID, clientIP)
				s.notifyStarted(ctx, token)
			}
			return true, nil
		}
		if errors.Is(err, models.ErrTokenNotFound) {
			s.registerUnknownToken(ctx, clientIP)
		}
		return false, err
	}
	return false, nil
}

// ConfirmWipe acknowledges that the device finished erasing itself and
// retires the wipe token. Only the call that actually invalidates the token
// sends the completion notice; repeats and non-wipe tokens get
// ErrTokenNotFound.
func (s *WipeService) ConfirmWipe(ctx context.Context, rawToken string, clientIP string) error {
	if err := s.enforceThrottle(ctx, clientIP); err != nil {
		return err
	}

	token, err := s.tokens.GetToken(ctx, rawToken)
	if err == nil {
		// A live session token is not part of any wipe handshake.
		return models.ErrTokenNotFound
	}
	if !errors.Is(err, models.ErrTokenWiped) {
		if errors.Is(err, models.ErrTokenNotFound) {
			s.registerUnknownToken(ctx, clientIP)
		}
		return err
	}

	flipped, err := s.tokens.InvalidateToken(ctx, rawToken)
	if err != nil {
		return err
	}
	if !flipped {
		// Lost the race with a concurrent confirmation.
		return models.ErrTokenNotFound
	}

	s.audit.LogTokenEvent("wipe_done", token.UserID, token.ID, clientIP)
	s.notifyDone(ctx, token)
	return nil
}

func (s *WipeService) notifyStarted(ctx context.Context, token *models.DeviceToken) {
	if s.notifier == nil {
		return
	}
	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		s.logger.Warn("wipe notification skipped, owner lookup failed",
			slog.String("token_id", token.ID),
			slog.Any("error", err))
		return
	}
	if err := s.notifier.NotifyWipeStarted(ctx, user, token.Name); err != nil {
		s.logger.Warn("failed to send wipe started notice", slog.Any("error", err))
	}
}

func (s *WipeService) notifyDone(ctx context.Context, token *models.DeviceToken) {
	if s.notifier == nil {
		return
	}
	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		s.logger.Warn("wipe notification skipped, owner lookup failed",
			slog.String("token_id", token.ID),
			slog.Any("error", err))
		return
	}
	if err := s.notifier.NotifyWipeDone(ctx, user, token.Name); err != nil {
		s.logger.Warn("failed to send wipe done notice", slog.Any("error", err))
	}
}
