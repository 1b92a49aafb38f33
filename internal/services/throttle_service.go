package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cmorten/gatehouse/internal/models"
)

// ThrottleRepository defines the interface for attempt storage
type ThrottleRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.ThrottleAttempt) error
	FailureHistoryByAddress(ctx context.Context, remoteAddress, action string, since time.Time) (float64, time.Time, error)
	FailureHistoryByIdentity(ctx context.Context, identityHash, action string, since time.Time) (float64, time.Time, error)
}

// ThrottleConfig holds configuration for the brute-force throttler
type ThrottleConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	FailureCap     int
	Window         time.Duration
	IdentityWeight float64
}

// ThrottleService computes and enforces brute-force backoff. An attempt
// arriving before the backoff from the most recent failure has elapsed is
// rejected outright, before any credential work runs; storage failures deny
// rather than allow.
type ThrottleService struct {
	repo   ThrottleRepository
	config ThrottleConfig
	logger *slog.Logger
}

// NewThrottleService creates a new ThrottleService
func NewThrottleService(repo ThrottleRepository, config ThrottleConfig, logger *slog.Logger) *ThrottleService {
	return &ThrottleService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// RegisterFailure records a failed attempt for the key now
func (s *ThrottleService) RegisterFailure(ctx context.Context, key models.ThrottleKey) error {
	attempt := &models.ThrottleAttempt{
		RemoteAddress: key.RemoteAddress,
		Action:        key.Action,
		IdentityHash:  hashIdentity(key.Identity),
		Weight:        1.0,
		Success:       false,
		ExpiresAt:     time.Now().Add(s.config.Window * 2),
	}

	if err := s.repo.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record throttle failure",
			slog.String("action", key.Action),
			slog.Any("error", err))
		return models.ErrStorageUnavailable
	}
	return nil
}

// RegisterSuccess records a successful attempt. It never reduces the failure
// history; the window ages out on its own, so one lucky guess cannot reset
// the clock for an attacker.
func (s *ThrottleService) RegisterSuccess(ctx context.Context, key models.ThrottleKey) error {
	attempt := &models.ThrottleAttempt{
		RemoteAddress: key.RemoteAddress,
		Action:        key.Action,
		IdentityHash:  hashIdentity(key.Identity),
		Weight:        1.0,
		Success:       true,
		ExpiresAt:     time.Now().Add(s.config.Window * 2),
	}

	if err := s.repo.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record throttle success", slog.Any("error", err))
		return models.ErrStorageUnavailable
	}
	return nil
}

// GetDelay returns how long the caller must still wait before the next
// attempt is accepted: the capped exponential backoff for the weighted
// failure count, measured from the most recent failure. Zero means the
// attempt may proceed. On storage failure the cap is returned together with
// ErrStorageUnavailable (fail closed).
func (s *ThrottleService) GetDelay(ctx context.Context, key models.ThrottleKey) (time.Duration, error) {
	since := time.Now().Add(-s.config.Window)

	total, last, err := s.repo.FailureHistoryByAddress(ctx, key.RemoteAddress, key.Action, since)
	if err != nil {
		s.logger.Error("throttle lookup failed, denying",
			slog.String("action", key.Action),
			slog.Any("error", err))
		return s.config.MaxDelay, models.ErrStorageUnavailable
	}

	if key.Identity != "" {
		idTotal, idLast, err := s.repo.FailureHistoryByIdentity(ctx, hashIdentity(key.Identity), key.Action, since)
		if err != nil {
			s.logger.Error("throttle identity lookup failed, denying",
				slog.String("action", key.Action),
				slog.Any("error", err))
			return s.config.MaxDelay, models.ErrStorageUnavailable
		}
		total += idTotal * s.config.IdentityWeight
		if idLast.After(last) {
			last = idLast
		}
	}

	backoff := s.delayForFailures(total)
	if backoff == 0 {
		return 0, nil
	}
	remaining := time.Until(last.Add(backoff))
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// IsAllowed reports whether the next attempt for the key may proceed
func (s *ThrottleService) IsAllowed(ctx context.Context, key models.ThrottleKey) (bool, error) {
	delay, err := s.GetDelay(ctx, key)
	if err != nil {
		return false, err
	}
	return delay == 0, nil
}

// delayForFailures maps a weighted failure count onto a capped exponential
// backoff: base × 2^(min(failures, cap)). Zero failures means zero delay.
func (s *ThrottleService) delayForFailures(weighted float64) time.Duration {
	failures := int(math.Floor(weighted))
	if failures <= 0 {
		return 0
	}
	if failures > s.config.FailureCap {
		failures = s.config.FailureCap
	}

	delay := s.config.BaseDelay << uint(failures-1)
	if delay > s.config.MaxDelay || delay <= 0 {
		delay = s.config.MaxDelay
	}
	return delay
}

// hashIdentity hashes the lowercased identity so login names never reach
// throttle storage in the clear.
func hashIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identity))))
	return hex.EncodeToString(sum[:])
}
