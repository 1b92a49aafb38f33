package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/cmorten/gatehouse/internal/repositories"
)

// Enrollments abandoned before the owner entered their first code are
// purged after this long.
const unverifiedTOTPRetention = 24 * time.Hour

// CleanupManager periodically purges aged-out rows: throttle attempts past
// their window, expired sessions, invalidated device tokens past retention,
// and abandoned second-factor enrollments. None of this affects
// correctness; the throttle window and the token state checks filter at
// read time.
type CleanupManager struct {
	throttleRepo  *repositories.ThrottleRepository
	sessionRepo   *repositories.SessionRepository
	tokenRepo     *repositories.TokenRepository
	twoFactorRepo *repositories.TwoFactorRepository

	tokenRetention time.Duration
	interval       time.Duration
	logger         *slog.Logger
	stopCh         chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	throttleRepo *repositories.ThrottleRepository,
	sessionRepo *repositories.SessionRepository,
	tokenRepo *repositories.TokenRepository,
	twoFactorRepo *repositories.TwoFactorRepository,
	tokenRetention time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *CleanupManager {
	return &CleanupManager{
		throttleRepo:   throttleRepo,
		sessionRepo:    sessionRepo,
		tokenRepo:      tokenRepo,
		twoFactorRepo:  twoFactorRepo,
		tokenRetention: tokenRetention,
		interval:       interval,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if deleted, err := cm.throttleRepo.DeleteExpiredAttempts(cleanupCtx); err != nil {
		cm.logger.Error("failed to purge expired throttle attempts", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged expired throttle attempts", slog.Int64("rows_deleted", deleted))
	}

	if deleted, err := cm.sessionRepo.DeleteExpired(cleanupCtx); err != nil {
		cm.logger.Error("failed to purge expired sessions", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged expired sessions", slog.Int64("rows_deleted", deleted))
	}

	cutoff := time.Now().Add(-cm.tokenRetention)
	if deleted, err := cm.tokenRepo.DeleteInvalidatedBefore(cleanupCtx, cutoff); err != nil {
		cm.logger.Error("failed to purge invalidated tokens", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged invalidated tokens", slog.Int64("rows_deleted", deleted))
	}

	enrollmentCutoff := time.Now().Add(-unverifiedTOTPRetention)
	if deleted, err := cm.twoFactorRepo.DeleteUnverifiedBefore(cleanupCtx, enrollmentCutoff); err != nil {
		cm.logger.Error("failed to purge abandoned totp enrollments", slog.Any("error", err))
	} else if deleted > 0 {
		cm.logger.Info("purged abandoned totp enrollments", slog.Int64("rows_deleted", deleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
