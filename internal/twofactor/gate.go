package twofactor

import (
	"context"
	"log/slog"

	"github.com/cmorten/gatehouse/internal/models"
)

// Gate decides, per login, whether a second factor stands between a correct
// password and a session.
type Gate struct {
	registry *Registry
	logger   *slog.Logger
}

// NewGate creates a new Gate over the given registry
func NewGate(registry *Registry, logger *slog.Logger) *Gate {
	return &Gate{
		registry: registry,
		logger:   logger,
	}
}

// ActiveProviders returns the providers the user has set up, in registration
// order. Provider lookup errors fail the call; guessing at a user's factors
// is worse than failing the login.
func (g *Gate) ActiveProviders(ctx context.Context, userID string) ([]Provider, error) {
	var active []Provider
	for _, p := range g.registry.All() {
		enabled, err := p.EnabledFor(ctx, userID)
		if err != nil {
			g.logger.Error("two-factor provider state lookup failed",
				slog.String("provider", p.Key()),
				slog.Any("error", err))
			return nil, err
		}
		if enabled {
			active = append(active, p)
		}
	}
	return active, nil
}

// Required reports whether the user must pass a second factor
func (g *Gate) Required(ctx context.Context, userID string) (bool, error) {
	active, err := g.ActiveProviders(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// VerifyChallenge checks a challenge response against the named provider.
// The provider must exist and be active for the user; a wrong code returns
// ErrSecondFactorFailed.
func (g *Gate) VerifyChallenge(ctx context.Context, userID, providerKey, code string) error {
	provider, err := g.registry.Get(providerKey)
	if err != nil {
		return models.ErrBadRequest
	}

	enabled, err := provider.EnabledFor(ctx, userID)
	if err != nil {
		return err
	}
	if !enabled {
		return models.ErrSecondFactorFailed
	}

	ok, err := provider.Verify(ctx, userID, code)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrSecondFactorFailed
	}
	return nil
}
