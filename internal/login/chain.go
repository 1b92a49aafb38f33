// Package login drives an inbound login attempt through an ordered chain of
// checks. Each step either fails the attempt with a terminal result or
// passes it along; the final step mints the device credential.
package login

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cmorten/gatehouse/internal/models"
)

// Attempt wraps one login attempt while it moves through the chain. Steps
// read the request data and leave their outputs here for the handler.
type Attempt struct {
	Data *models.LoginData

	// SessionID is the caller's server-side session, already created by the
	// time the chain runs.
	SessionID string
	// CSRFValid reports whether the request carried a token matching the
	// session.
	CSRFValid bool
	// AlreadyLoggedIn is set when the request carried a live device token.
	AlreadyLoggedIn bool

	// IssuedToken is the raw device credential minted on success. It exists
	// only here and in the response cookie.
	IssuedToken       string
	IssuedTokenRecord *models.DeviceToken
}

// Step is one check in the login chain. A nil result means the attempt
// passes on to the next step; a non-nil result terminates the chain. An
// error aborts the attempt without a login outcome (storage down, bug).
type Step interface {
	Name() string
	Run(ctx context.Context, a *Attempt) (*models.LoginResult, error)
}

// Chain runs the steps in order. The step order is part of the security
// design: throttling runs before any credential work, and the account state
// check runs only after the password proved knowledge of the identity.
type Chain struct {
	steps  []Step
	logger *slog.Logger
}

// NewChain creates a chain over the given steps
func NewChain(logger *slog.Logger, steps ...Step) *Chain {
	return &Chain{
		steps:  steps,
		logger: logger,
	}
}

// Run pushes the attempt through the chain and returns its terminal result
func (c *Chain) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	for _, step := range c.steps {
		result, err := step.Run(ctx, a)
		if err != nil {
			c.logger.Error("login step aborted",
				slog.String("step", step.Name()),
				slog.Any("error", err))
			return nil, err
		}
		if result != nil {
			if !result.IsSuccess() {
				c.logger.Info("login attempt rejected",
					slog.String("step", step.Name()),
					slog.String("message", result.MessageKey()))
			}
			return result, nil
		}
	}
	return nil, fmt.Errorf("login chain ended without a result")
}
