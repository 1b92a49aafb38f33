// Package twofactor gates logins behind a second authentication factor.
// Providers are registered once at startup; which of them apply to a user is
// decided per login.
package twofactor

import "context"

// Provider is one way a user can prove a second factor.
type Provider interface {
	// Key is the stable identifier clients submit with a challenge response.
	Key() string
	// DisplayName is shown on the challenge page.
	DisplayName() string
	// EnabledFor reports whether the user has this provider set up.
	EnabledFor(ctx context.Context, userID string) (bool, error)
	// Verify checks a submitted challenge response. A false return with nil
	// error is an ordinary wrong code.
	Verify(ctx context.Context, userID, code string) (bool, error)
}
