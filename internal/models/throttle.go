package models

import "time"

// Throttle actions refine the failure key so abuse of one surface does not
// lock out another.
const (
	ThrottleActionLogin = "login"
	ThrottleActionSudo  = "sudo"
	ThrottleActionWipe  = "wipe"
	ThrottleActionTwoFA = "2fa"
)

// ThrottleAttempt is one recorded authentication attempt. Rows are
// insert-only; counting within the sliding window derives the delay, so two
// concurrent failures can never under-count each other.
type ThrottleAttempt struct {
	ID            string
	RemoteAddress string
	Action        string
	IdentityHash  string // SHA-256 of the lowercased identity, empty if none
	Weight        float64
	Success       bool
	AttemptTime   time.Time
	ExpiresAt     time.Time
}

// ThrottleKey identifies the scope a delay is computed for.
type ThrottleKey struct {
	RemoteAddress string
	Action        string
	Identity      string // Raw identity; hashed before it reaches storage
}
