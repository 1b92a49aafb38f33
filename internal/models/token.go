package models

import "time"

// Device token kinds. A session token authenticates a device; a wipe token
// is the tombstone left behind when the owner de-authorizes a lost device.
const (
	TokenKindSession = "session"
	TokenKindWipe    = "wipe"
)

// DeviceToken is the persisted record behind an opaque device credential.
// The opaque value itself is never stored, only its hash.
type DeviceToken struct {
	ID            string
	UserID        string
	Name          string // Human-readable device label, e.g. "Firefox on laptop"
	TokenHash     string
	Kind          string
	CreatedAt     time.Time
	LastActivity  *time.Time
	InvalidatedAt *time.Time
	// WipeStartedAt records when the holding device first fetched the wipe
	// order. Nil until then; the owner notice hangs off this transition.
	WipeStartedAt *time.Time
}

// IsWipe reports whether the token instructs the holding device to wipe.
func (t *DeviceToken) IsWipe() bool { return t.Kind == TokenKindWipe }

// IsInvalidated reports whether the token has been consumed or revoked.
func (t *DeviceToken) IsInvalidated() bool { return t.InvalidatedAt != nil }
