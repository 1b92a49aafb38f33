package models

import "time"

// TOTPSecret is a user's enrolled TOTP generator. The shared secret is
// encrypted at rest with AES-256-GCM.
type TOTPSecret struct {
	ID              string
	UserID          string
	SecretEncrypted []byte
	SecretNonce     []byte
	CreatedAt       time.Time
	VerifiedAt      *time.Time
	LastUsedAt      *time.Time
}

// IsVerified reports whether enrollment completed with a first valid code.
func (s *TOTPSecret) IsVerified() bool { return s.VerifiedAt != nil }

// BackupCodeSet holds a user's one-time recovery codes, bcrypt-hashed.
type BackupCodeSet struct {
	ID         string
	UserID     string
	CodeHashes []string
	UsedMask   []bool
	CreatedAt  time.Time
}
