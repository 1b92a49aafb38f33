package models

import (
	"time"
)

type User struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	DisplayName       string
	Enabled           bool
	BackendNoPassword bool // Account is federated; password managed elsewhere
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastLoginAt       *time.Time
	PasswordChangedAt *time.Time
}

// CanChangePassword reports whether the account may reset its own password.
// Disabled accounts and accounts whose password lives in an external backend
// may not.
func (u *User) CanChangePassword() bool {
	return u.Enabled && !u.BackendNoPassword
}
