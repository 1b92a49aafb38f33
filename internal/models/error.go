package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Login pipeline errors
	ErrThrottled          = errors.New("too many attempts, throttled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")

	// Second factor errors
	ErrSecondFactorRequired = errors.New("second factor required")
	ErrSecondFactorFailed   = errors.New("second factor verification failed")
	ErrSecondFactorExpired  = errors.New("second factor challenge expired")

	// Token errors. ErrTokenWiped never crosses the HTTP boundary as a
	// distinct state; handlers collapse it into the not-found response so a
	// caller cannot probe whether a token ever existed.
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenWiped    = errors.New("token marked for wipe")

	// ErrStorageUnavailable denies the operation (fail closed), it is never
	// downgraded to an allow.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
