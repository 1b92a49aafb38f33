package models

import "time"

// Login message keys surfaced to the login form after a failed attempt.
// These are machine-readable; the UI maps them to localized text.
const (
	LoginMsgInvalidPassword = "invalidpassword"
	LoginMsgUserDisabled    = "userdisabled"
	LoginMsgThrottled       = "throttled"
)

// LoginData is the immutable record of a single inbound login attempt. It is
// built once per request, pushed through the login chain, and never
// persisted. The password is a secret and must not appear in logs.
type LoginData struct {
	Username       string
	Password       string
	RedirectURL    string
	Timezone       string
	TimezoneOffset string
	RemoteAddress  string
	UserAgent      string

	// user is set by the credential step once the identity is verified.
	user *User
}

// NewLoginData packages an inbound attempt.
func NewLoginData(username, password, redirectURL, timezone, timezoneOffset, remoteAddress, userAgent string) *LoginData {
	return &LoginData{
		Username:       username,
		Password:       password,
		RedirectURL:    redirectURL,
		Timezone:       timezone,
		TimezoneOffset: timezoneOffset,
		RemoteAddress:  remoteAddress,
		UserAgent:      userAgent,
	}
}

// SetUser records the verified identity for downstream steps.
func (d *LoginData) SetUser(u *User) { d.user = u }

// User returns the verified identity, or nil before credential verification.
func (d *LoginData) User() *User { return d.user }

// LoginResult is the terminal outcome of the login chain. Exactly one of
// success or failure is set; a failed result with a redirect URL still counts
// as a failed attempt for throttling purposes.
type LoginResult struct {
	success     bool
	user        *User
	redirectURL string
	msgKey      string
	err         error
	retryAfter  time.Duration
}

// NewLoginSuccess builds a successful result carrying the authenticated
// identity and an optional validated redirect target.
func NewLoginSuccess(user *User, redirectURL string) *LoginResult {
	return &LoginResult{success: true, user: user, redirectURL: redirectURL}
}

// NewLoginFailure builds a failed result with a machine-readable message key.
func NewLoginFailure(msgKey string, err error) *LoginResult {
	return &LoginResult{msgKey: msgKey, err: err}
}

// NewLoginRedirect builds a redirect-only failure that carries no message key
// and must not touch the throttler (already-logged-in-elsewhere race).
func NewLoginRedirect(redirectURL string) *LoginResult {
	return &LoginResult{redirectURL: redirectURL}
}

func (r *LoginResult) IsSuccess() bool { return r.success }

func (r *LoginResult) User() *User { return r.user }

func (r *LoginResult) RedirectURL() string { return r.redirectURL }

// MessageKey is the machine-readable failure reason shown after redirect.
func (r *LoginResult) MessageKey() string { return r.msgKey }

// Err is the sentinel error behind the failure, if any.
func (r *LoginResult) Err() error { return r.err }

// RetryAfter is how long the caller must wait before the attempt can be
// accepted. Zero on everything but throttled failures.
func (r *LoginResult) RetryAfter() time.Duration { return r.retryAfter }

// WithRedirectURL returns a copy of the result with the redirect target set.
func (r *LoginResult) WithRedirectURL(url string) *LoginResult {
	c := *r
	c.redirectURL = url
	return &c
}

// WithRetryAfter returns a copy of the result carrying the remaining wait.
func (r *LoginResult) WithRetryAfter(d time.Duration) *LoginResult {
	c := *r
	c.retryAfter = d
	return &c
}
