package login

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/pkg/logger"
)

// Throttler is the slice of the throttle service the chain needs
type Throttler interface {
	GetDelay(ctx context.Context, key models.ThrottleKey) (time.Duration, error)
	RegisterFailure(ctx context.Context, key models.ThrottleKey) error
	RegisterSuccess(ctx context.Context, key models.ThrottleKey) error
}

// CredentialVerifier checks username and password pairs
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (*models.User, error)
	RecordLogin(ctx context.Context, userID string)
}

// SecondFactorGate answers whether a user must pass a second factor
type SecondFactorGate interface {
	Required(ctx context.Context, userID string) (bool, error)
}

// ChallengeSession parks the half-finished login while the second factor is
// outstanding
type ChallengeSession interface {
	SetPendingSecondFactor(ctx context.Context, id, userID string, expiry time.Duration) error
}

// TokenIssuer mints device credentials
type TokenIssuer interface {
	IssueToken(ctx context.Context, userID, deviceName, kind string) (string, *models.DeviceToken, error)
}

func throttleKey(a *Attempt) models.ThrottleKey {
	return models.ThrottleKey{
		RemoteAddress: a.Data.RemoteAddress,
		Action:        models.ThrottleActionLogin,
		Identity:      a.Data.Username,
	}
}

// ThrottleStep rejects any attempt arriving before the backoff from the
// caller's failure history has elapsed. The rejection happens before any
// credential work and registers no failure of its own; only failed credential
// checks do. A throttle storage failure also rejects the attempt.
type ThrottleStep struct {
	throttle Throttler
}

func NewThrottleStep(throttle Throttler) *ThrottleStep {
	return &ThrottleStep{throttle: throttle}
}

func (s *ThrottleStep) Name() string { return "throttle" }

func (s *ThrottleStep) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	delay, err := s.throttle.GetDelay(ctx, throttleKey(a))
	if err != nil {
		return models.NewLoginFailure(models.LoginMsgThrottled, models.ErrThrottled).WithRetryAfter(delay), nil
	}
	if delay > 0 {
		return models.NewLoginFailure(models.LoginMsgThrottled, models.ErrThrottled).WithRetryAfter(delay), nil
	}
	return nil, nil
}

// PreCheckStep bounces requests whose CSRF token does not match the session.
// Both outcomes are redirect-only and leave the throttler untouched: a stale
// token usually means the form outlived the session, not an attack. A user
// who meanwhile logged in elsewhere lands on the default page; everyone else
// goes back to the login page for a fresh token.
type PreCheckStep struct {
	loginPage   string
	defaultPage string
}

func NewPreCheckStep(loginPage, defaultPage string) *PreCheckStep {
	return &PreCheckStep{loginPage: loginPage, defaultPage: defaultPage}
}

func (s *PreCheckStep) Name() string { return "precheck" }

func (s *PreCheckStep) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	if a.CSRFValid {
		return nil, nil
	}
	if a.AlreadyLoggedIn {
		return models.NewLoginRedirect(s.defaultPage), nil
	}
	return models.NewLoginRedirect(s.loginPage), nil
}

// CredentialStep verifies the password. Failures are recorded with the
// throttler and padded to a uniform duration so response time does not
// reveal whether the username exists.
type CredentialStep struct {
	users    CredentialVerifier
	throttle Throttler
	timing   *auth.TimingDelay
	audit    *logger.AuditLogger
}

func NewCredentialStep(users CredentialVerifier, throttle Throttler, timing *auth.TimingDelay, audit *logger.AuditLogger) *CredentialStep {
	return &CredentialStep{
		users:    users,
		throttle: throttle,
		timing:   timing,
		audit:    audit,
	}
}

func (s *CredentialStep) Name() string { return "credentials" }

func (s *CredentialStep) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	start := time.Now()

	user, err := s.users.VerifyCredentials(ctx, a.Data.Username, a.Data.Password)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredentials) {
			if rerr := s.throttle.RegisterFailure(ctx, throttleKey(a)); rerr != nil {
				return models.NewLoginFailure(models.LoginMsgThrottled, models.ErrThrottled), nil
			}
			s.audit.LogAuthAttempt(logger.AuditEvent{
				EventType:     "login",
				IPAddress:     a.Data.RemoteAddress,
				UserAgent:     a.Data.UserAgent,
				Success:       false,
				FailureReason: "invalid_credentials",
			})
			s.timing.WaitFrom(start)
			return models.NewLoginFailure(models.LoginMsgInvalidPassword, models.ErrInvalidCredentials), nil
		}
		return nil, err
	}

	a.Data.SetUser(user)
	return nil, nil
}

// AccountStateStep rejects disabled accounts. It runs after the credential
// check on purpose: only someone who knows the password learns the account
// is disabled.
type AccountStateStep struct {
	throttle Throttler
	audit    *logger.AuditLogger
}

func NewAccountStateStep(throttle Throttler, audit *logger.AuditLogger) *AccountStateStep {
	return &AccountStateStep{throttle: throttle, audit: audit}
}

func (s *AccountStateStep) Name() string { return "account_state" }

func (s *AccountStateStep) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	user := a.Data.User()
	if user.Enabled {
		return nil, nil
	}

	// Probing a disabled account still burns throttle budget.
	if err := s.throttle.RegisterFailure(ctx, throttleKey(a)); err != nil {
		return models.NewLoginFailure(models.LoginMsgThrottled, models.ErrThrottled), nil
	}
	s.audit.LogAuthAttempt(logger.AuditEvent{
		EventType:     "login",
		UserID:        user.ID,
		IPAddress:     a.Data.RemoteAddress,
		Success:       false,
		FailureReason: "account_disabled",
	})
	return models.NewLoginFailure(models.LoginMsgUserDisabled, models.ErrAccountDisabled), nil
}

// TwoFactorStep parks the login when the account is gated behind a second
// factor. No device token exists yet at this point.
type TwoFactorStep struct {
	gate          SecondFactorGate
	sessions      ChallengeSession
	pendingExpiry time.Duration
	challengePath string
}

func NewTwoFactorStep(gate SecondFactorGate, sessions ChallengeSession, pendingExpiry time.Duration, challengePath string) *TwoFactorStep {
	return &TwoFactorStep{
		gate:          gate,
		sessions:      sessions,
		pendingExpiry: pendingExpiry,
		challengePath: challengePath,
	}
}

func (s *TwoFactorStep) Name() string { return "two_factor" }

func (s *TwoFactorStep) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	user := a.Data.User()

	required, err := s.gate.Required(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !required {
		return nil, nil
	}

	if err := s.sessions.SetPendingSecondFactor(ctx, a.SessionID, user.ID, s.pendingExpiry); err != nil {
		return nil, err
	}
	return models.NewLoginRedirect(s.challengePath), nil
}

// FinalizeStep turns a fully checked attempt into a session: it records the
// success, mints the device token, and validates the redirect target.
type FinalizeStep struct {
	tokens   TokenIssuer
	users    CredentialVerifier
	throttle Throttler
	audit    *logger.AuditLogger

	baseURL     string
	defaultPage string
}

func NewFinalizeStep(tokens TokenIssuer, users CredentialVerifier, throttle Throttler, audit *logger.AuditLogger, baseURL, defaultPage string) *FinalizeStep {
	return &FinalizeStep{
		tokens:      tokens,
		users:       users,
		throttle:    throttle,
		audit:       audit,
		baseURL:     baseURL,
		defaultPage: defaultPage,
	}
}

func (s *FinalizeStep) Name() string { return "finalize" }

func (s *FinalizeStep) Run(ctx context.Context, a *Attempt) (*models.LoginResult, error) {
	user := a.Data.User()

	raw, record, err := s.tokens.IssueToken(ctx, user.ID, DeviceName(a.Data.UserAgent), models.TokenKindSession)
	if err != nil {
		return nil, err
	}
	a.IssuedToken = raw
	a.IssuedTokenRecord = record

	// The login already succeeded; a success-row bookkeeping failure must
	// not undo it.
	_ = s.throttle.RegisterSuccess(ctx, throttleKey(a))
	s.users.RecordLogin(ctx, user.ID)
	s.audit.LogAuthAttempt(logger.AuditEvent{
		EventType: "login",
		UserID:    user.ID,
		IPAddress: a.Data.RemoteAddress,
		UserAgent: a.Data.UserAgent,
		Success:   true,
	})

	return models.NewLoginSuccess(user, SafeRedirect(a.Data.RedirectURL, s.baseURL, s.defaultPage)), nil
}

// DeviceName derives a human-readable device label from the user agent
func DeviceName(userAgent string) string {
	name := strings.TrimSpace(userAgent)
	if name == "" {
		return "Unknown client"
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}
