package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/login"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/services"
	"github.com/cmorten/gatehouse/internal/twofactor"
	pkghttp "github.com/cmorten/gatehouse/pkg/http"
	"github.com/cmorten/gatehouse/pkg/logger"
)

// LoginHandlerConfig carries the handler-level knobs for the login surface
type LoginHandlerConfig struct {
	SessionTokenMaxAge time.Duration
	PendingExpiry      time.Duration
	BaseURL            string
	DefaultPage        string
	ChallengePath      string
}

// LoginHandler drives the interactive login surface: the form state
// endpoint, the login chain, the second-factor challenge, logout, and sudo
// reconfirmation.
type LoginHandler struct {
	chain        *login.Chain
	sessions     *services.SessionService
	tokens       *services.TokenService
	users        *services.UserService
	throttle     *services.ThrottleService
	gate         *twofactor.Gate
	csrf         *auth.CSRFTokenManager
	tokenManager *auth.TokenManager
	notifier     services.LoginNotifier
	audit        *logger.AuditLogger
	logger       *slog.Logger

	ipConfig     *pkghttp.IPConfig
	cookieConfig auth.CookieConfig
	config       LoginHandlerConfig
}

// NewLoginHandler creates a new LoginHandler
func NewLoginHandler(
	chain *login.Chain,
	sessions *services.SessionService,
	tokens *services.TokenService,
	users *services.UserService,
	throttle *services.ThrottleService,
	gate *twofactor.Gate,
	csrf *auth.CSRFTokenManager,
	tokenManager *auth.TokenManager,
	notifier services.LoginNotifier,
	audit *logger.AuditLogger,
	log *slog.Logger,
	ipConfig *pkghttp.IPConfig,
	cookieConfig auth.CookieConfig,
	config LoginHandlerConfig,
) *LoginHandler {
	return &LoginHandler{
		chain:        chain,
		sessions:     sessions,
		tokens:       tokens,
		users:        users,
		throttle:     throttle,
		gate:         gate,
		csrf:         csrf,
		tokenManager: tokenManager,
		notifier:     notifier,
		audit:        audit,
		logger:       log,
		ipConfig:     ipConfig,
		cookieConfig: cookieConfig,
		config:       config,
	}
}

// Request and response DTOs

// LoginRequest is the body of POST /login
type LoginRequest struct {
	User           string `json:"user" validate:"required"`
	Password       string `json:"password" validate:"required"`
	RedirectURL    string `json:"redirect_url"`
	Timezone       string `json:"timezone"`
	TimezoneOffset string `json:"timezone_offset"`
	CSRFToken      string `json:"csrf_token" validate:"required"`
}

// ChallengeRequest is the body of POST /login/challenge
type ChallengeRequest struct {
	Provider    string `json:"provider" validate:"required"`
	Challenge   string `json:"challenge" validate:"required"`
	RedirectURL string `json:"redirect_url"`
	CSRFToken   string `json:"csrf_token" validate:"required"`
}

// ConfirmRequest is the body of POST /session/confirm
type ConfirmRequest struct {
	Password string `json:"password" validate:"required"`
}

// LoginFormResponse is the state the login page renders from
type LoginFormResponse struct {
	CSRFToken        string `json:"csrf_token"`
	Message          string `json:"message,omitempty"`
	ThrottleDelayMs  int64  `json:"throttle_delay_ms"`
	RedirectURL      string `json:"redirect_url,omitempty"`
	CanResetPassword *bool  `json:"can_reset_password,omitempty"`
}

// LoginResponse is the success body of POST /login and /login/challenge
type LoginResponse struct {
	RedirectURL string `json:"redirect_url"`
	AccessToken string `json:"access_token,omitempty"`
}

// ChallengeRequiredResponse redirects a half-finished login to the challenge
// page
type ChallengeRequiredResponse struct {
	RedirectURL       string             `json:"redirect_url"`
	TwoFactorRequired bool               `json:"two_factor_required"`
	Providers         []ProviderResponse `json:"providers,omitempty"`
}

// ProviderResponse describes a second-factor option on the challenge page
type ProviderResponse struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

// LoginFailureResponse is the body of a rejected login
type LoginFailureResponse struct {
	Error            string `json:"error"`
	RedirectURL      string `json:"redirect_url"`
	CanResetPassword *bool  `json:"can_reset_password,omitempty"`
}

// ShowLoginForm handles GET /login. It guarantees the caller a session and
// hands out the CSRF token the form must post back.
func (h *LoginHandler) ShowLoginForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, _ := auth.GetSessionCookie(r, h.cookieConfig)
	if sessionID == "" || !h.sessions.Exists(ctx, sessionID) {
		var err error
		sessionID, err = h.sessions.Start(ctx)
		if err != nil {
			pkghttp.WriteInternalError(w, "Failed to start session")
			return
		}
		auth.SetSessionCookie(w, sessionID, 0, h.cookieConfig)
	}

	csrfToken, err := h.csrf.GenerateToken(sessionID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to generate token")
		return
	}

	resp := LoginFormResponse{
		CSRFToken:   csrfToken,
		Message:     h.sessions.TakeLoginMessage(ctx, sessionID),
		RedirectURL: r.URL.Query().Get("redirect_url"),
	}

	key := models.ThrottleKey{
		RemoteAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		Action:        models.ThrottleActionLogin,
	}
	delay, err := h.throttle.GetDelay(ctx, key)
	if err == nil {
		resp.ThrottleDelayMs = delay.Milliseconds()
	} else {
		resp.ThrottleDelayMs = delay.Milliseconds()
		resp.Message = models.LoginMsgThrottled
	}

	// After an invalid-password failure the form re-renders with the
	// username and may offer a reset link.
	if user := r.URL.Query().Get("user"); user != "" {
		can := h.users.CanResetPassword(ctx, user)
		resp.CanResetPassword = &can
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// Login handles POST /login
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	sessionID, _ := auth.GetSessionCookie(r, h.cookieConfig)
	csrfValid := sessionID != "" && h.csrf.ValidateToken(req.CSRFToken, sessionID)

	attempt := &login.Attempt{
		Data: models.NewLoginData(
			req.User,
			req.Password,
			req.RedirectURL,
			req.Timezone,
			req.TimezoneOffset,
			pkghttp.ExtractClientIP(r, h.ipConfig),
			r.UserAgent(),
		),
		SessionID:       sessionID,
		CSRFValid:       csrfValid,
		AlreadyLoggedIn: h.hasLiveDeviceToken(r),
	}

	result, err := h.chain.Run(ctx, attempt)
	if err != nil {
		h.writeInternal(w, err)
		return
	}

	if result.IsSuccess() {
		h.csrf.RevokeToken(req.CSRFToken)
		h.establishSession(w, r, attempt, result)
		return
	}

	if result.MessageKey() == "" {
		h.writeRedirectOnly(w, r, attempt, result)
		return
	}

	h.writeFailure(w, r, sessionID, req.User, result)
}

// Challenge handles POST /login/challenge. It completes a login parked by
// the two-factor step.
func (h *LoginHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	sessionID, _ := auth.GetSessionCookie(r, h.cookieConfig)
	if sessionID == "" || !h.csrf.ValidateToken(req.CSRFToken, sessionID) {
		pkghttp.WriteForbidden(w, "CSRF check failed")
		return
	}

	userID, err := h.sessions.PendingSecondFactor(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSecondFactorExpired):
			pkghttp.WriteJSON(w, http.StatusUnauthorized, LoginFailureResponse{
				Error:       "second_factor_expired",
				RedirectURL: "/login",
			})
		case errors.Is(err, models.ErrSecondFactorRequired):
			pkghttp.WriteBadRequest(w, "No login awaiting a second factor")
		default:
			h.writeInternal(w, err)
		}
		return
	}

	clientIP := pkghttp.ExtractClientIP(r, h.ipConfig)
	key := models.ThrottleKey{
		RemoteAddress: clientIP,
		Action:        models.ThrottleActionTwoFA,
		Identity:      userID,
	}
	delay, terr := h.throttle.GetDelay(ctx, key)
	if terr != nil || delay > 0 {
		setRetryAfter(w, delay)
		pkghttp.WriteTooManyRequests(w, "Too many attempts")
		return
	}

	if err := h.gate.VerifyChallenge(ctx, userID, req.Provider, req.Challenge); err != nil {
		switch {
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "Unknown provider")
		case errors.Is(err, models.ErrSecondFactorFailed):
			_ = h.throttle.RegisterFailure(ctx, key)
			h.audit.LogAuthAttempt(logger.AuditEvent{
				EventType:     "second_factor",
				UserID:        userID,
				IPAddress:     clientIP,
				Success:       false,
				FailureReason: "second_factor_failed",
			})
			pkghttp.WriteJSON(w, http.StatusUnauthorized, LoginFailureResponse{
				Error:       "second_factor_failed",
				RedirectURL: h.config.ChallengePath,
			})
		default:
			h.writeInternal(w, err)
		}
		return
	}

	_ = h.throttle.RegisterSuccess(ctx, key)
	h.sessions.ClearPendingSecondFactor(ctx, sessionID)

	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		h.writeInternal(w, err)
		return
	}

	raw, record, err := h.tokens.IssueToken(ctx, user.ID, login.DeviceName(r.UserAgent()), models.TokenKindSession)
	if err != nil {
		h.writeInternal(w, err)
		return
	}

	h.users.RecordLogin(ctx, user.ID)
	h.audit.LogAuthAttempt(logger.AuditEvent{
		EventType: "second_factor",
		UserID:    user.ID,
		IPAddress: clientIP,
		UserAgent: r.UserAgent(),
		Success:   true,
	})
	h.csrf.RevokeToken(req.CSRFToken)

	attempt := &login.Attempt{
		Data:              models.NewLoginData(user.Username, "", req.RedirectURL, "", "", clientIP, r.UserAgent()),
		SessionID:         sessionID,
		IssuedToken:       raw,
		IssuedTokenRecord: record,
	}
	attempt.Data.SetUser(user)
	h.establishSession(w, r, attempt, models.NewLoginSuccess(user,
		login.SafeRedirect(req.RedirectURL, h.config.BaseURL, h.config.DefaultPage)))
}

// Logout handles POST /logout
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if raw, err := auth.GetDeviceTokenCookie(r, h.cookieConfig); err == nil && raw != "" {
		token, terr := h.tokens.GetToken(ctx, raw)
		flipped, ierr := h.tokens.InvalidateToken(ctx, raw)
		if ierr == nil && flipped && terr == nil {
			h.audit.LogTokenEvent("logout", token.UserID, token.ID,
				pkghttp.ExtractClientIP(r, h.ipConfig))
		}
	}

	if sessionID, err := auth.GetSessionCookie(r, h.cookieConfig); err == nil && sessionID != "" {
		if derr := h.sessions.Destroy(ctx, sessionID); derr != nil {
			h.logger.Warn("failed to destroy session on logout", slog.Any("error", derr))
		}
	}

	auth.ClearDeviceTokenCookie(w, h.cookieConfig)
	auth.ClearSessionCookie(w, h.cookieConfig)
	w.Header().Set("Clear-Site-Data", `"cache", "cookies", "storage"`)

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{RedirectURL: "/login?clear=true"})
}

// ConfirmSession handles POST /session/confirm. Sensitive settings ask the
// user to re-prove the password; the confirmation lives in the session with
// its own throttle scope.
func (h *LoginHandler) ConfirmSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := auth.GetDeviceTokenCookie(r, h.cookieConfig)
	if err != nil || raw == "" {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}
	token, err := h.tokens.GetToken(ctx, raw)
	if err != nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}
	h.tokens.TouchActivity(ctx, raw)

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	user, err := h.users.GetUser(ctx, token.UserID)
	if err != nil {
		h.writeInternal(w, err)
		return
	}

	clientIP := pkghttp.ExtractClientIP(r, h.ipConfig)
	key := models.ThrottleKey{
		RemoteAddress: clientIP,
		Action:        models.ThrottleActionSudo,
		Identity:      user.Username,
	}
	delay, terr := h.throttle.GetDelay(ctx, key)
	if terr != nil || delay > 0 {
		setRetryAfter(w, delay)
		pkghttp.WriteTooManyRequests(w, "Too many attempts")
		return
	}

	if _, err := h.users.VerifyCredentials(ctx, user.Username, req.Password); err != nil {
		if errors.Is(err, models.ErrInvalidCredentials) {
			_ = h.throttle.RegisterFailure(ctx, key)
			pkghttp.WriteForbidden(w, "Password confirmation failed")
			return
		}
		h.writeInternal(w, err)
		return
	}

	_ = h.throttle.RegisterSuccess(ctx, key)

	sessionID, _ := auth.GetSessionCookie(r, h.cookieConfig)
	if sessionID == "" || !h.sessions.Exists(ctx, sessionID) {
		sessionID, err = h.sessions.Start(ctx)
		if err != nil {
			h.writeInternal(w, err)
			return
		}
		auth.SetSessionCookie(w, sessionID, 0, h.cookieConfig)
	}
	if err := h.sessions.ConfirmPassword(ctx, sessionID); err != nil {
		h.writeInternal(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"confirmed":    true,
		"confirmed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// establishSession finishes a successful login: it rotates the server-side
// session, sets the device token cookie, and hands out the API access token.
func (h *LoginHandler) establishSession(w http.ResponseWriter, r *http.Request, a *login.Attempt, result *models.LoginResult) {
	ctx := r.Context()

	// Session fixation: the pre-login session id never survives into the
	// authenticated session.
	if a.SessionID != "" {
		if err := h.sessions.Destroy(ctx, a.SessionID); err != nil {
			h.logger.Warn("failed to destroy pre-login session", slog.Any("error", err))
		}
	}
	newSessionID, err := h.sessions.Start(ctx)
	if err != nil {
		h.writeInternal(w, err)
		return
	}
	auth.SetSessionCookie(w, newSessionID, 0, h.cookieConfig)
	auth.SetDeviceTokenCookie(w, a.IssuedToken, int(h.config.SessionTokenMaxAge.Seconds()), h.cookieConfig)

	user := result.User()
	accessToken, err := h.tokenManager.GenerateAccessToken(user.ID, user.Username)
	if err != nil {
		h.logger.Error("failed to issue access token", slog.Any("error", err))
		accessToken = ""
	}

	// Every login mints a fresh device credential, so every login is a new
	// device from the account's point of view. Delivery failures only log.
	if h.notifier != nil && a.IssuedTokenRecord != nil {
		if nerr := h.notifier.NotifyNewDeviceLogin(ctx, user, a.IssuedTokenRecord.Name, a.Data.RemoteAddress); nerr != nil {
			h.logger.Warn("failed to send new device notice", slog.Any("error", nerr))
		}
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		RedirectURL: result.RedirectURL(),
		AccessToken: accessToken,
	})
}

// writeRedirectOnly renders results that are neither success nor failure:
// the two-factor hand-off and the stale-form-while-logged-in race.
func (h *LoginHandler) writeRedirectOnly(w http.ResponseWriter, r *http.Request, a *login.Attempt, result *models.LoginResult) {
	if result.RedirectURL() == h.config.ChallengePath && a.Data.User() != nil {
		resp := ChallengeRequiredResponse{
			RedirectURL:       result.RedirectURL(),
			TwoFactorRequired: true,
		}
		if providers, err := h.gate.ActiveProviders(r.Context(), a.Data.User().ID); err == nil {
			for _, p := range providers {
				resp.Providers = append(resp.Providers, ProviderResponse{
					Key:         p.Key(),
					DisplayName: p.DisplayName(),
				})
			}
		}
		pkghttp.WriteJSON(w, http.StatusOK, resp)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{RedirectURL: result.RedirectURL()})
}

// writeFailure renders a rejected attempt. The response is rebuilt from the
// result alone; nothing from the submitted form leaks back except the
// username echo in the redirect.
func (h *LoginHandler) writeFailure(w http.ResponseWriter, r *http.Request, sessionID, username string, result *models.LoginResult) {
	ctx := r.Context()

	if sessionID != "" {
		if err := h.sessions.PutLoginMessage(ctx, sessionID, result.MessageKey()); err != nil {
			h.logger.Warn("failed to store login message", slog.Any("error", err))
		}
	}

	status := http.StatusUnauthorized
	if result.MessageKey() == models.LoginMsgThrottled {
		status = http.StatusTooManyRequests
		setRetryAfter(w, result.RetryAfter())
	}

	resp := LoginFailureResponse{
		Error:       result.MessageKey(),
		RedirectURL: "/login?user=" + url.QueryEscape(username),
	}
	if result.MessageKey() == models.LoginMsgInvalidPassword {
		can := h.users.CanResetPassword(ctx, username)
		resp.CanResetPassword = &can
	}

	pkghttp.WriteJSON(w, status, resp)
}

func (h *LoginHandler) hasLiveDeviceToken(r *http.Request) bool {
	raw, err := auth.GetDeviceTokenCookie(r, h.cookieConfig)
	if err != nil || raw == "" {
		return false
	}
	if _, err = h.tokens.GetToken(r.Context(), raw); err != nil {
		return false
	}
	// Token expiry runs off last activity, so seeing the token is using it.
	h.tokens.TouchActivity(r.Context(), raw)
	return true
}

// setRetryAfter advertises the remaining backoff in whole seconds, rounded
// up so the client never retries early.
func setRetryAfter(w http.ResponseWriter, delay time.Duration) {
	if delay <= 0 {
		return
	}
	secs := int((delay + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func (h *LoginHandler) writeInternal(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrStorageUnavailable) {
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "storage_unavailable", "Try again shortly")
		return
	}
	h.logger.Error("login request failed", slog.Any("error", err))
	pkghttp.WriteInternalError(w, "Internal server error")
}
