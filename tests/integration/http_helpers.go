package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/config"
	"github.com/cmorten/gatehouse/internal/database"
	"github.com/cmorten/gatehouse/internal/handlers"
	"github.com/cmorten/gatehouse/internal/login"
	middlewareCustom "github.com/cmorten/gatehouse/internal/middleware"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/repositories"
	"github.com/cmorten/gatehouse/internal/routes"
	"github.com/cmorten/gatehouse/internal/services"
	"github.com/cmorten/gatehouse/internal/twofactor"
	pkghttp "github.com/cmorten/gatehouse/pkg/http"
	pkglogger "github.com/cmorten/gatehouse/pkg/logger"
)

// WipeNotice is a captured outbound notification
type WipeNotice struct {
	Event      string
	User       *models.User
	DeviceName string
	IPAddress  string
}

// MockWipeNotifier captures outbound notifications for test assertions
type MockWipeNotifier struct {
	mu      sync.Mutex
	Notices []WipeNotice
}

func (m *MockWipeNotifier) NotifyWipeStarted(ctx context.Context, user *models.User, deviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notices = append(m.Notices, WipeNotice{Event: "started", User: user, DeviceName: deviceName})
	return nil
}

func (m *MockWipeNotifier) NotifyWipeDone(ctx context.Context, user *models.User, deviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notices = append(m.Notices, WipeNotice{Event: "done", User: user, DeviceName: deviceName})
	return nil
}

func (m *MockWipeNotifier) NotifyNewDeviceLogin(ctx context.Context, user *models.User, deviceName, ipAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notices = append(m.Notices, WipeNotice{Event: "new_device", User: user, DeviceName: deviceName, IPAddress: ipAddress})
	return nil
}

// NoticesByEvent returns the captured notices matching one event kind
func (m *MockWipeNotifier) NoticesByEvent(event string) []WipeNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WipeNotice
	for _, n := range m.Notices {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

// LastNotice returns the most recent wipe notification
func (m *MockWipeNotifier) LastNotice() *WipeNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Notices) == 0 {
		return nil
	}
	return &m.Notices[len(m.Notices)-1]
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Notifier *MockWipeNotifier
	Config   *config.Config
	Client   *http.Client

	// Dependency references for inspection in tests
	CSRFManager *auth.CSRFTokenManager
	Throttle    *services.ThrottleService
	Tokens      *services.TokenService
	Sessions    *services.SessionService
	TOTP        *twofactor.TOTPProvider
	Backup      *twofactor.BackupCodeProvider
}

// NewTestServer initializes a complete HTTP server with a real database and a
// mocked wipe notifier. The wiring mirrors cmd/api/main.go but with throttle
// delays short enough for tests.
func NewTestServer(db *database.DB) *TestServer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			BaseURL:        "http://cloud.example.com",
			DefaultPage:    "/home",
			AllowedOrigins: []string{},
			TrustedProxies: []string{},
		},
		Auth: config.AuthConfig{
			JWTSecret:          "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry:  15 * time.Minute,
			SessionTokenMaxAge: 60 * 24 * time.Hour,
			SessionCookieName:  "gh_token",
			StateCookieName:    "gh_session",
			SessionLifetime:    24 * time.Hour,
			CookieSecure:       false,
			// No artificial delay padding in tests
			TimingDelayBaseMs:   0,
			TimingDelayRandomMs: 0,
		},
		Throttle: config.ThrottleConfig{
			// Short enough for tests, long enough that a request fired
			// right after a failure reliably lands inside the backoff.
			BaseDelay:      150 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			FailureCap:     8,
			Window:         12 * time.Hour,
			IdentityWeight: 0.5,
		},
		TwoFA: config.TwoFAConfig{
			EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
			Issuer:        "GatehouseTest",
			PendingExpiry: 10 * time.Minute,
			BackupCodes:   10,
		},
	}

	userRepo := repositories.NewUserRepository(db)
	tokenRepo := repositories.NewTokenRepository(db)
	throttleRepo := repositories.NewThrottleRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	twoFactorRepo := repositories.NewTwoFactorRepository(db)

	auditLogger := pkglogger.NewAuditLogger(logger)
	csrfManager := auth.NewCSRFTokenManager()
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})
	totpManager, err := auth.NewTOTPManager(cfg.TwoFA.EncryptionKey, cfg.TwoFA.Issuer)
	if err != nil {
		panic(fmt.Sprintf("failed to create TOTP manager: %v", err))
	}

	userService := services.NewUserService(userRepo, logger)
	throttleService := services.NewThrottleService(throttleRepo, services.ThrottleConfig{
		BaseDelay:      cfg.Throttle.BaseDelay,
		MaxDelay:       cfg.Throttle.MaxDelay,
		FailureCap:     cfg.Throttle.FailureCap,
		Window:         cfg.Throttle.Window,
		IdentityWeight: cfg.Throttle.IdentityWeight,
	}, logger)
	tokenService := services.NewTokenService(tokenRepo, services.TokenConfig{
		MaxAge: cfg.Auth.SessionTokenMaxAge,
	}, logger)
	sessionService := services.NewSessionService(sessionRepo, services.SessionConfig{
		Lifetime: cfg.Auth.SessionLifetime,
	}, logger)

	notifier := &MockWipeNotifier{}
	wipeService := services.NewWipeService(tokenService, userRepo, notifier, throttleService, auditLogger, logger)

	totpProvider := twofactor.NewTOTPProvider(twoFactorRepo, totpManager, logger)
	backupProvider := twofactor.NewBackupCodeProvider(twoFactorRepo, totpManager, cfg.TwoFA.BackupCodes, logger)
	registry, err := twofactor.NewRegistry(totpProvider, backupProvider)
	if err != nil {
		panic(fmt.Sprintf("failed to build two-factor registry: %v", err))
	}
	gate := twofactor.NewGate(registry, logger)

	const challengePath = "/login/challenge"
	chain := login.NewChain(logger,
		login.NewThrottleStep(throttleService),
		login.NewPreCheckStep("/login", cfg.Server.DefaultPage),
		login.NewCredentialStep(userService, throttleService, timingDelay, auditLogger),
		login.NewAccountStateStep(throttleService, auditLogger),
		login.NewTwoFactorStep(gate, sessionService, cfg.TwoFA.PendingExpiry, challengePath),
		login.NewFinalizeStep(tokenService, userService, throttleService, auditLogger,
			cfg.Server.BaseURL, cfg.Server.DefaultPage),
	)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	cookieConfig := auth.CookieConfig{
		TokenName:   cfg.Auth.SessionCookieName,
		SessionName: cfg.Auth.StateCookieName,
		Secure:      cfg.Auth.CookieSecure,
	}

	loginHandler := handlers.NewLoginHandler(
		chain, sessionService, tokenService, userService, throttleService,
		gate, csrfManager, tokenManager, notifier, auditLogger, logger,
		ipConfig, cookieConfig,
		handlers.LoginHandlerConfig{
			SessionTokenMaxAge: cfg.Auth.SessionTokenMaxAge,
			PendingExpiry:      cfg.TwoFA.PendingExpiry,
			BaseURL:            cfg.Server.BaseURL,
			DefaultPage:        cfg.Server.DefaultPage,
			ChallengePath:      challengePath,
		},
	)
	wipeHandler := handlers.NewWipeHandler(wipeService, ipConfig, logger)
	devicesHandler := handlers.NewDevicesHandler(tokenService, sessionService, ipConfig, cookieConfig, auditLogger, logger)
	twoFactorHandler := handlers.NewTwoFactorHandler(totpProvider, backupProvider, auditLogger, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, loginHandler, wipeHandler, devicesHandler, twoFactorHandler, tokenManager)

	server := httptest.NewServer(r)

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	return &TestServer{
		Server:      server,
		DB:          db,
		Notifier:    notifier,
		Config:      cfg,
		Client:      client,
		CSRFManager: csrfManager,
		Throttle:    throttleService,
		Tokens:      tokenService,
		Sessions:    sessionService,
		TOTP:        totpProvider,
		Backup:      backupProvider,
	}
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// ResetClient replaces the cookie jar, simulating a fresh browser
func (ts *TestServer) ResetClient() {
	jar, _ := cookiejar.New(nil)
	ts.Client = &http.Client{Jar: jar}
}

// Request makes an HTTP request through the cookie-jar client, so session
// and device token cookies persist across calls like a browser
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return ts.Client.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with a Bearer access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	return ts.Request(method, path, body, headers)
}

// FetchLoginForm performs GET /login, which establishes the session cookie in
// the jar, and returns the CSRF token the form would post back
func (ts *TestServer) FetchLoginForm() (csrfToken string, err error) {
	resp, err := ts.Request(http.MethodGet, "/login", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET /login returned %d", resp.StatusCode)
	}

	var form struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&form); err != nil {
		return "", fmt.Errorf("failed to parse login form: %w", err)
	}
	return form.CSRFToken, nil
}

// Login runs the full form flow: fetch the form for a CSRF token, then post
// credentials. Returns the final response; the caller inspects status and body.
func (ts *TestServer) Login(username, password string) (*http.Response, error) {
	csrfToken, err := ts.FetchLoginForm()
	if err != nil {
		return nil, err
	}

	return ts.Request(http.MethodPost, "/login", map[string]string{
		"user":       username,
		"password":   password,
		"csrf_token": csrfToken,
	}, nil)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetErrorCode extracts the error code from a failure response
func GetErrorCode(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if code, ok := errResp["error"].(string); ok {
		return code, nil
	}
	return "", nil
}
