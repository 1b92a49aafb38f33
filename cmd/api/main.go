package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/background"
	"github.com/cmorten/gatehouse/internal/config"
	"github.com/cmorten/gatehouse/internal/database"
	"github.com/cmorten/gatehouse/internal/handlers"
	"github.com/cmorten/gatehouse/internal/login"
	middlewareCustom "github.com/cmorten/gatehouse/internal/middleware"
	"github.com/cmorten/gatehouse/internal/repositories"
	"github.com/cmorten/gatehouse/internal/routes"
	"github.com/cmorten/gatehouse/internal/services"
	"github.com/cmorten/gatehouse/internal/twofactor"
	pkghttp "github.com/cmorten/gatehouse/pkg/http"
	pkglogger "github.com/cmorten/gatehouse/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	tokenRepo := repositories.NewTokenRepository(db)
	throttleRepo := repositories.NewThrottleRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	twoFactorRepo := repositories.NewTwoFactorRepository(db)

	// Ambient security plumbing
	auditLogger := pkglogger.NewAuditLogger(logger)
	csrfManager := auth.NewCSRFTokenManager()
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs: cfg.Auth.TimingDelayRandomMs,
	})
	totpManager, err := auth.NewTOTPManager(cfg.TwoFA.EncryptionKey, cfg.TwoFA.Issuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	// Services
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

	// Email notices are optional; without SES the flows still run.
	var notifier services.WipeNotifier
	var loginNotifier services.LoginNotifier
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewAWSSESNotifier(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize SES notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
		loginNotifier = sesNotifier
	}
	wipeService := services.NewWipeService(tokenService, userRepo, notifier, throttleService, auditLogger, logger)

	// Two-factor providers. The registry is fixed at startup; a duplicate or
	// misconfigured provider stops the process here.
	totpProvider := twofactor.NewTOTPProvider(twoFactorRepo, totpManager, logger)
	backupProvider := twofactor.NewBackupCodeProvider(twoFactorRepo, totpManager, cfg.TwoFA.BackupCodes, logger)
	registry, err := twofactor.NewRegistry(totpProvider, backupProvider)
	if err != nil {
		logger.Error("failed to build two-factor registry", slog.Any("error", err))
		os.Exit(1)
	}
	gate := twofactor.NewGate(registry, logger)

	// Login chain
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

	// Handlers
	loginHandler := handlers.NewLoginHandler(
		chain, sessionService, tokenService, userService, throttleService,
		gate, csrfManager, tokenManager, loginNotifier, auditLogger, logger,
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

	// Cleanup manager
	cleanupManager := background.NewCleanupManager(
		throttleRepo, sessionRepo, tokenRepo, twoFactorRepo,
		30*24*time.Hour, cfg.Auth.CleanupInterval, logger,
	)

	// Setup CORS middleware
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.Env)
	corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, loginHandler, wipeHandler, devicesHandler, twoFactorHandler, tokenManager)

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
