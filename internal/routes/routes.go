package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/handlers"
	"github.com/cmorten/gatehouse/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	loginHandler *handlers.LoginHandler,
	wipeHandler *handlers.WipeHandler,
	devicesHandler *handlers.DevicesHandler,
	twoFactorHandler *handlers.TwoFactorHandler,
	tokenManager *auth.TokenManager,
) {
	// Rate limiting config for unauthenticated auth endpoints
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	// Public login surface. The form state endpoint stays unlimited; the
	// per-attempt backoff lives in the login chain, the per-IP ceiling here.
	router.Get("/login", loginHandler.ShowLoginForm)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/login", loginHandler.Login)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/login/challenge", loginHandler.Challenge)
	router.Post("/logout", loginHandler.Logout)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/session/confirm", loginHandler.ConfirmSession)

	// Remote wipe handshake, polled by devices that only hold their token
	router.With(middleware.RateLimitByIP(middleware.WipePollRateLimit())).Group(func(r chi.Router) {
		r.Get("/wipe/check/{token}", wipeHandler.Check)
		r.Post("/wipe/done/{token}", wipeHandler.Done)
	})

	// Protected routes - Bearer access token required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))
		r.Use(middleware.RateLimitByUser(middleware.RateLimitConfig{RequestsPerMinute: 60}))

		r.Get("/devices", devicesHandler.List)
		r.Post("/devices/{id}/wipe", devicesHandler.Wipe)

		r.Post("/twofactor/totp/enroll", twoFactorHandler.EnrollTOTP)
		r.Post("/twofactor/totp/confirm", twoFactorHandler.ConfirmTOTP)
		r.Delete("/twofactor/totp", twoFactorHandler.DisableTOTP)
		r.Post("/twofactor/backup-codes", twoFactorHandler.RegenerateBackupCodes)
	})
}
