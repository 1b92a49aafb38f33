package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/services"
	pkghttp "github.com/cmorten/gatehouse/pkg/http"
	"github.com/cmorten/gatehouse/pkg/logger"
)

// passwordConfirmMaxAge is how long a sudo confirmation from
// POST /session/confirm keeps privileged actions unlocked.
const passwordConfirmMaxAge = 30 * time.Minute

// DevicesHandler lets an authenticated user manage their device tokens:
// list them and mark a lost one for remote wipe. Routes sit behind the
// Bearer token middleware.
type DevicesHandler struct {
	tokens       *services.TokenService
	sessions     *services.SessionService
	ipConfig     *pkghttp.IPConfig
	cookieConfig auth.CookieConfig
	audit        *logger.AuditLogger
	logger       *slog.Logger
}

// NewDevicesHandler creates a new DevicesHandler
func NewDevicesHandler(tokens *services.TokenService, sessions *services.SessionService, ipConfig *pkghttp.IPConfig, cookieConfig auth.CookieConfig, audit *logger.AuditLogger, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{
		tokens:       tokens,
		sessions:     sessions,
		ipConfig:     ipConfig,
		cookieConfig: cookieConfig,
		audit:        audit,
		logger:       logger,
	}
}

// DeviceResponse describes one device token. The token value itself is
// unrecoverable and never part of the listing.
type DeviceResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// List handles GET /devices
func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}

	tokens, err := h.tokens.ListUserDevices(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("failed to list devices", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	devices := make([]DeviceResponse, 0, len(tokens))
	for _, t := range tokens {
		devices = append(devices, DeviceResponse{
			ID:           t.ID,
			Name:         t.Name,
			Kind:         t.Kind,
			CreatedAt:    t.CreatedAt,
			LastActivity: t.LastActivity,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// Wipe handles POST /devices/{id}/wipe. The device keeps polling with its
// token; converting the token to a wipe token turns the next poll into a
// wipe order.
func (h *DevicesHandler) Wipe(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}

	deviceID := chi.URLParam(r, "id")
	if deviceID == "" {
		pkghttp.WriteBadRequest(w, "Missing device id")
		return
	}

	// De-authorizing a device is a privileged action: a stolen access token
	// alone must not suffice. The caller re-proves the password through
	// POST /session/confirm first.
	sessionID, _ := auth.GetSessionCookie(r, h.cookieConfig)
	if sessionID == "" || !h.sessions.PasswordConfirmedWithin(r.Context(), sessionID, passwordConfirmMaxAge) {
		pkghttp.WriteError(w, http.StatusForbidden, "password_confirmation_required",
			"Confirm your password first")
		return
	}

	err := h.tokens.MarkTokenForWipe(r.Context(), deviceID, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteError(w, http.StatusNotFound, "not_found", "No such device")
			return
		}
		h.logger.Error("failed to mark device for wipe", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	h.audit.LogTokenEvent("wipe_requested", claims.UserID, deviceID,
		pkghttp.ExtractClientIP(r, h.ipConfig))
	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "wiping"})
}
