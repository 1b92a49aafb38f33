package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/services"
	pkghttp "github.com/cmorten/gatehouse/pkg/http"
)

// WipeHandler exposes the remote wipe handshake polled by lost devices. The
// endpoints are unauthenticated on purpose: the token in the path is the
// credential, and every non-wipe outcome renders as the same 404.
type WipeHandler struct {
	wipe     *services.WipeService
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewWipeHandler creates a new WipeHandler
func NewWipeHandler(wipe *services.WipeService, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *WipeHandler {
	return &WipeHandler{
		wipe:     wipe,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// WipeCheckResponse is the positive body of GET /wipe/check/{token}
type WipeCheckResponse struct {
	Wipe bool `json:"wipe"`
}

// Check handles GET /wipe/check/{token}
func (h *WipeHandler) Check(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		pkghttp.WriteNotFoundEmpty(w)
		return
	}

	pending, err := h.wipe.CheckWipe(r.Context(), token, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if !pending {
		// A live session token is deliberately indistinguishable from an
		// unknown one here.
		pkghttp.WriteNotFoundEmpty(w)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, WipeCheckResponse{Wipe: true})
}

// Done handles POST /wipe/done/{token}
func (h *WipeHandler) Done(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		pkghttp.WriteNotFoundEmpty(w)
		return
	}

	err := h.wipe.ConfirmWipe(r.Context(), token, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, struct{}{})
}

func (h *WipeHandler) writeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrTokenNotFound) {
		pkghttp.WriteNotFoundEmpty(w)
		return
	}
	if errors.Is(err, models.ErrThrottled) {
		pkghttp.WriteTooManyRequests(w, "Too many attempts")
		return
	}
	if errors.Is(err, models.ErrStorageUnavailable) {
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "storage_unavailable", "Try again shortly")
		return
	}
	h.logger.Error("wipe request failed", slog.Any("error", err))
	pkghttp.WriteInternalError(w, "Internal server error")
}
