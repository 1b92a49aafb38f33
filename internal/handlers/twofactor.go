package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cmorten/gatehouse/internal/auth"
	"github.com/cmorten/gatehouse/internal/models"
	"github.com/cmorten/gatehouse/internal/twofactor"
	pkghttp "github.com/cmorten/gatehouse/pkg/http"
	"github.com/cmorten/gatehouse/pkg/logger"
)

// TwoFactorHandler manages second-factor enrollment for the logged-in user.
// Routes sit behind the Bearer token middleware.
type TwoFactorHandler struct {
	totp   *twofactor.TOTPProvider
	backup *twofactor.BackupCodeProvider
	audit  *logger.AuditLogger
	logger *slog.Logger
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(totp *twofactor.TOTPProvider, backup *twofactor.BackupCodeProvider, audit *logger.AuditLogger, logger *slog.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{
		totp:   totp,
		backup: backup,
		audit:  audit,
		logger: logger,
	}
}

// ConfirmTOTPRequest is the body of POST /twofactor/totp/confirm
type ConfirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// EnrollTOTP handles POST /twofactor/totp/enroll
func (h *TwoFactorHandler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}

	qr, err := h.totp.BeginEnrollment(r.Context(), claims.UserID, claims.Username)
	if err != nil {
		h.logger.Error("failed to begin TOTP enrollment", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"qr_code": qr})
}

// ConfirmTOTP handles POST /twofactor/totp/confirm. The first valid code
// activates the enrollment; until then the factor does not gate logins.
func (h *TwoFactorHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}

	var req ConfirmTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.totp.CompleteEnrollment(r.Context(), claims.UserID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSecondFactorFailed):
			pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_code", "The code did not match")
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteError(w, http.StatusConflict, "already_enabled", "TOTP is already enabled")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteBadRequest(w, "No enrollment in progress")
		default:
			h.logger.Error("failed to confirm TOTP enrollment", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	h.audit.LogAccountAction("totp_enabled", claims.UserID, "", nil)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

// DisableTOTP handles DELETE /twofactor/totp
func (h *TwoFactorHandler) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}

	if err := h.totp.Disable(r.Context(), claims.UserID); err != nil {
		h.logger.Error("failed to disable TOTP", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	h.audit.LogAccountAction("totp_disabled", claims.UserID, "", nil)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// RegenerateBackupCodes handles POST /twofactor/backup-codes. The plaintext
// codes appear in this response and nowhere else.
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "Not logged in")
		return
	}

	codes, err := h.backup.Regenerate(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("failed to regenerate backup codes", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	h.audit.LogAccountAction("backup_codes_regenerated", claims.UserID, "", nil)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"codes": codes})
}
