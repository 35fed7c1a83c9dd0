package handler

import (
	"net/http"

	"github.com/paydash/authcore/internal/model"
)

// --- MFA Status ---

// GetMFAStatus returns the authenticated user's MFA enrollment status
func (h *Handler) GetMFAStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	status, err := h.mfaSvc.Status(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get MFA status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// --- TOTP Enrollment ---

// TOTPEnroll provisions a TOTP secret for the authenticated user
func (h *Handler) TOTPEnroll(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	account := claims.Email
	if account == "" {
		account = claims.Subject
	}

	resp, err := h.mfaSvc.Enroll(r.Context(), requestMeta(r, claims.Subject, claims.TenantID), claims.Subject, account)
	if err != nil {
		h.writeServiceError(w, err, "Failed to set up TOTP")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

type totpConfirmRequest struct {
	Code string `json:"code"`
}

// TOTPConfirm enables MFA with the first code from the authenticator and
// returns the initial backup codes
func (h *Handler) TOTPConfirm(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	var req totpConfirmRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "code is required")
		return
	}

	codes, err := h.mfaSvc.Confirm(r.Context(), requestMeta(r, claims.Subject, claims.TenantID), claims.Subject, req.Code)
	if err != nil {
		h.writeServiceError(w, err, "Failed to confirm TOTP")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, codes)
}

// --- Verification ---

type mfaVerifyRequest struct {
	Method model.MFAMethodType `json:"method"`
	Code   string              `json:"code"`
}

// MFAVerify checks a TOTP or backup code outside of a challenge and
// refreshes the user's step-up recency
func (h *Handler) MFAVerify(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	var req mfaVerifyRequest
	if err := readJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "code is required")
		return
	}

	if err := h.mfaSvc.Verify(r.Context(), requestMeta(r, claims.Subject, claims.TenantID), claims.Subject, req.Method, req.Code); err != nil {
		h.writeServiceError(w, err, "Failed to verify MFA code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"verified": true})
}

// --- Management ---

// RegenerateBackupCodes replaces the user's backup codes
func (h *Handler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	if !h.requireStepUp(w, r, claims, claims.TenantID, model.ActionBackupCodesRegen, claims.Subject) {
		return
	}

	codes, err := h.mfaSvc.RegenerateBackupCodes(r.Context(), requestMeta(r, claims.Subject, claims.TenantID), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err, "Failed to generate backup codes")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, codes)
}

// DisableMFA removes TOTP and backup codes from the user
func (h *Handler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	if !h.requireStepUp(w, r, claims, claims.TenantID, model.ActionMFADisable, claims.Subject) {
		return
	}

	if err := h.mfaSvc.Disable(r.Context(), requestMeta(r, claims.Subject, claims.TenantID), claims.Subject); err != nil {
		h.writeServiceError(w, err, "Failed to disable MFA")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
