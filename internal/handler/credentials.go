package handler

import (
	"net/http"
	"time"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/service"
)

type issueCredentialRequest struct {
	Name        string               `json:"name"`
	Kind        model.CredentialKind `json:"kind"`
	Scope       []string             `json:"scope"`
	IPAllowlist []string             `json:"ipAllowlist"`
	ExpiresAt   *time.Time           `json:"expiresAt"`
}

type credentialParams struct {
	TenantID     string                  `json:"tenantId"`
	CredentialID string                  `json:"credentialId,omitempty"`
	Issue        *issueCredentialRequest `json:"issue,omitempty"`
}

// tenantAccess resolves the tenant in the path and checks the caller may manage it
func tenantAccess(w http.ResponseWriter, r *http.Request) (*auth.SessionClaims, string, bool) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return nil, "", false
	}
	tenantID := r.PathValue("tenantID")
	if !claims.CanManageTenant(tenantID) {
		writeError(w, http.StatusForbidden, "forbidden", "You cannot manage credentials of this tenant")
		return nil, "", false
	}
	return claims, tenantID, true
}

// ListCredentials returns the credentials of a tenant
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := tenantAccess(w, r)
	if !ok {
		return
	}

	creds, err := h.keySvc.List(r.Context(), tenantID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": creds,
		"total":       len(creds),
	})
}

// IssueCredential creates a credential. The plaintext token appears only
// in this response.
func (h *Handler) IssueCredential(w http.ResponseWriter, r *http.Request) {
	claims, tenantID, ok := tenantAccess(w, r)
	if !ok {
		return
	}

	var req issueCredentialRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	params := credentialParams{TenantID: tenantID, Issue: &req}
	if !h.requireStepUp(w, r, claims, tenantID, model.ActionCredentialIssue, params) {
		return
	}

	issued, err := h.keySvc.Issue(r.Context(), requestMeta(r, claims.Subject, tenantID), service.IssueRequest{
		TenantID:    tenantID,
		Name:        req.Name,
		Kind:        req.Kind,
		Scope:       req.Scope,
		IPAllowlist: req.IPAllowlist,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to issue credential")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, issued)
}

// RotateCredential replaces the secret of a credential
func (h *Handler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	claims, tenantID, ok := tenantAccess(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	params := credentialParams{TenantID: tenantID, CredentialID: id}
	if !h.requireStepUp(w, r, claims, tenantID, model.ActionCredentialRotate, params) {
		return
	}

	issued, err := h.keySvc.Rotate(r.Context(), requestMeta(r, claims.Subject, tenantID), tenantID, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to rotate credential")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, issued)
}

// RevokeCredential permanently disables a credential
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	claims, tenantID, ok := tenantAccess(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	params := credentialParams{TenantID: tenantID, CredentialID: id}
	if !h.requireStepUp(w, r, claims, tenantID, model.ActionCredentialRevoke, params) {
		return
	}

	revoked, err := h.keySvc.Revoke(r.Context(), requestMeta(r, claims.Subject, tenantID), tenantID, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to revoke credential")
		return
	}

	writeJSON(w, http.StatusOK, revoked)
}
