package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/service"
)

// StepUpTokenHeader carries a verified challenge token on the re-submitted request
const StepUpTokenHeader = "X-Step-Up-Token"

// requireStepUp runs the step-up policy for a sensitive action. It writes
// the response and returns false unless the action may proceed.
func (h *Handler) requireStepUp(w http.ResponseWriter, r *http.Request, claims *auth.SessionClaims, tenantID, action string, params interface{}) bool {
	decision, err := h.stepUpSvc.Authorize(r.Context(), service.StepUpRequest{
		UserID:         claims.Subject,
		SuperAdmin:     claims.IsSuperAdmin(),
		Action:         action,
		ParamsDigest:   service.DigestParams(params),
		ChallengeToken: r.Header.Get(StepUpTokenHeader),
		Meta:           requestMeta(r, claims.Subject, tenantID),
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, service.ErrChallengeRequired):
		writeErrorWithDetails(w, http.StatusForbidden, "step_up_required", "Verify with your authenticator to continue", map[string]interface{}{
			"challengeToken": decision.Challenge.Token,
			"action":         decision.Challenge.Action,
			"expiresAt":      decision.Challenge.ExpiresAt,
		})
	default:
		h.writeServiceError(w, err, "Failed to evaluate step-up policy")
	}
	return false
}

type stepUpVerifyRequest struct {
	ChallengeToken string              `json:"challengeToken"`
	Method         model.MFAMethodType `json:"method"`
	Code           string              `json:"code"`
}

type stepUpVerifyResponse struct {
	Verified   bool      `json:"verified"`
	Action     string    `json:"action"`
	VerifiedAt time.Time `json:"verifiedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// VerifyStepUp answers a pending challenge. The client then re-submits the
// original request with the token in X-Step-Up-Token.
func (h *Handler) VerifyStepUp(w http.ResponseWriter, r *http.Request) {
	claims, ok := sessionClaims(w, r)
	if !ok {
		return
	}

	var req stepUpVerifyRequest
	if err := readJSON(r, &req); err != nil || req.ChallengeToken == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "challengeToken and code are required")
		return
	}

	ch, err := h.stepUpSvc.VerifyChallenge(r.Context(), requestMeta(r, claims.Subject, claims.TenantID), claims.Subject, req.ChallengeToken, req.Method, req.Code)
	if err != nil {
		h.writeServiceError(w, err, "Failed to verify step-up challenge")
		return
	}

	writeJSON(w, http.StatusOK, stepUpVerifyResponse{
		Verified:   true,
		Action:     ch.Action,
		VerifiedAt: *ch.VerifiedAt,
		ExpiresAt:  ch.ExpiresAt,
	})
}
