package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/middleware"
	"github.com/paydash/authcore/internal/ratelimit"
	"github.com/paydash/authcore/internal/service"
)

// Version is reported by /health
const Version = "0.1.0"

// HealthChecker is a dependency pinged by /health and /ready.
// database.Postgres and database.Redis implement it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds all HTTP handlers
type Handler struct {
	db        HealthChecker
	rdb       HealthChecker
	log       *logger.Logger
	cfg       *config.Config
	keySvc    *service.APIKeyService
	mfaSvc    *service.MFAService
	stepUpSvc *service.StepUpService
	limiter   *ratelimit.Limiter
}

// New creates a new Handler instance
func New(db, rdb HealthChecker, log *logger.Logger, cfg *config.Config, keySvc *service.APIKeyService, mfaSvc *service.MFAService, stepUpSvc *service.StepUpService, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		db:        db,
		rdb:       rdb,
		log:       log.WithComponent("handler"),
		cfg:       cfg,
		keySvc:    keySvc,
		mfaSvc:    mfaSvc,
		stepUpSvc: stepUpSvc,
		limiter:   limiter,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// requestMeta describes the caller for audit entries
func requestMeta(r *http.Request, actor, tenantID string) service.RequestMeta {
	return service.RequestMeta{
		Actor:     actor,
		TenantID:  tenantID,
		IPAddress: middleware.GetClientIP(r.Context()),
		UserAgent: r.UserAgent(),
	}
}

// sessionClaims returns the dashboard caller or writes a 401
func sessionClaims(w http.ResponseWriter, r *http.Request) (*auth.SessionClaims, bool) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil || claims.Subject == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return nil, false
	}
	return claims, true
}

// writeServiceError maps service sentinels to responses. Unknown errors
// are logged and rendered as a generic 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrCredentialNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Credential not found")
	case errors.Is(err, service.ErrMFANotEnrolled):
		writeError(w, http.StatusBadRequest, "mfa_not_enrolled", "MFA is not enabled for this account")
	case errors.Is(err, service.ErrMFAAlreadyEnrolled):
		writeError(w, http.StatusConflict, "mfa_already_enrolled", "TOTP is already set up for this account")
	case errors.Is(err, service.ErrMFAInvalidCode):
		writeError(w, http.StatusUnauthorized, "invalid_code", "Invalid verification code")
	case errors.Is(err, service.ErrChallengeNotFound):
		writeError(w, http.StatusNotFound, "challenge_not_found", "Step-up challenge not found or expired")
	case errors.Is(err, service.ErrSuperAdminMFARequired):
		writeError(w, http.StatusForbidden, "mfa_enrollment_required", "Super admins must enable MFA before performing sensitive actions")
	default:
		h.log.Error().Err(err).Msg(fallback)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}
