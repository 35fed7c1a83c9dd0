package router

import (
	"net/http"

	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/handler"
	"github.com/paydash/authcore/internal/middleware"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, sessions middleware.SessionValidator, keys middleware.Authenticator, limits config.RateLimitingConfig) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// API v1 routes
	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"PayDash auth core API v1","version":"` + handler.Version + `"}`))
	})

	// Dashboard routes (require a session)
	authMw := mw.UserAuth(sessions)

	// Credential management
	mux.Handle("GET /api/v1/tenants/{tenantID}/credentials", authMw(http.HandlerFunc(h.ListCredentials)))
	mux.Handle("POST /api/v1/tenants/{tenantID}/credentials", authMw(http.HandlerFunc(h.IssueCredential)))
	mux.Handle("POST /api/v1/tenants/{tenantID}/credentials/{id}/rotate", authMw(http.HandlerFunc(h.RotateCredential)))
	mux.Handle("POST /api/v1/tenants/{tenantID}/credentials/{id}/revoke", authMw(http.HandlerFunc(h.RevokeCredential)))

	// MFA routes (authenticated - for setup and management)
	mux.Handle("GET /api/v1/mfa", authMw(http.HandlerFunc(h.GetMFAStatus)))
	mux.Handle("POST /api/v1/mfa/totp/enroll", authMw(http.HandlerFunc(h.TOTPEnroll)))
	mux.Handle("POST /api/v1/mfa/totp/confirm", authMw(http.HandlerFunc(h.TOTPConfirm)))
	mux.Handle("POST /api/v1/mfa/backup-codes", authMw(http.HandlerFunc(h.RegenerateBackupCodes)))
	mux.Handle("DELETE /api/v1/mfa", authMw(http.HandlerFunc(h.DisableMFA)))

	// Code submission routes, limited per client IP
	mfaVerifyRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:    limits.MFAVerifyLimit,
		Window:   limits.MFAVerifyWindow,
		Endpoint: "mfa.verify",
		KeyFn:    middleware.IPKey,
	})
	mux.Handle("POST /api/v1/mfa/verify", mfaVerifyRateLimit(authMw(http.HandlerFunc(h.MFAVerify))))
	mux.Handle("POST /api/v1/stepup/verify", mfaVerifyRateLimit(authMw(http.HandlerFunc(h.VerifyStepUp))))

	// Tenant bearer credential routes
	keyMw := mw.APIKey(keys)
	mux.Handle("GET /api/v1/key/introspect", keyMw(http.HandlerFunc(h.Introspect)))

	// Apply middleware stack
	var handler http.Handler = mux

	// Security headers
	handler = mw.SecurityHeaders(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Client address, used by logging, rate limits and audit entries
	handler = mw.ClientIP(handler)

	// Timing
	handler = mw.Timing(handler)

	// Request ID
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
