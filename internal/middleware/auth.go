package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/paydash/authcore/internal/auth"
	"github.com/paydash/authcore/internal/model"
	"github.com/paydash/authcore/internal/service"
)

// Context keys for authenticated caller data
const (
	UserIDKey      contextKey = "user_id"
	ClaimsKey      contextKey = "session_claims"
	AuthContextKey contextKey = "auth_context"
)

// SessionCookie is the fallback carrier for dashboard session tokens
const SessionCookie = "paydash_session"

// TenantHeader names the tenant a bearer credential call is made for
const TenantHeader = "X-Tenant-ID"

// Authenticator resolves bearer credentials. Implemented by
// service.APIKeyService.
type Authenticator interface {
	Authenticate(ctx context.Context, req service.AuthenticateRequest) (*model.AuthContext, error)
	Authorize(authCtx *model.AuthContext, endpoint string) error
}

// SessionValidator verifies dashboard session tokens. Implemented by
// auth.SessionVerifier.
type SessionValidator interface {
	Validate(tokenString string) (*auth.SessionClaims, error)
}

// UserAuth authenticates dashboard users by their session token
func (m *Middleware) UserAuth(sessions SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Try Authorization header first
			tokenString := bearerToken(r)

			// 2. Fall back to cookie
			if tokenString == "" {
				if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
					tokenString = cookie.Value
				}
			}

			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			claims, err := sessions.Validate(tokenString)
			if err != nil {
				m.log.Debug().Err(err).Msg("session validation failed")
				writeError(w, http.StatusUnauthorized, "token_expired", "The session token is invalid or expired")
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, ClaimsKey, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKey authenticates a tenant bearer credential and checks its scope
// against the request path
func (m *Middleware) APIKey(keys Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.URL.Path
			authCtx, err := keys.Authenticate(r.Context(), service.AuthenticateRequest{
				Token:            bearerToken(r),
				Endpoint:         endpoint,
				ClientIP:         GetClientIP(r.Context()),
				UserAgent:        r.UserAgent(),
				RequiredTenantID: r.Header.Get(TenantHeader),
				RequireTenant:    true,
			})
			if err != nil {
				m.writeCredentialError(w, r, err)
				return
			}

			if err := keys.Authorize(authCtx, endpoint); err != nil {
				writeError(w, http.StatusForbidden, "insufficient_scope", "Credential scope does not allow this endpoint")
				return
			}

			ctx := context.WithValue(r.Context(), AuthContextKey, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *Middleware) writeCredentialError(w http.ResponseWriter, r *http.Request, err error) {
	var rlErr *service.RateLimitError
	switch {
	case errors.Is(err, service.ErrInvalidCredential), errors.Is(err, service.ErrCredentialExpired):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials")
	case errors.Is(err, service.ErrTenantMismatch):
		writeError(w, http.StatusForbidden, "tenant_mismatch", "Credential does not belong to this tenant")
	case errors.Is(err, service.ErrIPNotAllowed):
		writeError(w, http.StatusForbidden, "ip_not_allowed", "Client address is not allowed for this credential")
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", retryAfterSeconds(rlErr.RetryAfter.Seconds()))
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
	default:
		m.log.Error().Err(err).Str("path", r.URL.Path).Msg("credential verification failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

// GetUserID retrieves the authenticated dashboard user from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// GetClaims retrieves the dashboard session claims from context
func GetClaims(ctx context.Context) *auth.SessionClaims {
	if c, ok := ctx.Value(ClaimsKey).(*auth.SessionClaims); ok {
		return c
	}
	return nil
}

// GetAuthContext retrieves the authenticated bearer credential from context
func GetAuthContext(ctx context.Context) *model.AuthContext {
	if a, ok := ctx.Value(AuthContextKey).(*model.AuthContext); ok {
		return a
	}
	return nil
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func retryAfterSeconds(seconds float64) string {
	return strconv.Itoa(max(1, int(math.Ceil(seconds))))
}
