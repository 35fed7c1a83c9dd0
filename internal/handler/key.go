package handler

import (
	"net/http"

	"github.com/paydash/authcore/internal/middleware"
	"github.com/paydash/authcore/internal/model"
)

type introspectResponse struct {
	*model.AuthContext
	RateLimit *model.RateWindow `json:"rateLimit,omitempty"`
	Limit     int               `json:"limit"`
}

// Introspect reports what the calling bearer credential resolved to and
// how much of its current rate window is used
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid credentials")
		return
	}

	rl := h.cfg.Security.RateLimiting
	resp := introspectResponse{AuthContext: authCtx, Limit: rl.KeyLimit}
	if rl.Enabled {
		window, err := h.limiter.Inspect(r.Context(), model.KeyIdentifier(authCtx.CredentialID), r.URL.Path, rl.Window)
		if err != nil {
			h.log.Warn().Err(err).Str("credential_id", authCtx.CredentialID).Msg("failed to inspect rate window")
		} else {
			resp.RateLimit = window
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
