package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/paydash/authcore/internal/config"
	"github.com/paydash/authcore/internal/logger"
	"github.com/paydash/authcore/internal/ratelimit"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	limiter *ratelimit.Limiter
	log     *logger.Logger
	cfg     *config.Config
}

// New creates a new Middleware instance
func New(limiter *ratelimit.Limiter, log *logger.Logger, cfg *config.Config) *Middleware {
	return &Middleware{
		limiter: limiter,
		log:     log.WithComponent("http"),
		cfg:     cfg,
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes the same envelope the handlers use
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}
