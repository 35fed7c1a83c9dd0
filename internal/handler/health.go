package handler

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services"`
}

type dependency struct {
	name  string
	check HealthChecker
}

// dependencies lists the stores every request path relies on. Redis is
// required: without it no rate window or step-up challenge can be read.
func (h *Handler) dependencies() []dependency {
	return []dependency{
		{name: "postgres", check: h.db},
		{name: "redis", check: h.rdb},
	}
}

func (h *Handler) ping(ctx context.Context, dep dependency) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return dep.check.HealthCheck(ctx)
}

// Health reports the state of every dependency
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  Version,
		Services: make(map[string]string),
	}
	for _, dep := range h.dependencies() {
		if err := h.ping(r.Context(), dep); err != nil {
			h.log.Warn().Err(err).Str("dependency", dep.name).Msg("health check failed")
			resp.Services[dep.name] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Services[dep.name] = "healthy"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Ready fails on the first unavailable dependency
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, dep := range h.dependencies() {
		if err := h.ping(r.Context(), dep); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"ready":       false,
				"unavailable": dep.name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}
