package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse reports each component's state
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(h.checks))}
	for name, checker := range h.checks {
		if err := checker.HealthCheck(ctx); err != nil {
			health.Status = "unhealthy"
			health.Checks[name] = err.Error()
			continue
		}
		health.Checks[name] = "ok"
	}

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	jsonResponse(w, status, health)
}
