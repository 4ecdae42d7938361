package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker is the backend probe behind the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	backend HealthChecker
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. A nil backend reports the process
// as alive without probing storage.
func NewHealthHandler(backend HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{backend: backend, logger: logHandler(logger, "health")}
}

// HealthCheck reports liveness and the backend status.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code, backend := "ok", http.StatusOK, "ok"
	if h.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.backend.HealthCheck(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "handler: backend unhealthy", slog.String("error", err.Error()))
			status, code, backend = "degraded", http.StatusServiceUnavailable, err.Error()
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"backend":   backend,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
