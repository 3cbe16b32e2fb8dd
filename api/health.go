package api

import (
	"net/http"
	"time"

	"github.com/engram0/engram/internal/app"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	app *app.App
}

// NewHealthHandler creates a new health handler backed by the
// application container.
func NewHealthHandler(a *app.App) *HealthHandler {
	return &HealthHandler{app: a}
}

// RegisterRoutes registers health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.summary)
	mux.HandleFunc("GET /api/health/detailed", h.detailed)
}

// HealthSummary is the response body for GET /api/health.
type HealthSummary struct {
	Status  string        `json:"status"`
	Backend string        `json:"backend"`
	Uptime  time.Duration `json:"uptime"`
}

// summary reports whether the service is up and which backend is
// active, without touching the store.
func (h *HealthHandler) summary(w http.ResponseWriter, _ *http.Request) {
	if h.app == nil || h.app.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready", "storage backend not initialized")
		return
	}

	status := "healthy"
	if h.app.GuardErr != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthSummary{
		Status:  status,
		Backend: h.app.Backend.Name(),
		Uptime:  time.Since(h.app.StartedAt),
	})
}

// detailed reports the full health snapshot including store statistics
// and rate limiter state. A stats failure degrades the report rather
// than failing the request.
func (h *HealthHandler) detailed(w http.ResponseWriter, r *http.Request) {
	if h.app == nil || h.app.Backend == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready", "storage backend not initialized")
		return
	}
	writeJSON(w, http.StatusOK, h.app.Health(r.Context()))
}
