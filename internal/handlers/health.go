package handlers

import (
	"net/http"
	"time"

	"relay-backend/internal/store"
	"relay-backend/pkg/api"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	environment string
	cache       *store.Cache
	started     time.Time
}

// HealthResponse is the probe body.
type HealthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment,omitempty"`
	UptimeSec   int64  `json:"uptime_sec,omitempty"`

	Cache *store.CacheStats `json:"cache,omitempty"`
}

// NewHealthHandler builds the handler. The cache is optional; when present
// its stats ride along on the health body.
func NewHealthHandler(environment string, cache *store.Cache) *HealthHandler {
	return &HealthHandler{
		environment: environment,
		cache:       cache,
		started:     time.Now(),
	}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Environment: h.environment,
		UptimeSec:   int64(time.Since(h.started).Seconds()),
	}
	if h.cache != nil {
		stats := h.cache.Stats()
		resp.Cache = &stats
	}
	api.Success(w, http.StatusOK, resp)
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, HealthResponse{Status: "ready"})
}
