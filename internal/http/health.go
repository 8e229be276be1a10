package http

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/kiroclaw/internal/auth"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
)

// Version is the gateway's reported version string, set at build time.
var Version = "dev"

// HealthHandler serves the unauthenticated liveness and detailed health
// routes.
type HealthHandler struct {
	Manager *auth.Manager
	Cache   *modelcache.Cache
}

func NewHealthHandler(manager *auth.Manager, cache *modelcache.Cache) *HealthHandler {
	return &HealthHandler{Manager: manager, Cache: cache}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", h.handleRoot)
	mux.HandleFunc("GET /api", h.handleRoot)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *HealthHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Kiro-2API Gateway is running",
		"version": Version,
	})
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"version":           Version,
		"token_valid":       h.Manager.Probe(),
		"cache_size":        h.Cache.Size(),
		"cache_last_update": h.Cache.LastUpdate(),
	})
}
