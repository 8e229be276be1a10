package http

import (
	"context"
	"net/http"

	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayauth"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
)

// ModelsHandler serves the static OpenAI-shaped model list, triggering an
// async catalogue refresh when the cache is empty or stale.
type ModelsHandler struct {
	Gate  *gatewayauth.Gate
	Cache *modelcache.Cache
}

func NewModelsHandler(gate *gatewayauth.Gate, cache *modelcache.Cache) *ModelsHandler {
	return &ModelsHandler{Gate: gate, Cache: cache}
}

func (h *ModelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/models", h.handleList)
}

type openAIModel struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description"`
}

func (h *ModelsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.Gate.Authorize(r); !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "API Key invalid or missing")
		return
	}

	if h.Cache.IsEmpty() || h.Cache.IsStale() {
		go func() {
			if err := h.Cache.Refresh(context.Background()); err != nil {
				// Best-effort refresh: its error is dropped here. Only the
				// background loop logs the failures of its own refreshes.
				_ = err
			}
		}()
	}

	models := make([]openAIModel, 0, len(gwconfig.AvailableModels))
	for _, id := range gwconfig.AvailableModels {
		models = append(models, openAIModel{
			ID: id, Object: "model", OwnedBy: "anthropic", Description: "Claude model via Kiro API",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": models})
}
