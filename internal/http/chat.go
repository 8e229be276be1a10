package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nextlevelbuilder/kiroclaw/internal/chatapi"
	"github.com/nextlevelbuilder/kiroclaw/internal/emit"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayauth"
	"github.com/nextlevelbuilder/kiroclaw/internal/gatewayerr"
	"github.com/nextlevelbuilder/kiroclaw/internal/gwconfig"
	"github.com/nextlevelbuilder/kiroclaw/internal/kiroid"
	"github.com/nextlevelbuilder/kiroclaw/internal/modelcache"
	"github.com/nextlevelbuilder/kiroclaw/internal/translate"
	"github.com/nextlevelbuilder/kiroclaw/internal/tracking"
	"github.com/nextlevelbuilder/kiroclaw/internal/upstream"
)

const maxRequestBodyBytes = 20 << 20

// ChatHandler serves the OpenAI-compatible chat completions endpoint,
// composing the translator, upstream dispatcher, event-stream parser, and
// response emitter per request.
type ChatHandler struct {
	Cfg   *gwconfig.Config
	Gate  *gatewayauth.Gate
	Cache *modelcache.Cache
}

func NewChatHandler(cfg *gwconfig.Config, gate *gatewayauth.Gate, cache *modelcache.Cache) *ChatHandler {
	return &ChatHandler{Cfg: cfg, Gate: gate, Cache: cache}
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", h.handle)
}

func (h *ChatHandler) handle(w http.ResponseWriter, r *http.Request) {
	logger := tracking.Logger(r.Context())

	manager, ok := h.Gate.Authorize(r)
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "API Key invalid or missing")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeValidationError(w, err, nil)
		return
	}

	var req chatapi.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeValidationError(w, err, raw)
		return
	}

	logger.Info("received chat completions request", "model", req.Model, "stream", req.Stream)

	conversationID := kiroid.ConversationID()
	profileArn := h.Gate.DefaultProfile
	if p := manager.Principal(); p != nil && p.ProfileArn != "" {
		profileArn = p.ProfileArn
	}

	result, err := translate.Build(h.Cfg, &req, conversationID, profileArn)
	if err != nil {
		var te *gatewayerr.TranslationError
		if errors.As(err, &te) {
			writeErrorJSON(w, http.StatusBadRequest, te.Error())
			return
		}
		writeErrorJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := json.Marshal(result.Payload)
	if err != nil {
		writeInternalError(w, h.Cfg, err)
		return
	}

	dispatcher := upstream.NewDispatcher(h.Cfg, manager)
	region := h.Gate.DefaultRegion
	if p := manager.Principal(); p != nil && p.Region != "" {
		region = p.Region
	}
	url := upstream.CompletionURL(region)

	resp, err := dispatcher.RequestWithRetry(r.Context(), http.MethodPost, url, body, req.Stream, result.UpstreamModel)
	if err != nil {
		writeDispatchError(w, h.Cfg, err)
		return
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		writeUpstreamError(w, resp)
		return
	}

	if req.Stream {
		h.serveStream(w, r, resp.Body, req, result.UpstreamModel)
		return
	}
	h.serveAggregate(w, resp.Body, req, result.UpstreamModel)
}

func (h *ChatHandler) serveStream(w http.ResponseWriter, r *http.Request, body io.ReadCloser, req chatapi.ChatCompletionRequest, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	err := emit.StreamToClient(r.Context(), w, flush, body, h.Cfg, h.Cache, model, req.Messages, req.Tools)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		tracking.Logger(r.Context()).Error("streaming terminated with error", "error", err)
	}
}

func (h *ChatHandler) serveAggregate(w http.ResponseWriter, body io.ReadCloser, req chatapi.ChatCompletionRequest, model string) {
	resp, err := emit.Collect(body, h.Cfg, h.Cache, model, req.Messages, req.Tools)
	if err != nil {
		writeInternalError(w, h.Cfg, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeValidationError(w http.ResponseWriter, err error, raw []byte) {
	bodyPreview := ""
	if len(raw) > 0 {
		n := len(raw)
		if n > 500 {
			n = 500
		}
		bodyPreview = string(raw[:n])
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"detail": []map[string]interface{}{{"msg": err.Error(), "loc": []string{"body"}}},
		"body":   bodyPreview,
	})
}

func writeDispatchError(w http.ResponseWriter, cfg *gwconfig.Config, err error) {
	var authErr *gatewayerr.AuthError
	var firstTimeout *gatewayerr.FirstTokenTimeoutError
	var streamTimeout *gatewayerr.StreamReadTimeoutError
	var retryExhausted *gatewayerr.RetryExhaustedError

	switch {
	case errors.As(err, &authErr):
		writeErrorJSON(w, http.StatusBadGateway, authErr.Error())
	case errors.As(err, &firstTimeout):
		writeErrorJSON(w, http.StatusGatewayTimeout, firstTimeout.Error())
	case errors.As(err, &streamTimeout):
		writeErrorJSON(w, http.StatusGatewayTimeout, streamTimeout.Error())
	case errors.As(err, &retryExhausted):
		writeErrorJSON(w, http.StatusBadGateway, retryExhausted.Error())
	default:
		writeInternalError(w, cfg, err)
	}
}

func writeUpstreamError(w http.ResponseWriter, resp *http.Response) {
	raw, _ := io.ReadAll(resp.Body)
	message := extractUpstreamErrorMessage(raw)
	writeJSON(w, resp.StatusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "kiro_api_error",
			"code":    resp.StatusCode,
		},
	})
}

func extractUpstreamErrorMessage(raw []byte) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	if msg, ok := parsed["message"].(string); ok {
		return msg
	}
	if nested, ok := parsed["error"].(map[string]interface{}); ok {
		if msg, ok := nested["message"].(string); ok {
			return msg
		}
	}
	return string(raw)
}

func writeInternalError(w http.ResponseWriter, cfg *gwconfig.Config, err error) {
	if cfg.DebugMode {
		writeErrorJSON(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}
	writeErrorJSON(w, http.StatusInternalServerError, "Internal server error")
}
