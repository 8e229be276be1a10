// Package http holds the gateway's inbound HTTP surface: handler structs
// composing the translation, dispatch, event-stream, and emission components
// behind the OpenAI-compatible chat completions, models, and health routes.
package http

import (
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
