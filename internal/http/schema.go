// Package http exposes the gateway's own management surface over plain
// net/http: one struct per concern, routes registered on a shared
// *http.ServeMux, JSON in/out via writeJSON.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// SchemaHandler serves the Schema API the UI collaborator consults to
// render guard settings forms.
type SchemaHandler struct {
	registry *guard.Registry
	token    string
}

// NewSchemaHandler builds a handler backed by registry. token, if non-empty,
// is required as a bearer token on every request.
func NewSchemaHandler(registry *guard.Registry, token string) *SchemaHandler {
	return &SchemaHandler{registry: registry, token: token}
}

// RegisterRoutes registers the Schema API's one route on mux.
func (h *SchemaHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/guards/schemas", h.auth(h.handleSchemas))
}

func (h *SchemaHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// handleSchemas aggregates every registered backend's guard schemas:
// {guard_id -> {settings_schema, default_config}}.
func (h *SchemaHandler) handleSchemas(w http.ResponseWriter, r *http.Request) {
	schemas := h.registry.CollectWasmSchemas()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(schemas); err != nil {
		slog.Error("guard.schemas_encode_failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
