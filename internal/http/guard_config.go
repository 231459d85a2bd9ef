package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goclaw-guard/internal/config"
	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	"github.com/nextlevelbuilder/goclaw-guard/internal/store"
)

// GuardConfigHandler serves guard-config CRUD for one backend at a time:
// read the live chain, replace it (triggering the same Registry.UpdateBackend
// hot-reload path a file-watch reload would), and list its recorded
// revisions if a RevisionStore is configured.
type GuardConfigHandler struct {
	cfg      *config.Config
	registry *guard.Registry
	log      *slog.Logger
	revStore store.RevisionStore // nil disables revision history
	token    string
}

// NewGuardConfigHandler builds a handler backed by cfg and registry.
// revStore may be nil (persistence disabled, spec's Database config is
// optional).
func NewGuardConfigHandler(log *slog.Logger, cfg *config.Config, registry *guard.Registry, revStore store.RevisionStore, token string) *GuardConfigHandler {
	if log == nil {
		log = slog.Default()
	}
	return &GuardConfigHandler{cfg: cfg, registry: registry, log: log, revStore: revStore, token: token}
}

// RegisterRoutes registers the guard-config CRUD routes on mux.
func (h *GuardConfigHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/guards/{backend}", h.auth(h.handleGet))
	mux.HandleFunc("PUT /v1/guards/{backend}", h.auth(h.handlePut))
	mux.HandleFunc("GET /v1/guards/{backend}/revisions", h.auth(h.handleRevisions))
}

func (h *GuardConfigHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *GuardConfigHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	writeJSON(w, http.StatusOK, map[string]any{"backend": backend, "guards": h.cfg.GuardConfigsFor(backend)})
}

func (h *GuardConfigHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")

	var configs []guard.Config
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if err := json.Unmarshal(raw, &configs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guard config JSON: " + err.Error()})
		return
	}

	if err := h.registry.UpdateBackend(backend, configs); err != nil {
		h.log.Error("guard.hot_reload_failed", slog.String("backend", backend), slog.Any("error", err))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	h.cfg.SetGuardConfigsFor(backend, configs)

	if h.revStore != nil {
		hash := h.cfg.Hash()
		if err := h.revStore.Record(r.Context(), backend, hash, raw); err != nil {
			h.log.Warn("guard.revision_record_failed", slog.String("backend", backend), slog.Any("error", err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *GuardConfigHandler) handleRevisions(w http.ResponseWriter, r *http.Request) {
	if h.revStore == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "revision history is disabled (no database configured)"})
		return
	}
	backend := r.PathValue("backend")
	revisions, err := h.revStore.List(r.Context(), backend, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backend": backend, "revisions": revisions})
}
