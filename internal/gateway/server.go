// Package gateway is the client-facing surface: one websocket per MCP
// client, speaking the same JSON-RPC envelope as every upstream, routed
// through the relay's guard-gated Initialize/ToolsList/CallTool methods —
// shaped after the donor's internal/gateway WebSocket server.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw-guard/internal/config"
	httpapi "github.com/nextlevelbuilder/goclaw-guard/internal/http"
	"github.com/nextlevelbuilder/goclaw-guard/internal/relay"
)

// Server accepts client WebSocket connections and relays their JSON-RPC
// traffic through a single shared Relay.
type Server struct {
	cfg   *config.Config
	relay *relay.Relay

	schemaHandler *httpapi.SchemaHandler
	guardHandler  *httpapi.GuardConfigHandler

	upgrader websocket.Upgrader
	clients  map[string]*Client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds a Server bound to cfg and rel. The two HTTP handlers are
// optional (pass nil to omit a route set).
func NewServer(cfg *config.Config, rel *relay.Relay, schemaHandler *httpapi.SchemaHandler, guardHandler *httpapi.GuardConfigHandler) *Server {
	s := &Server{
		cfg:           cfg,
		relay:         rel,
		schemaHandler: schemaHandler,
		guardHandler:  guardHandler,
		clients:       make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows any origin when no whitelist is configured (CLI/SDK
// clients rarely send an Origin header at all).
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.cors_rejected", slog.String("origin", origin))
	return false
}

// BuildMux assembles (and caches) the gateway's HTTP mux: the client
// websocket endpoint, a health check, and whichever management APIs were
// wired in at construction.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.schemaHandler != nil {
		s.schemaHandler.RegisterRoutes(mux)
	}
	if s.guardHandler != nil {
		s.guardHandler.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway.listening", slog.String("addr", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.websocket_upgrade_failed", slog.Any("error", err))
		return
	}

	client := newClient(conn, s.relay, r.URL.Query().Get("identity"))
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}
