// Package gateway provides the HTTP/WebSocket surface of the service.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tether/internal/channel"
	"tether/internal/config"
	"tether/internal/gateway/handlers"
	"tether/internal/gateway/middleware"
	"tether/internal/gateway/websocket"
	"tether/internal/orchestrator"
	"tether/internal/runtime"
	"tether/internal/storage"
	"tether/pkg/logger"
)

// Version is stamped at build time.
var Version = "dev"

// Server binds the REST API, the WebSocket hub chat surface, and the config
// watcher into one HTTP server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *websocket.Hub
	watcher    *Watcher
	orch       *orchestrator.Orchestrator
}

// NewServer wires the gateway. The hub's response handlers feed straight
// into the orchestrator's approval registry.
func NewServer(cfg *config.Config, db *storage.DB, channels *channel.Store, orch *orchestrator.Orchestrator, hub *websocket.Hub) *Server {
	router := mux.NewRouter()

	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(router),
		),
	)

	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			Handler:      handler,
			ReadTimeout:  60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		router: router,
		hub:    hub,
		orch:   orch,
	}

	hub.SetPermissionHandler(func(requestID, behavior string, alwaysAllow bool, message string) error {
		return orch.RespondPermission(requestID, runtime.PermissionBehavior(behavior), alwaysAllow, message)
	})
	hub.SetAskUserHandler(orch.RespondAskUser)

	router.HandleFunc("/api/v1/health", handlers.Health(Version)).Methods(http.MethodGet)
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWS(hub, w, r)
	})
	NewAPI(db, channels, orch).RegisterRoutes(router)

	return s
}

// SetWatcher attaches the config watcher started alongside the server.
func (s *Server) SetWatcher(w *Watcher) {
	s.watcher = w
}

// Start runs the hub loop, the watcher, and the HTTP listener. Blocks until
// the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("config watcher failed to start")
		}
	}

	logger.Info().Str("addr", s.httpServer.Addr).Msg("gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return nil
}

// Shutdown stops the listener and the watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
