// Package server assembles the full service: configuration, storage,
// credentials, the runtime adapter, the orchestrator, and the gateway.
package server

import (
	"context"
	"fmt"
	"time"

	"tether/internal/channel"
	"tether/internal/config"
	"tether/internal/execenv"
	"tether/internal/gateway"
	"tether/internal/gateway/websocket"
	"tether/internal/orchestrator"
	"tether/internal/provider"
	"tether/internal/retention"
	"tether/internal/runtime/claudecli"
	"tether/internal/storage"
	"tether/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Server owns every long-lived component of the service.
type Server struct {
	cfg     *config.Config
	db      *storage.DB
	orch    *orchestrator.Orchestrator
	gw      *gateway.Server
	sweeper *retention.Sweeper
}

// Options controls server construction.
type Options struct {
	ConfigPath string
}

// New wires the service from configuration. Nothing starts listening until
// Run.
func New(opts Options) (*Server, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	identityPath, err := config.DefaultIdentityPath()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load identity: %w", err)
	}
	identity, err := channel.LoadOrCreateIdentity(identityPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load identity: %w", err)
	}
	channels := channel.NewStore(cfg.Channels, identity)

	// Advisory only: a missing or outdated runtime fails individual runs
	// with a precise error, not the whole server.
	preflightCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	version, err := execenv.Preflight(preflightCtx, cfg.Runtime.Binary, cfg.Runtime.MinVersion)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str("binary", cfg.Runtime.Binary).Msg("runtime preflight failed")
	} else {
		logger.Info().Str("binary", cfg.Runtime.Binary).Str("version", version).Msg("runtime preflight ok")
	}

	builder := execenv.NewBuilder(channels, execenv.ConfigProxy{Cfg: cfg.Proxy}, cfg.Runtime, cfg.Workspaces)
	adapter := claudecli.New(cfg.Runtime.Binary)

	hub := websocket.NewHub()
	orch := orchestrator.New(db, builder, adapter, gateway.NewHubNotifier(hub), cfg.Runtime.PermissionMode)

	if cfg.Title.Enabled && len(cfg.Channels) > 0 {
		if creds, err := channels.Resolve(cfg.Channels[0].ID); err == nil {
			p := provider.NewOpenAIProvider(cfg.Channels[0].Name, creds.BaseURL, creds.APIKey)
			orch.SetTitleProvider(p, cfg.Title.Model)
		} else {
			logger.Warn().Err(err).Msg("title provider unavailable")
		}
	}

	gw := gateway.NewServer(cfg, db, channels, orch, hub)
	if watcher, err := gateway.NewWatcher(hub, channels, config.Path()); err == nil {
		gw.SetWatcher(watcher)
	} else {
		logger.Warn().Err(err).Msg("config watcher unavailable")
	}

	return &Server{
		cfg:     cfg,
		db:      db,
		orch:    orch,
		gw:      gw,
		sweeper: retention.NewSweeper(db, cfg.Retention),
	}, nil
}

// Run starts the sweeper and the gateway listener, blocking until the
// listener stops.
func (s *Server) Run() error {
	if err := s.sweeper.Start(); err != nil {
		logger.Warn().Err(err).Msg("retention sweeper failed to start")
	}
	return s.gw.Start()
}

// Shutdown stops runs, the sweeper, the gateway, and storage, in that order.
func (s *Server) Shutdown() error {
	s.orch.Shutdown()
	s.sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.gw.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown")
	}

	err := s.db.Close()
	logger.Close()
	return err
}
