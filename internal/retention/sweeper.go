// Package retention prunes idle sessions on a schedule.
package retention

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"tether/internal/config"
	"tether/internal/storage"
)

// Sweeper deletes sessions whose last activity is older than the configured
// window. It runs on a cron schedule and never touches a session that was
// updated inside the window, so active work is safe regardless of age.
type Sweeper struct {
	db   *storage.DB
	cfg  config.RetentionConfig
	cron *cron.Cron
}

// NewSweeper creates a sweeper. It does nothing until Start.
func NewSweeper(db *storage.DB, cfg config.RetentionConfig) *Sweeper {
	return &Sweeper{db: db, cfg: cfg, cron: cron.New()}
}

// Start registers the schedule and begins sweeping. Disabled retention is a
// no-op.
func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("retention sweeper started", "schedule", s.cfg.Schedule, "maxAge", s.cfg.RetentionMaxAge())
	return nil
}

// Stop halts the schedule, waiting for an in-flight sweep.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pruning pass.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.cfg.RetentionMaxAge())
	n, err := s.db.DeleteSessionsIdleSince(cutoff)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("retention sweep pruned sessions", "count", n, "cutoff", cutoff)
	}
}
