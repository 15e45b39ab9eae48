// Package supervisor bootstraps the worker system and keeps it self-healing:
// it recovers orphaned jobs before anything starts claiming, starts the
// Manager, and runs the periodic maintenance sweep (stale reset + retention
// purge + health log).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// Config holds supervisor tuning parameters.
type Config struct {
	// StaleAfter is the age at which a processing job counts as orphaned.
	StaleAfter time.Duration
	// SweepInterval is how often the maintenance sweep runs.
	SweepInterval time.Duration
	// Retention windows for terminal rows, applied independently.
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// Supervisor orchestrates startup recovery and periodic maintenance.
type Supervisor struct {
	store   *store.Store
	manager *worker.Manager
	cfg     Config
	log     *slog.Logger
}

// New creates a Supervisor. Zero config fields get sane defaults.
func New(st *store.Store, m *worker.Manager, cfg Config, log *slog.Logger) *Supervisor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 7 * 24 * time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 30 * 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{store: st, manager: m, cfg: cfg, log: log}
}

// Run boots the system and blocks until ctx is cancelled, then drains the
// manager. Startup errors (store unreachable, recovery failure, no workers)
// are fatal and propagate to the caller.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	// Crash recovery must happen before any worker starts claiming, so a
	// restart never races its own orphaned rows.
	n, err := s.store.ResetStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("supervisor: startup stale reset: %w", err)
	}
	if n > 0 {
		s.log.Info("recovered orphaned jobs at startup", "count", n)
	}

	if err := s.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.manager.StopAll()
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass: stale reset, retention purge, and a
// health snapshot log. Errors are logged, never fatal; the next pass
// retries. Also invoked directly by the management surface's force-cleanup.
func (s *Supervisor) Sweep(ctx context.Context) {
	if n, err := s.store.ResetStale(ctx, s.cfg.StaleAfter); err != nil {
		s.log.Error("maintenance stale reset failed", "error", err)
	} else if n > 0 {
		s.log.Info("maintenance reset stale jobs", "count", n)
	}

	if n, err := s.store.PurgeOld(ctx, s.cfg.CompletedRetention, s.cfg.FailedRetention); err != nil {
		s.log.Error("maintenance purge failed", "error", err)
	} else if n > 0 {
		s.log.Info("maintenance purged old jobs", "count", n)
	}

	snap, err := s.manager.Health(ctx)
	if err != nil {
		s.log.Error("maintenance health check failed", "error", err)
		return
	}
	s.log.Info("maintenance health", "status", snap.Status, "system_load", snap.SystemLoad)
}
