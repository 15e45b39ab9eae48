package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docpipe/docpipe/internal/store"
)

// HealthStatus classifies the system: healthy when every worker is running
// with an error rate under the threshold, degraded when only some are,
// unhealthy when none are.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthSnapshot is the aggregated view exposed to the health endpoint.
type HealthSnapshot struct {
	Status     HealthStatus      `json:"status"`
	Workers    []Stats           `json:"workers"`
	Queues     []store.QueueStat `json:"queues"`
	SystemLoad float64           `json:"system_load"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ManagerConfig holds Manager tuning parameters.
type ManagerConfig struct {
	HealthInterval     time.Duration
	ErrorRateThreshold float64
	DrainGrace         time.Duration
}

// Manager owns a set of named workers: registration, start/stop fan-out,
// health aggregation, and graceful drain.
type Manager struct {
	store  *store.Store
	cfg    ManagerConfig
	log    *slog.Logger
	events chan Event

	mu      sync.Mutex
	workers map[string]*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager creates a Manager. Zero config fields get sane defaults.
func NewManager(st *store.Store, cfg ManagerConfig, log *slog.Logger) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:   st,
		cfg:     cfg,
		log:     log,
		events:  make(chan Event, 256),
		workers: make(map[string]*Worker),
	}
}

// Events returns the lifecycle event stream. Events are dropped rather than
// blocking when the consumer falls behind.
func (m *Manager) Events() <-chan Event { return m.events }

// EventSink returns the send side for wiring into the Registry.
func (m *Manager) EventSink() chan<- Event { return m.events }

// Register adds w under its configured name. Duplicate names are rejected.
func (m *Manager) Register(w *Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[w.Name()]; exists {
		return fmt.Errorf("register worker: duplicate name %q", w.Name())
	}
	m.workers[w.Name()] = w
	return nil
}

// StartAll launches every registered worker plus the periodic health check.
// Workers run until StopAll is called or ctx is cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("manager already started")
	}
	if len(m.workers) == 0 {
		return fmt.Errorf("no workers registered")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *Worker) {
			defer m.wg.Done()
			if err := w.Run(runCtx); err != nil {
				m.log.Error("worker run failed", "worker", w.Name(), "error", err)
			}
		}(w)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHealthLoop(runCtx)
	}()

	m.log.Info("manager started", "workers", len(m.workers))
	return nil
}

// StopAll stops claiming, waits up to the drain grace for in-flight jobs,
// then abandons the rest. Abandoned job rows stay processing in the store
// and are recovered by the next stale-reset sweep, not by the Manager.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	var drainWg sync.WaitGroup
	for _, w := range workers {
		drainWg.Add(1)
		go func(w *Worker) {
			defer drainWg.Done()
			w.Drain(m.cfg.DrainGrace)
		}(w)
	}
	drainWg.Wait()
	m.log.Info("manager stopped")
}

// runHealthLoop periodically logs the aggregated health snapshot.
func (m *Manager) runHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := m.Health(ctx)
			if err != nil {
				m.log.Error("health check failed", "error", err)
				continue
			}
			m.log.Info("health check",
				"status", snap.Status,
				"workers", len(snap.Workers),
				"system_load", snap.SystemLoad,
			)
		}
	}
}

// Health aggregates per-worker stats and queue counts into a snapshot.
// SystemLoad is active jobs over total capacity.
func (m *Manager) Health(ctx context.Context) (*HealthSnapshot, error) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	stats := make([]Stats, 0, len(workers))
	healthyCount := 0
	var active, capacity int64
	for _, w := range workers {
		st := w.Stats()
		stats = append(stats, st)
		if st.State == StateRunning && st.ErrorRate < m.cfg.ErrorRateThreshold {
			healthyCount++
		}
		active += st.Active
		capacity += int64(w.Concurrency())
	}

	status := HealthUnhealthy
	switch {
	case len(workers) > 0 && healthyCount == len(workers):
		status = HealthHealthy
	case healthyCount > 0:
		status = HealthDegraded
	}

	queues, err := m.store.QueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}

	load := 0.0
	if capacity > 0 {
		load = float64(active) / float64(capacity)
	}

	return &HealthSnapshot{
		Status:     status,
		Workers:    stats,
		Queues:     queues,
		SystemLoad: load,
		Timestamp:  time.Now().UTC(),
	}, nil
}
