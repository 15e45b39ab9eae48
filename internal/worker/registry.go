package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/docpipe/docpipe/internal/config"
	"github.com/docpipe/docpipe/internal/store"
)

// Validation bounds for worker definitions. Out-of-range definitions are
// skipped with a warning, never fatal to the rest of the registry.
const (
	minConcurrency  = 1
	maxConcurrency  = 64
	minPollInterval = 100 * time.Millisecond
	maxPollInterval = 5 * time.Minute
	minTimeout      = time.Second
	maxTimeout      = time.Hour
	minAttempts     = 1
	maxAttempts     = 10
)

// Registry is a pure factory: handlers are registered under job-type names,
// and Build turns raw worker definitions into configured Workers.
type Registry struct {
	store    *store.Store
	events   chan<- Event
	log      *slog.Logger
	handlers map[string]Handler
}

// NewRegistry creates a Registry backed by st. events may be nil.
func NewRegistry(st *store.Store, events chan<- Event, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:    st,
		events:   events,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler associates h with the named job type. Must be called
// before Build.
func (r *Registry) RegisterHandler(name string, h Handler) {
	r.handlers[name] = h
}

// Build constructs a Worker for every valid and enabled definition.
// Disabled definitions are skipped silently; invalid ones (bad bounds,
// unknown handler) are skipped with a warning.
func (r *Registry) Build(defs []config.WorkerDef) []*Worker {
	workers := make([]*Worker, 0, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			r.log.Debug("worker disabled, skipping", "worker", def.Name)
			continue
		}
		cfg, err := r.validate(def)
		if err != nil {
			r.log.Warn("invalid worker definition, skipping", "worker", def.Name, "error", err)
			continue
		}
		h, ok := r.handlers[def.Name]
		if !ok {
			r.log.Warn("no handler registered, skipping", "worker", def.Name)
			continue
		}
		w, err := New(r.store, h, cfg, r.events, r.log)
		if err != nil {
			r.log.Warn("worker construction failed, skipping", "worker", def.Name, "error", err)
			continue
		}
		workers = append(workers, w)
	}
	return workers
}

func (r *Registry) validate(def config.WorkerDef) (Config, error) {
	if def.Name == "" {
		return Config{}, fmt.Errorf("name is required")
	}
	queue := def.Queue
	if queue == "" {
		queue = def.Name
	}
	if def.Concurrency < minConcurrency || def.Concurrency > maxConcurrency {
		return Config{}, fmt.Errorf("concurrency %d out of range [%d,%d]", def.Concurrency, minConcurrency, maxConcurrency)
	}
	poll := time.Duration(def.PollIntervalMS) * time.Millisecond
	if poll < minPollInterval || poll > maxPollInterval {
		return Config{}, fmt.Errorf("poll interval %s out of range [%s,%s]", poll, minPollInterval, maxPollInterval)
	}
	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	if timeout < minTimeout || timeout > maxTimeout {
		return Config{}, fmt.Errorf("timeout %s out of range [%s,%s]", timeout, minTimeout, maxTimeout)
	}
	if def.MaxAttempts < minAttempts || def.MaxAttempts > maxAttempts {
		return Config{}, fmt.Errorf("max attempts %d out of range [%d,%d]", def.MaxAttempts, minAttempts, maxAttempts)
	}
	return Config{
		Name:         def.Name,
		Queue:        queue,
		Concurrency:  def.Concurrency,
		PollInterval: poll,
		Timeout:      timeout,
		MaxAttempts:  def.MaxAttempts,
	}, nil
}
