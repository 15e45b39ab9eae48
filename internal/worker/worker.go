package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/store"
)

// State is the lifecycle state of a Worker.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateErrored  State = "errored"
)

// writeBackTimeout bounds the status write after an attempt finishes. It is
// detached from the run context so a shutdown does not lose the outcome of
// a job that completed during the drain window.
const writeBackTimeout = 10 * time.Second

// Config is a validated worker configuration. Registry.Build produces these
// from raw definitions; constructing a Worker from an unvalidated Config is
// the caller's risk.
type Config struct {
	Name         string
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	Timeout      time.Duration
	MaxAttempts  int
}

// Stats is a point-in-time snapshot of one worker's counters.
type Stats struct {
	Name      string  `json:"name"`
	Queue     string  `json:"queue"`
	State     State   `json:"state"`
	Active    int64   `json:"active"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	ErrorRate float64 `json:"error_rate"`
}

// Worker polls one queue and executes claimed jobs through its handler,
// bounded by its configured concurrency.
type Worker struct {
	cfg     Config
	id      string
	store   *store.Store
	handler Handler
	events  chan<- Event
	log     *slog.Logger

	mu    sync.Mutex
	state State

	sem       chan struct{}
	wg        sync.WaitGroup
	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// New constructs a Worker. A per-process random suffix distinguishes this
// worker's claims in the worker_id column across restarts.
func New(st *store.Store, h Handler, cfg Config, events chan<- Event, log *slog.Logger) (*Worker, error) {
	if h == nil {
		return nil, fmt.Errorf("worker %q: nil handler", cfg.Name)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("worker %q: concurrency must be positive", cfg.Name)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		id:      cfg.Name + "-" + uuid.New().String(),
		store:   st,
		handler: h,
		events:  events,
		log:     log.With("worker", cfg.Name, "queue", cfg.Queue),
		state:   StateStopped,
		sem:     make(chan struct{}, cfg.Concurrency),
	}, nil
}

// ID returns the worker's process-unique identity (the worker_id it writes
// to claimed rows).
func (w *Worker) ID() string { return w.id }

// Name returns the configured worker name.
func (w *Worker) Name() string { return w.cfg.Name }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Stats returns a snapshot of the worker's counters. ErrorRate is terminal
// failures over finished attempts.
func (w *Worker) Stats() Stats {
	processed := w.processed.Load()
	failed := w.failed.Load()
	rate := 0.0
	if total := processed + failed; total > 0 {
		rate = float64(failed) / float64(total)
	}
	return Stats{
		Name:      w.cfg.Name,
		Queue:     w.cfg.Queue,
		State:     w.State(),
		Active:    w.active.Load(),
		Processed: processed,
		Failed:    failed,
		ErrorRate: rate,
	}
}

// Concurrency returns the configured parallel-job bound.
func (w *Worker) Concurrency() int { return w.cfg.Concurrency }

// Run polls the queue until ctx is cancelled. Store errors during polling
// are logged and the loop continues at the next tick. Run returns as soon
// as ctx is cancelled; in-flight jobs keep running until they finish or
// ignore their (now cancelled) context — use Drain to wait for them.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker %q: not stopped (state %s)", w.cfg.Name, w.state)
	}
	w.state = StateRunning
	w.mu.Unlock()

	emit(w.events, Event{Type: EventWorkerStarted, Worker: w.cfg.Name, Queue: w.cfg.Queue})
	w.log.Info("worker started", "worker_id", w.id, "concurrency", w.cfg.Concurrency)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateStopping)
			w.log.Info("worker stopping", "active", w.active.Load())
			return nil
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce performs a single poll tick: claim up to the free capacity and
// dispatch each claimed job to its own goroutine. Exported for tests.
func (w *Worker) PollOnce(ctx context.Context) {
	capacity := w.cfg.Concurrency - int(w.active.Load())
	if capacity <= 0 {
		return
	}

	jobs, err := w.store.ClaimBatch(ctx, w.cfg.Queue, w.id, capacity)
	if err != nil {
		// The store being unreachable degrades throughput but never kills
		// the worker; the next tick retries.
		w.log.Error("claim batch failed", "error", err)
		emit(w.events, Event{Type: EventWorkerError, Worker: w.cfg.Name, Queue: w.cfg.Queue, Error: err.Error()})
		return
	}

	for _, job := range jobs {
		jobsClaimed.WithLabelValues(w.cfg.Queue).Inc()
		w.sem <- struct{}{}
		w.active.Add(1)
		w.wg.Add(1)
		go func(job *store.Job) {
			defer w.wg.Done()
			defer w.active.Add(-1)
			defer func() { <-w.sem }()
			w.process(ctx, job)
		}(job)
	}
}

// Drain waits up to grace for in-flight jobs to finish, then gives up.
// Returns true when everything finished. Abandoned jobs stay processing in
// the store and are recovered by the next stale-reset sweep, not here.
func (w *Worker) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	drained := true
	select {
	case <-done:
	case <-time.After(grace):
		drained = false
		w.log.Warn("drain grace expired, abandoning in-flight jobs", "active", w.active.Load())
	}

	w.setState(StateStopped)
	emit(w.events, Event{Type: EventWorkerStopped, Worker: w.cfg.Name, Queue: w.cfg.Queue})
	w.log.Info("worker stopped", "drained", drained)
	return drained
}

type attemptResult struct {
	result json.RawMessage
	err    error
	stack  string
}

// process runs one claimed job: race the handler against the per-job
// timeout, then write the outcome back. The write uses a context detached
// from ctx so shutdown cannot cancel it mid-flight.
//
// Cancellation of ctx (worker stopping) is only the cooperative signal to
// the handler; process keeps waiting for the handler so an attempt that
// finishes during the drain grace is written back normally. A handler that
// ignores its context leaves the row processing for the stale sweep. Only
// the wall-clock timeout settles the row without a handler result.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	emit(w.events, Event{Type: EventJobStarted, Worker: w.cfg.Name, Queue: w.cfg.Queue, JobID: job.ID})
	w.log.Info("job started", "job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	report := func(ctx context.Context, current, total int, message string) error {
		if err := w.store.UpdateProgress(ctx, job.ID, current, total, message); err != nil {
			return err
		}
		emit(w.events, Event{Type: EventJobProgress, Worker: w.cfg.Name, Queue: w.cfg.Queue, JobID: job.ID})
		return nil
	}

	start := time.Now()
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{
					err:   fmt.Errorf("handler panic: %v", p),
					stack: string(debug.Stack()),
				}
			}
		}()
		result, err := w.handler.Handle(jobCtx, job, report)
		done <- attemptResult{result: result, err: err}
	}()

	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer writeCancel()

	// The deadline race runs on its own timer, not jobCtx.Done(): jobCtx is
	// also cancelled when the worker stops, and a stop must not settle the
	// row while the handler might still finish within the drain grace.
	deadline := time.NewTimer(w.cfg.Timeout)
	defer deadline.Stop()

	select {
	case res := <-done:
		elapsed := time.Since(start)
		jobDuration.WithLabelValues(w.cfg.Queue).Observe(elapsed.Seconds())
		if res.err != nil {
			code := "handler_error"
			switch {
			case res.stack != "":
				code = "panic"
			case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
				code = "timeout"
			case errors.Is(jobCtx.Err(), context.Canceled):
				code = "cancelled"
			}
			w.finishFailed(writeCtx, job, store.JobError{
				Message: res.err.Error(),
				Stack:   res.stack,
				Code:    code,
			})
			return
		}
		w.finishCompleted(writeCtx, job, res.result, elapsed)
	case <-deadline.C:
		// Timeout won the race. The handler goroutine keeps running
		// detached until it notices the cancelled context; the row is
		// settled now either way.
		elapsed := time.Since(start)
		jobDuration.WithLabelValues(w.cfg.Queue).Observe(elapsed.Seconds())
		w.finishFailed(writeCtx, job, store.JobError{
			Message: fmt.Sprintf("handler exceeded %s deadline", w.cfg.Timeout),
			Code:    "timeout",
		})
	}
}

func (w *Worker) finishCompleted(ctx context.Context, job *store.Job, result json.RawMessage, elapsed time.Duration) {
	err := w.store.MarkCompleted(ctx, job.ID, w.id, result, store.Metrics{
		DurationMS: elapsed.Milliseconds(),
	})
	if err != nil {
		w.log.Error("mark completed failed", "job_id", job.ID, "error", err)
		return
	}
	w.processed.Add(1)
	jobsCompleted.WithLabelValues(w.cfg.Queue).Inc()
	emit(w.events, Event{Type: EventJobCompleted, Worker: w.cfg.Name, Queue: w.cfg.Queue, JobID: job.ID})
	w.log.Info("job completed", "job_id", job.ID, "duration_ms", elapsed.Milliseconds())
}

// finishFailed routes a failed attempt: retry while attempts remain,
// terminal failure otherwise. job.Attempts was already incremented by the
// claim, so it is the number of the attempt that just failed.
func (w *Worker) finishFailed(ctx context.Context, job *store.Job, jobErr store.JobError) {
	if job.Attempts < job.MaxAttempts {
		nextRetryAt := time.Now().Add(Backoff(job.MaxAttempts, job.Attempts))
		if err := w.store.MarkRetry(ctx, job.ID, w.id, jobErr, nextRetryAt); err != nil {
			w.log.Error("mark retry failed", "job_id", job.ID, "error", err)
			return
		}
		jobsRetried.WithLabelValues(w.cfg.Queue).Inc()
		emit(w.events, Event{Type: EventJobRetried, Worker: w.cfg.Name, Queue: w.cfg.Queue, JobID: job.ID, Error: jobErr.Message})
		w.log.Warn("job retried", "job_id", job.ID, "attempt", job.Attempts,
			"max_attempts", job.MaxAttempts, "next_retry_at", nextRetryAt, "error", jobErr.Message)
		return
	}

	if err := w.store.MarkFailed(ctx, job.ID, w.id, jobErr); err != nil {
		w.log.Error("mark failed failed", "job_id", job.ID, "error", err)
		return
	}
	w.failed.Add(1)
	jobsFailed.WithLabelValues(w.cfg.Queue).Inc()
	emit(w.events, Event{Type: EventJobFailed, Worker: w.cfg.Name, Queue: w.cfg.Queue, JobID: job.ID, Error: jobErr.Message})
	w.log.Error("job failed terminally", "job_id", job.ID, "attempts", job.Attempts, "error", jobErr.Message)
}
