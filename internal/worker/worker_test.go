// Integration tests for the poll/claim/execute loop against a real
// Postgres testcontainer. PollOnce is driven directly so tests don't
// depend on ticker timing.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/testutil"
	"github.com/docpipe/docpipe/internal/worker"
)

func testConfig(queue string) worker.Config {
	return worker.Config{
		Name:         queue,
		Queue:        queue,
		Concurrency:  2,
		PollInterval: 100 * time.Millisecond,
		Timeout:      5 * time.Second,
		MaxAttempts:  3,
	}
}

// waitForStatus polls until the job reaches want or the deadline passes.
func waitForStatus(t *testing.T, s *testutil.TestDB, id uuid.UUID, want store.Status, deadline time.Duration) *store.Job {
	t.Helper()
	ctx := context.Background()
	stop := time.Now().Add(deadline)
	for {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		if time.Now().After(stop) {
			got := store.Status("<missing>")
			if job != nil {
				got = job.Status
			}
			t.Fatalf("job %v stuck at %q, want %q", id, got, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorker_CompletesJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "ok"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"chunks":7}`), nil
	})
	w, err := worker.New(s.Store, h, testConfig("ok"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.PollOnce(ctx)
	job := waitForStatus(t, s, id, store.StatusCompleted, 5*time.Second)

	if string(job.ResultData) != `{"chunks":7}` {
		t.Errorf("result_data = %s, want handler result", job.ResultData)
	}
	var m store.Metrics
	if err := json.Unmarshal(job.Metrics, &m); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if m.DurationMS < 0 {
		t.Errorf("duration_ms = %d, want >= 0", m.DurationMS)
	}
	if got := w.Stats().Processed; got != 1 {
		t.Errorf("processed counter = %d, want 1", got)
	}
}

func TestWorker_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "flaky"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("upstream unavailable")
	})
	w, err := worker.New(s.Store, h, testConfig("flaky"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.PollOnce(ctx)
	job := waitForStatus(t, s, id, store.StatusRetry, 5*time.Second)

	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if job.NextRetryAt == nil || !job.NextRetryAt.After(time.Now()) {
		t.Error("next_retry_at should be in the future")
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "upstream unavailable" {
		t.Errorf("error_message = %v, want handler error", job.ErrorMessage)
	}
	if job.WorkerID != nil {
		t.Errorf("worker_id = %v, want nil while waiting for retry", *job.WorkerID)
	}
}

func TestWorker_ExhaustedAttemptsFailTerminally(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "doomed", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("permanent error")
	})
	w, err := worker.New(s.Store, h, testConfig("doomed"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.PollOnce(ctx)
	job := waitForStatus(t, s, id, store.StatusFailed, 5*time.Second)

	if job.FailedAt == nil {
		t.Error("failed_at not set")
	}
	if job.ErrorCode == nil || *job.ErrorCode != "handler_error" {
		t.Errorf("error_code = %v, want handler_error", job.ErrorCode)
	}
	if got := w.Stats().Failed; got != 1 {
		t.Errorf("failed counter = %d, want 1", got)
	}
}

func TestWorker_TimeoutSettlesJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "slow", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// A stuck handler that ignores its context entirely; only the deadline
	// race in the worker can settle the row.
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		<-stuck
		return nil, nil
	})
	cfg := testConfig("slow")
	cfg.Timeout = 300 * time.Millisecond
	w, err := worker.New(s.Store, h, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	w.PollOnce(ctx)
	job := waitForStatus(t, s, id, store.StatusFailed, 5*time.Second)

	// The row is settled promptly once the deadline fires, never held for
	// the full drain grace or longer.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("job settled after %v, want shortly past the %v deadline", elapsed, cfg.Timeout)
	}
	if job.ErrorCode == nil || *job.ErrorCode != "timeout" {
		t.Errorf("error_code = %v, want timeout", job.ErrorCode)
	}
}

func TestWorker_PanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "panicky", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		panic("nil map write")
	})
	w, err := worker.New(s.Store, h, testConfig("panicky"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.PollOnce(ctx)
	job := waitForStatus(t, s, id, store.StatusFailed, 5*time.Second)

	if job.ErrorCode == nil || *job.ErrorCode != "panic" {
		t.Errorf("error_code = %v, want panic", job.ErrorCode)
	}
	if job.ErrorStack == nil || *job.ErrorStack == "" {
		t.Error("error_stack should carry the recovered stack trace")
	}
}

func TestWorker_ConcurrencyBoundsClaims(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "bounded"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	release := make(chan struct{})
	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		<-release
		return nil, nil
	})
	w, err := worker.New(s.Store, h, testConfig("bounded"), nil, nil) // concurrency 2
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.PollOnce(ctx)

	var processing int
	if err := s.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue_name='bounded' AND status='processing'`).Scan(&processing); err != nil {
		t.Fatalf("count processing: %v", err)
	}
	if processing != 2 {
		t.Errorf("%d jobs processing, want 2 (concurrency bound)", processing)
	}

	// With both slots busy another poll claims nothing.
	w.PollOnce(ctx)
	if err := s.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue_name='bounded' AND status='processing'`).Scan(&processing); err != nil {
		t.Fatalf("count processing: %v", err)
	}
	if processing != 2 {
		t.Errorf("%d jobs processing after saturated poll, want still 2", processing)
	}

	close(release)
	if !w.Drain(5 * time.Second) {
		t.Fatal("drain did not finish after handlers were released")
	}
}

func TestWorker_RelaysProgress(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, store.EnqueueParams{JobType: "chunker"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		if err := report(ctx, 30, 120, "chunking"); err != nil {
			return nil, err
		}
		return nil, nil
	})
	w, err := worker.New(s.Store, h, testConfig("chunker"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w.PollOnce(ctx)
	job := waitForStatus(t, s, id, store.StatusCompleted, 5*time.Second)

	if job.ProgressPercentage != 25.00 {
		t.Errorf("progress_percentage = %.2f, want 25.00", job.ProgressPercentage)
	}
	if job.ProgressMessage != "chunking" {
		t.Errorf("progress_message = %q, want chunking", job.ProgressMessage)
	}
}

func TestWorker_DrainLetsInFlightJobFinish(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	id, err := s.Enqueue(context.Background(), store.EnqueueParams{JobType: "slowish"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Ignores the cooperative signal but finishes well inside the grace.
	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		time.Sleep(300 * time.Millisecond)
		return json.RawMessage(`{"ok":true}`), nil
	})
	w, err := worker.New(s.Store, h, testConfig("slowish"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.PollOnce(ctx)
	cancel() // worker stopping with the job still in flight

	if !w.Drain(5 * time.Second) {
		t.Fatal("drain should wait out a handler that finishes within the grace")
	}
	job := waitForStatus(t, s, id, store.StatusCompleted, 5*time.Second)
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (stop must not burn an attempt)", job.Attempts)
	}
	if string(job.ResultData) != `{"ok":true}` {
		t.Errorf("result_data = %s, want the handler result", job.ResultData)
	}
}

func TestWorker_AbandonedJobStaysProcessing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	bg := context.Background()

	id, err := s.Enqueue(bg, store.EnqueueParams{JobType: "wedged"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		<-stuck
		return nil, nil
	})
	w, err := worker.New(s.Store, h, testConfig("wedged"), nil, nil) // 5s timeout
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(bg)
	w.PollOnce(ctx)
	cancel()

	if w.Drain(300 * time.Millisecond) {
		t.Fatal("drain should give up on a handler that outlives the grace")
	}

	// The worker never settles the abandoned row; recovery belongs to the
	// stale sweep alone.
	job, err := s.GetJob(bg, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusProcessing {
		t.Fatalf("status = %q after abandoned drain, want processing", job.Status)
	}

	if _, err := s.Pool().Exec(bg,
		`UPDATE jobs SET started_at = now() - interval '1 hour' WHERE id=$1`, id); err != nil {
		t.Fatalf("backdate started_at: %v", err)
	}
	if _, err := s.ResetStale(bg, 10*time.Minute); err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	job, err = s.GetJob(bg, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.StatusQueued {
		t.Errorf("status = %q after stale sweep, want queued", job.Status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	h := worker.HandlerFunc(func(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})
	w, err := worker.New(s.Store, h, testConfig("idle"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Starting twice is rejected while running.
	deadline := time.After(2 * time.Second)
	for w.State() != worker.StateRunning {
		select {
		case <-deadline:
			t.Fatal("worker never reached running state")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := w.Run(ctx); err == nil {
		t.Error("second Run on a running worker should fail")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !w.Drain(time.Second) {
		t.Error("drain of an idle worker should succeed immediately")
	}
	if w.State() != worker.StateStopped {
		t.Errorf("state = %s, want stopped after drain", w.State())
	}
}
