// Package worker implements polling workers that claim jobs from the jobs
// table using FOR UPDATE SKIP LOCKED and execute them through pluggable
// handlers.
//
// Each Worker is bound to one queue and runs a ticker-driven poll loop,
// executing up to its configured concurrency in parallel. Workers share no
// in-memory state with each other; the jobs table is the only coordination
// point. A Manager owns the workers, aggregates health, and drains them on
// shutdown; a Registry builds them from validated configuration.
package worker

import (
	"context"
	"encoding/json"

	"github.com/docpipe/docpipe/internal/store"
)

// ProgressFunc lets a handler report progress at its own cadence. The
// worker relays it to the store unchanged; current/total semantics belong
// to the handler.
type ProgressFunc func(ctx context.Context, current, total int, message string) error

// Handler executes one claimed job. The returned payload is recorded as the
// job's result on success; a non-nil error routes the job to retry or
// terminal failure depending on remaining attempts.
//
// Cancellation is cooperative: ctx is cancelled when the job times out or
// the worker is asked to stop, and handlers are expected to check ctx.Err()
// at safe points. A handler that ignores ctx keeps running detached after
// the job row has already been marked retried or failed.
type Handler interface {
	Handle(ctx context.Context, job *store.Job, report ProgressFunc) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *store.Job, report ProgressFunc) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *store.Job, report ProgressFunc) (json.RawMessage, error) {
	return f(ctx, job, report)
}
