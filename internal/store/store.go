// Package store provides the data access layer over a pgx connection pool.
// All operations run directly on *pgxpool.Pool: the SKIP LOCKED claim path
// and the bulk maintenance sweeps need pgx native transactions, and the
// remaining queries are single statements.
//
// The pool is constructed once at startup and injected here; Store holds no
// other state and is safe for concurrent use.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for the jobs table.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (tests, the migrate adapter).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies the backing database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
