// Dynamic filtered job listing for the management surface. Uses squirrel
// because the filter combination is caller-controlled.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListFilter holds the optional filters for ListJobs. Zero values mean
// "no filter". Limit defaults to 50 and is capped at 500.
type ListFilter struct {
	Queue      string
	Status     Status
	JobType    string
	DocumentID string
	Limit      int
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]*Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	q := psql.Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC").
		Limit(uint64(limit))

	if f.Queue != "" {
		q = q.Where(sq.Eq{"queue_name": f.Queue})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.JobType != "" {
		q = q.Where(sq.Eq{"job_type": f.JobType})
	}
	if f.DocumentID != "" {
		q = q.Where(sq.Eq{"document_id": f.DocumentID})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return jobs, nil
}
