// Store methods for the jobs table: enqueue, atomic claim, per-attempt
// write-backs, and the maintenance sweeps (stale reset, retention purge).
package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is the lifecycle state of a job row. Completed, Failed, and
// Cancelled are terminal: every transition out of them is refused by the
// conditional UPDATEs below.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetry      Status = "retry"
)

// Job is one persisted unit of asynchronous work.
type Job struct {
	ID         uuid.UUID `json:"id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	JobType    string    `json:"job_type"`
	Status     Status    `json:"status"`
	Priority   int       `json:"priority"`
	QueueName  string    `json:"queue_name"`

	WorkerID          *string    `json:"worker_id,omitempty"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	RetryDelaySeconds int        `json:"retry_delay_seconds"`

	ProgressCurrent    int     `json:"progress_current"`
	ProgressTotal      int     `json:"progress_total"`
	ProgressPercentage float64 `json:"progress_percentage"`
	ProgressMessage    string  `json:"progress_message"`

	InputParams  json.RawMessage `json:"input_params"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorStack   *string         `json:"error_stack,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`

	DependsOn []uuid.UUID `json:"depends_on"`
	Triggers  []string    `json:"triggers"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobError is the terminal outcome payload recorded on failure or retry.
type JobError struct {
	Message string
	Stack   string
	Code    string
}

// Metrics captures per-attempt execution measurements recorded on completion.
type Metrics struct {
	DurationMS int64 `json:"duration_ms"`
	Items      int   `json:"items,omitempty"`
}

// EnqueueParams holds the fields for creating a job.
type EnqueueParams struct {
	DocumentID        string
	UserID            string
	JobType           string
	Priority          int
	QueueName         string
	MaxAttempts       int
	RetryDelaySeconds int
	InputParams       json.RawMessage
	DependsOn         []uuid.UUID
	Triggers          []string
}

// jobColumns is the canonical SELECT list; keep in sync with scanJob.
const jobColumns = `id, document_id, user_id, job_type, status, priority, queue_name,
	worker_id, attempts, max_attempts, next_retry_at, retry_delay_seconds,
	progress_current, progress_total, progress_percentage, progress_message,
	input_params, result_data, metrics, error_message, error_stack, error_code,
	depends_on, triggers,
	queued_at, started_at, completed_at, failed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.DocumentID, &j.UserID, &j.JobType, &j.Status, &j.Priority, &j.QueueName,
		&j.WorkerID, &j.Attempts, &j.MaxAttempts, &j.NextRetryAt, &j.RetryDelaySeconds,
		&j.ProgressCurrent, &j.ProgressTotal, &j.ProgressPercentage, &j.ProgressMessage,
		&j.InputParams, &j.ResultData, &j.Metrics, &j.ErrorMessage, &j.ErrorStack, &j.ErrorCode,
		&j.DependsOn, &j.Triggers,
		&j.QueuedAt, &j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts a queued job and returns its ID. No side effects on other
// rows. Defaults: priority 100, max_attempts 3, retry_delay_seconds 1,
// queue_name falls back to job_type.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	if p.JobType == "" {
		return uuid.Nil, errors.New("enqueue: job_type is required")
	}
	if p.QueueName == "" {
		p.QueueName = p.JobType
	}
	if p.Priority == 0 {
		p.Priority = 100
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryDelaySeconds <= 0 {
		p.RetryDelaySeconds = 1
	}
	if p.InputParams == nil {
		p.InputParams = json.RawMessage(`{}`)
	}
	if p.DependsOn == nil {
		p.DependsOn = []uuid.UUID{}
	}
	if p.Triggers == nil {
		p.Triggers = []string{}
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (document_id, user_id, job_type, priority, queue_name,
		                  max_attempts, retry_delay_seconds, input_params, depends_on, triggers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		p.DocumentID, p.UserID, p.JobType, p.Priority, p.QueueName,
		p.MaxAttempts, p.RetryDelaySeconds, p.InputParams, p.DependsOn, p.Triggers,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// claimSQL selects up to $2 eligible rows from queue $1 (queued, or retry
// whose next_retry_at has passed) ordered by priority then FIFO, locks them
// with FOR UPDATE SKIP LOCKED, and flips them to processing owned by $3 in
// the same statement. Concurrent callers skip each other's locked rows, so
// two claimers against disjoint eligible rows get disjoint results and a
// row is never claimed twice.
const claimSQL = `
WITH eligible AS (
    SELECT id FROM jobs
    WHERE queue_name = $1
      AND (status = 'queued' OR (status = 'retry' AND next_retry_at <= now()))
    ORDER BY priority ASC, queued_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
SET status     = 'processing',
    worker_id  = $3,
    started_at = now(),
    attempts   = j.attempts + 1,
    updated_at = now()
FROM eligible
WHERE j.id = eligible.id
RETURNING ` + jobColumnsQualified

// jobColumnsQualified is jobColumns with the "j." prefix for the claim UPDATE.
const jobColumnsQualified = `j.id, j.document_id, j.user_id, j.job_type, j.status, j.priority, j.queue_name,
	j.worker_id, j.attempts, j.max_attempts, j.next_retry_at, j.retry_delay_seconds,
	j.progress_current, j.progress_total, j.progress_percentage, j.progress_message,
	j.input_params, j.result_data, j.metrics, j.error_message, j.error_stack, j.error_code,
	j.depends_on, j.triggers,
	j.queued_at, j.started_at, j.completed_at, j.failed_at, j.created_at, j.updated_at`

// ClaimBatch atomically claims up to capacity eligible jobs from queue for
// workerID. Returns fewer rows when fewer qualify and an empty slice when
// none do; never blocks waiting for work. The returned rows are already
// processing with attempts incremented.
func (s *Store) ClaimBatch(ctx context.Context, queue, workerID string, capacity int) ([]*Job, error) {
	if capacity <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, claimSQL, queue, capacity, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("claim batch scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the CTE's ordering, so restore
	// the claim order here.
	slices.SortFunc(jobs, func(a, b *Job) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return a.QueuedAt.Compare(b.QueuedAt)
	})
	return jobs, nil
}

// MarkCompleted records a successful attempt. Conditional on the caller
// still owning the row (status processing, worker_id matching), so a stale
// worker whose job was reset cannot clobber a terminal state.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage, m Metrics) error {
	metrics, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status        = 'completed',
		    result_data   = $3,
		    metrics       = $4,
		    completed_at  = now(),
		    error_message = NULL, error_stack = NULL, error_code = NULL,
		    updated_at    = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		id, workerID, result, metrics,
	)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark completed %s: job not owned by %s", id, workerID)
	}
	return nil
}

// MarkFailed records a terminal failure (attempts exhausted).
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, jobErr JobError) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status        = 'failed',
		    failed_at     = now(),
		    error_message = $3,
		    error_stack   = NULLIF($4, ''),
		    error_code    = NULLIF($5, ''),
		    updated_at    = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		id, workerID, jobErr.Message, jobErr.Stack, jobErr.Code,
	)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: job not owned by %s", id, workerID)
	}
	return nil
}

// MarkRetry returns a failed-but-retryable job to the retry state. The row
// becomes claimable again once nextRetryAt passes. worker_id is cleared so
// the exclusive-ownership invariant only ever holds for processing rows.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, workerID string, jobErr JobError, nextRetryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status        = 'retry',
		    next_retry_at = $3,
		    worker_id     = NULL,
		    error_message = $4,
		    error_stack   = NULLIF($5, ''),
		    error_code    = NULLIF($6, ''),
		    updated_at    = now()
		WHERE id = $1 AND status = 'processing' AND worker_id = $2`,
		id, workerID, nextRetryAt, jobErr.Message, jobErr.Stack, jobErr.Code,
	)
	if err != nil {
		return fmt.Errorf("mark retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark retry %s: job not owned by %s", id, workerID)
	}
	return nil
}

// UpdateProgress records handler-reported progress on a processing job.
// The percentage is computed server-side and clamped to [0,100]; a
// non-positive total yields 0. Silently no-ops when the job is no longer
// processing (e.g. reset by the stale sweep mid-attempt).
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, current, total int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress_current    = $2,
		    progress_total      = $3,
		    progress_percentage = CASE
		        WHEN $3 > 0 THEN LEAST(GREATEST(ROUND($2::numeric / $3::numeric * 100, 2), 0), 100)
		        ELSE 0
		    END,
		    progress_message    = $4,
		    updated_at          = now()
		WHERE id = $1 AND status = 'processing'`,
		id, current, total, message,
	)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	return nil
}

// Cancel moves a queued or retry job to cancelled. Reports whether a row
// changed; processing and terminal jobs are untouched.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'retry')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetJob returns the job with the given id, or (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ResetStale recovers orphaned work: every processing row whose started_at
// is older than olderThan goes back to queued with ownership cleared and an
// explanatory error note. Rows that already burned all their attempts are
// moved to failed instead, preserving the attempt bound across crash
// recovery. Returns the number of rows reset to queued.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Duration) (int, error) {
	seconds := int(olderThan.Seconds())

	var reset int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status        = 'failed',
			    failed_at     = now(),
			    worker_id     = NULL,
			    error_message = 'worker timed out or crashed; attempts exhausted',
			    error_code    = 'stale_exhausted',
			    updated_at    = now()
			WHERE status = 'processing'
			  AND started_at < now() - ($1 * interval '1 second')
			  AND attempts >= max_attempts`,
			seconds,
		)
		if err != nil {
			return fmt.Errorf("fail exhausted stale jobs: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status        = 'queued',
			    worker_id     = NULL,
			    started_at    = NULL,
			    error_message = 'reset after stale processing timeout',
			    error_code    = 'stale_reset',
			    updated_at    = now()
			WHERE status = 'processing'
			  AND started_at < now() - ($1 * interval '1 second')`,
			seconds,
		)
		if err != nil {
			return fmt.Errorf("reset stale jobs: %w", err)
		}
		reset = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(reset), nil
}

// PurgeOld deletes terminal rows past their retention window: completed
// rows older than completedRetention and failed rows older than
// failedRetention. Returns the total number of rows deleted. Workers never
// delete rows; this sweep is the only destructive path.
func (s *Store) PurgeOld(ctx context.Context, completedRetention, failedRetention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE (status = 'completed' AND completed_at < now() - ($1 * interval '1 second'))
		   OR (status = 'failed'    AND failed_at    < now() - ($2 * interval '1 second'))`,
		int(completedRetention.Seconds()), int(failedRetention.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("purge old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueStat is the per-queue aggregate exposed to the health snapshot.
type QueueStat struct {
	Queue     string `json:"queue"`
	Pending   int64  `json:"pending"` // queued + retry
	Active    int64  `json:"active"`  // processing
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
}

// QueueStats aggregates job counts per queue.
func (s *Store) QueueStats(ctx context.Context) ([]QueueStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_name,
		       COUNT(*) FILTER (WHERE status IN ('queued', 'retry')) AS pending,
		       COUNT(*) FILTER (WHERE status = 'processing')         AS active,
		       COUNT(*) FILTER (WHERE status = 'completed')          AS completed,
		       COUNT(*) FILTER (WHERE status = 'failed')             AS failed,
		       COUNT(*) FILTER (WHERE status = 'cancelled')          AS cancelled
		FROM jobs
		GROUP BY queue_name
		ORDER BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats []QueueStat
	for rows.Next() {
		var st QueueStat
		if err := rows.Scan(&st.Queue, &st.Pending, &st.Active, &st.Completed, &st.Failed, &st.Cancelled); err != nil {
			return nil, fmt.Errorf("queue stats scan: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats rows: %w", err)
	}
	return stats, nil
}
