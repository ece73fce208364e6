package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Forecast job statuses. Succeeded, failed and canceled are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

// ForecastJob is one row of forecast_jobs.
type ForecastJob struct {
	ID            uuid.UUID  `json:"id"`
	Owner         string     `json:"owner"`
	DatasetID     uuid.UUID  `json:"dataset_id"`
	ScenarioID    *uuid.UUID `json:"scenario_id,omitempty"`
	Params        []byte     `json:"params"`
	Status        string     `json:"status"`
	ProgressPct   int        `json:"progress_pct"`
	CompletedRuns int        `json:"completed_runs"`
	TotalRuns     int        `json:"total_runs"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	ResultKey     *string    `json:"result_key,omitempty"`
	ExportCSVKey  *string    `json:"export_csv_key,omitempty"`
	ExportXLSXKey *string    `json:"export_xlsx_key,omitempty"`
	QueuedAt      time.Time  `json:"queued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"-"`
}

// JobRepository persists forecast jobs. Every state transition is guarded in
// SQL so that concurrent workers cannot resurrect a terminal job.
type JobRepository struct {
	pool *pgxpool.Pool
}

const jobColumns = `
	id, owner, dataset_id, scenario_id, params, status,
	progress_pct, completed_runs, total_runs, error_message,
	result_key, export_csv_key, export_xlsx_key,
	queued_at, started_at, finished_at, expires_at, updated_at, deleted_at`

func scanJob(row pgx.Row) (*ForecastJob, error) {
	var j ForecastJob
	err := row.Scan(
		&j.ID, &j.Owner, &j.DatasetID, &j.ScenarioID, &j.Params, &j.Status,
		&j.ProgressPct, &j.CompletedRuns, &j.TotalRuns, &j.ErrorMessage,
		&j.ResultKey, &j.ExportCSVKey, &j.ExportXLSXKey,
		&j.QueuedAt, &j.StartedAt, &j.FinishedAt, &j.ExpiresAt, &j.UpdatedAt, &j.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// Create inserts a queued job.
func (r *JobRepository) Create(ctx context.Context, owner string, datasetID uuid.UUID, scenarioID *uuid.UUID, params []byte, totalRuns int, expiresIn time.Duration) (*ForecastJob, error) {
	query := `
		INSERT INTO forecast_jobs (
			id, owner, dataset_id, scenario_id, params, status,
			progress_pct, completed_runs, total_runs,
			queued_at, expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, 'queued',
			0, 0, $6,
			now(), now() + $7, now()
		)
		RETURNING` + jobColumns

	row := r.pool.QueryRow(ctx, query, uuid.New(), owner, datasetID, scenarioID, params, totalRuns, expiresIn)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get returns a job regardless of owner, hiding soft-deleted rows.
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*ForecastJob, error) {
	query := `SELECT` + jobColumns + ` FROM forecast_jobs WHERE id = $1 AND deleted_at IS NULL`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// GetForOwner returns a job only when it belongs to the owner.
func (r *JobRepository) GetForOwner(ctx context.Context, id uuid.UUID, owner string) (*ForecastJob, error) {
	query := `SELECT` + jobColumns + ` FROM forecast_jobs WHERE id = $1 AND owner = $2 AND deleted_at IS NULL`
	return scanJob(r.pool.QueryRow(ctx, query, id, owner))
}

// MarkRunning transitions queued (or already running, for retried
// deliveries) jobs to running with progress 10.
func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE forecast_jobs
		SET status = 'running', progress_pct = 10, completed_runs = 0,
		    started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND status IN ('queued', 'running')`
	return r.guarded(ctx, query, id)
}

// UpdateProgress records run progress; the percentage is clamped to [0, 100]
// and only running jobs accept updates. Stored progress never moves backwards
// so a late or reordered writer cannot undo a newer update.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progressPct, completedRuns int) error {
	if progressPct < 0 {
		progressPct = 0
	}
	if progressPct > 100 {
		progressPct = 100
	}
	query := `
		UPDATE forecast_jobs
		SET progress_pct = GREATEST(progress_pct, $2),
		    completed_runs = GREATEST(completed_runs, $3),
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND status = 'running'`
	return r.guarded(ctx, query, id, progressPct, completedRuns)
}

// MarkSucceeded finalizes a non-terminal job with its artifact keys.
func (r *JobRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, resultKey, csvKey, xlsxKey string) error {
	query := `
		UPDATE forecast_jobs
		SET status = 'succeeded', progress_pct = 100,
		    completed_runs = GREATEST(completed_runs, total_runs),
		    result_key = $2, export_csv_key = $3, export_xlsx_key = $4,
		    error_message = NULL, finished_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('succeeded', 'failed', 'canceled')`
	return r.guarded(ctx, query, id, resultKey, csvKey, xlsxKey)
}

// MarkFailed finalizes a non-terminal job with an error message.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE forecast_jobs
		SET status = 'failed', error_message = $2,
		    finished_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('succeeded', 'failed', 'canceled')`
	return r.guarded(ctx, query, id, message)
}

// MarkCanceled finalizes a non-terminal job as canceled.
func (r *JobRepository) MarkCanceled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE forecast_jobs
		SET status = 'canceled', finished_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('succeeded', 'failed', 'canceled')`
	return r.guarded(ctx, query, id)
}

func (r *JobRepository) guarded(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FindStuckRunning returns running jobs whose last update is older than the
// timeout. Used by the worker supervisor to recover after crashes. Staleness
// is judged on updated_at rather than started_at: per-batch progress writes
// refresh it, so a long job that is still reporting progress is never
// mistaken for a dead one.
func (r *JobRepository) FindStuckRunning(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM forecast_jobs
		WHERE deleted_at IS NULL AND status = 'running' AND updated_at < now() - $1
		ORDER BY updated_at`
	rows, err := r.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Requeue resets a job to queued so the supervisor can re-enqueue it. The
// run budget is restored from the stored scenario parameters.
func (r *JobRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE forecast_jobs
		SET status = 'queued', progress_pct = 0, completed_runs = 0,
		    total_runs = COALESCE(NULLIF((params->>'mc_runs')::int, 0), total_runs),
		    error_message = NULL, started_at = NULL, finished_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('succeeded', 'failed', 'canceled')`
	return r.guarded(ctx, query, id)
}

// JobFilter narrows history listings. Q matches the job id and error message
// as case-insensitive substrings; DateFrom and DateTo bound queued_at by
// calendar day (DateTo is inclusive).
type JobFilter struct {
	Status   string
	Q        string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// ListByOwner returns the owner's jobs newest first.
func (r *JobRepository) ListByOwner(ctx context.Context, owner string, f JobFilter) ([]*ForecastJob, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	query := `
		SELECT` + jobColumns + `
		FROM forecast_jobs
		WHERE owner = $1 AND deleted_at IS NULL
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR id::text ILIKE '%' || $3 || '%' OR COALESCE(error_message, '') ILIKE '%' || $3 || '%')
		  AND ($4::timestamptz IS NULL OR queued_at >= $4)
		  AND ($5::timestamptz IS NULL OR queued_at < $5 + interval '1 day')
		ORDER BY queued_at DESC
		LIMIT $6 OFFSET $7`
	rows, err := r.pool.Query(ctx, query, owner, f.Status, f.Q, f.DateFrom, f.DateTo, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ForecastJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SoftDelete hides a terminal job from the owner's history. Active jobs are
// rejected with ErrConflict.
func (r *JobRepository) SoftDelete(ctx context.Context, id uuid.UUID, owner string) error {
	job, err := r.GetForOwner(ctx, id, owner)
	if err != nil {
		return err
	}
	if !IsTerminal(job.Status) {
		return ErrConflict
	}
	query := `
		UPDATE forecast_jobs
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND owner = $2 AND deleted_at IS NULL
		  AND status IN ('succeeded', 'failed', 'canceled')`
	return r.guarded(ctx, query, id, owner)
}
