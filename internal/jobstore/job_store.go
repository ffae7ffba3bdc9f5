package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/statemachine"
)

// JobStore is the transactional CRUD surface for jobs and the
// state-transition rows of their status changes (spec §4.4). Workers,
// allocations and idempotency keys have their own stores in this package.
type JobStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewJobStore builds a JobStore over an already-open connection pool.
func NewJobStore(db *DB, logger arbor.ILogger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// JobFilter narrows ListJobs to a subset of the tree.
type JobFilter struct {
	Depth       *int
	Status      *models.JobStatus
	ParentJobID *string
}

// Pagination bounds a ListJobs call per spec §4.4 ("limit ∈ [1, 500],
// offset ≥ 0").
type Pagination struct {
	Limit  int
	Offset int
}

// CreateJob inserts a new job row. Callers must have already run
// Job.Validate.
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) error {
	outputJSON, err := marshalOutput(job.Output)
	if err != nil {
		return fmt.Errorf("failed to serialize job output: %w", err)
	}

	op := func() error {
		_, err := s.db.sql.ExecContext(ctx, `
			INSERT INTO jobs (id, parent_job_id, depth, task_description,
				worker_count, status, created_at, updated_at, started_at, completed_at, error, output)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			job.ID, job.ParentJobID, job.Depth, job.TaskDescription,
			job.WorkerCount, job.Status, job.CreatedAt, job.UpdatedAt,
			job.StartedAt, job.CompletedAt, job.Error, outputJSON,
		)
		return err
	}

	return retryWithExponentialBackoff(ctx, op, 3, 100*time.Millisecond, s.logger)
}

// GetJob fetches a job by id, returning apperrors.NotFound when absent.
func (s *JobStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, parent_job_id, depth, task_description, worker_count, status,
			created_at, updated_at, started_at, completed_at, error, output
		FROM jobs WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest-created-first, honoring
// pagination.
func (s *JobStore) ListJobs(ctx context.Context, filter JobFilter, page Pagination) ([]*models.Job, error) {
	if page.Limit < 1 || page.Limit > 500 {
		return nil, apperrors.Validation("limit must be in [1, 500]")
	}
	if page.Offset < 0 {
		return nil, apperrors.Validation("offset must be >= 0")
	}

	query := `
		SELECT id, parent_job_id, depth, task_description, worker_count, status,
			created_at, updated_at, started_at, completed_at, error, output
		FROM jobs WHERE 1=1
	`
	var args []interface{}
	argN := 1

	if filter.Depth != nil {
		query += fmt.Sprintf(" AND depth = $%d", argN)
		args = append(args, *filter.Depth)
		argN++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(*filter.Status))
		argN++
	}
	if filter.ParentJobID != nil {
		query += fmt.Sprintf(" AND parent_job_id = $%d", argN)
		args = append(args, *filter.ParentJobID)
		argN++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListRunningJobs returns every job currently in the running state,
// regardless of depth or parent. Used by the periodic timeout sweep to
// recover jobs whose in-memory watchdog was lost to a process restart.
func (s *JobStore) ListRunningJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, parent_job_id, depth, task_description, worker_count, status,
			created_at, updated_at, started_at, completed_at, error, output
		FROM jobs WHERE status = $1
	`, string(models.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatusAndLogTransition loads the job, applies the requested
// transition, and persists both the updated job row and the append-only
// StateTransition row in a single database transaction.
func (s *JobStore) UpdateJobStatusAndLogTransition(ctx context.Context, jobID string, to models.JobStatus, reason *string, now time.Time) (*models.Job, error) {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, parent_job_id, depth, task_description, worker_count, status,
			created_at, updated_at, started_at, completed_at, error, output
		FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	transition, err := statemachine.ApplyJobTransition(job, to, reason, now)
	if err != nil {
		return nil, err
	}

	outputJSON, err := marshalOutput(job.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize job output: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2, started_at = $3, completed_at = $4, error = $5, output = $6
		WHERE id = $7
	`, job.Status, job.UpdatedAt, job.StartedAt, job.CompletedAt, job.Error, outputJSON, jobID); err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (entity, entity_id, from_status, to_status, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, transition.Entity, transition.EntityID, transition.From, transition.To, transition.Reason, transition.At); err != nil {
		return nil, fmt.Errorf("failed to log job transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job transition: %w", err)
	}

	return job, nil
}

// SetJobOutput persists a job's terminal output without changing status;
// used by the scheduler to record a composed branch's aggregated summary
// just before transitioning to completed.
func (s *JobStore) SetJobOutput(ctx context.Context, jobID string, output map[string]interface{}) error {
	outputJSON, err := marshalOutput(output)
	if err != nil {
		return fmt.Errorf("failed to serialize job output: %w", err)
	}
	_, err = s.db.sql.ExecContext(ctx, `UPDATE jobs SET output = $1 WHERE id = $2`, outputJSON, jobID)
	return err
}

// ChildStats aggregates the terminal/nonterminal status counts of a job's
// direct children, used for the progress_summary of a job response.
type ChildStats struct {
	Total     int
	Completed int
	Failed    int
	Running   int
	Pending   int
	Cancelled int
}

// GetJobChildStats computes ChildStats for parentID's direct children.
func (s *JobStore) GetJobChildStats(ctx context.Context, parentID string) (ChildStats, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE parent_job_id = $1 GROUP BY status
	`, parentID)
	if err != nil {
		return ChildStats{}, fmt.Errorf("failed to aggregate child stats: %w", err)
	}
	defer rows.Close()

	var stats ChildStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ChildStats{}, err
		}
		stats.Total += count
		switch models.JobStatus(status) {
		case models.JobCompleted:
			stats.Completed = count
		case models.JobFailed:
			stats.Failed = count
		case models.JobRunning:
			stats.Running = count
		case models.JobPending, models.JobSubmitted:
			stats.Pending += count
		case models.JobCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// ListChildren returns every direct child of parentID, used by the
// recursive tree() query.
func (s *JobStore) ListChildren(ctx context.Context, parentID string) ([]*models.Job, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, parent_job_id, depth, task_description, worker_count, status,
			created_at, updated_at, started_at, completed_at, error, output
		FROM jobs WHERE parent_job_id = $1 ORDER BY created_at ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var children []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, job)
	}
	return children, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var outputJSON []byte
	var status string

	err := row.Scan(
		&job.ID, &job.ParentJobID, &job.Depth, &job.TaskDescription, &job.WorkerCount, &status,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt, &job.Error, &outputJSON,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)

	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.Output); err != nil {
			return nil, fmt.Errorf("failed to parse job output: %w", err)
		}
	}
	return &job, nil
}

func marshalOutput(output map[string]interface{}) ([]byte, error) {
	if output == nil {
		return []byte("null"), nil
	}
	return json.Marshal(output)
}
