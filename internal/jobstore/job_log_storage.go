package jobstore

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// JobLogStorage is the append-only per-job debugging trail: lighter-weight
// than StateTransition, used to record decomposition decisions and leaf
// outcomes without implying a state-graph edge.
type JobLogStorage struct {
	db     *DB
	logger arbor.ILogger
}

// NewJobLogStorage builds a JobLogStorage over an already-open pool.
func NewJobLogStorage(db *DB, logger arbor.ILogger) *JobLogStorage {
	return &JobLogStorage{db: db, logger: logger}
}

// AddJobLog appends one log line for jobID. Failures are non-fatal to the
// caller's own operation, so callers typically log-and-continue on error.
func (s *JobLogStorage) AddJobLog(ctx context.Context, log *models.JobLog) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, message, created_at)
		VALUES ($1, $2, $3)
	`, log.JobID, log.Message, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append job log for %s: %w", log.JobID, err)
	}
	return nil
}

// ListJobLogs returns jobID's log lines, newest-first, capped at limit rows.
func (s *JobLogStorage) ListJobLogs(ctx context.Context, jobID string, limit int) ([]*models.JobLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT id, job_id, message, created_at
		FROM job_logs
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs for %s: %w", jobID, err)
	}
	defer rows.Close()

	var logs []*models.JobLog
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
