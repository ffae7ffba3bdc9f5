package jobstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// AllocationStore persists the durable record of resources.Manager grants so
// allocations survive a process restart and are auditable via the API
// (spec §4.2, §6.2).
type AllocationStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewAllocationStore builds an AllocationStore over an already-open pool.
func NewAllocationStore(db *DB, logger arbor.ILogger) *AllocationStore {
	return &AllocationStore{db: db, logger: logger}
}

// CreateAllocation records a grant. A second call for the same (job_id,
// depth) replaces the prior row, matching the "at most one active row per
// (JobID, Depth)" invariant on models.ResourceAllocation.
func (s *AllocationStore) CreateAllocation(ctx context.Context, alloc *models.ResourceAllocation) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO resource_allocations (job_id, depth, requested, granted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, depth) DO UPDATE SET requested = $3, granted = $4
	`, alloc.JobID, alloc.Depth, alloc.Requested, alloc.Granted)
	return err
}

// GetAllocation fetches the allocation row for (jobID, depth), returning
// (nil, nil) when no such row exists.
func (s *AllocationStore) GetAllocation(ctx context.Context, jobID string, depth int) (*models.ResourceAllocation, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT job_id, depth, requested, granted FROM resource_allocations WHERE job_id = $1 AND depth = $2
	`, jobID, depth)

	var alloc models.ResourceAllocation
	err := row.Scan(&alloc.JobID, &alloc.Depth, &alloc.Requested, &alloc.Granted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocation for job %s depth %d: %w", jobID, depth, err)
	}
	return &alloc, nil
}

// DeleteAllocationsByJob removes every allocation row owned by jobID,
// mirroring resources.Manager.Cleanup for the durable copy. Returns the
// number of rows removed.
func (s *AllocationStore) DeleteAllocationsByJob(ctx context.Context, jobID string) (int, error) {
	result, err := s.db.sql.ExecContext(ctx, `DELETE FROM resource_allocations WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete allocations for job %s: %w", jobID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// UsageByDepth sums granted allocations per depth, the durable counterpart
// of resources.Manager.Usage (spec §4.2 "depth_usage" invariant).
func (s *AllocationStore) UsageByDepth(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT depth, COALESCE(SUM(granted), 0) FROM resource_allocations GROUP BY depth
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate allocation usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[int]int)
	for rows.Next() {
		var depth, granted int
		if err := rows.Scan(&depth, &granted); err != nil {
			return nil, err
		}
		usage[depth] = granted
	}
	return usage, rows.Err()
}
