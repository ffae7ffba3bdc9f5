package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/statemachine"
)

// WorkerStore is the transactional CRUD surface for Worker rows.
type WorkerStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewWorkerStore builds a WorkerStore over an already-open connection pool.
func NewWorkerStore(db *DB, logger arbor.ILogger) *WorkerStore {
	return &WorkerStore{db: db, logger: logger}
}

// CreateWorker inserts a new worker row in the idle state.
func (s *WorkerStore) CreateWorker(ctx context.Context, worker *models.Worker) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO workers (id, workspace_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, worker.ID, worker.WorkspaceID, worker.Status, worker.CreatedAt, worker.UpdatedAt)
	return err
}

// GetWorker fetches a worker by id, returning apperrors.NotFound when absent.
func (s *WorkerStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := s.db.sql.QueryRowContext(ctx, `
		SELECT id, workspace_id, status, created_at, updated_at FROM workers WHERE id = $1
	`, id)

	worker, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("worker", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan worker %s: %w", id, err)
	}
	return worker, nil
}

// UpdateWorkerStatusAndLogTransition loads the worker, applies the requested
// transition, and persists both the updated row and the transition log
// entry in one transaction.
func (s *WorkerStore) UpdateWorkerStatusAndLogTransition(ctx context.Context, workerID string, to models.WorkerStatus, reason *string, now time.Time) (*models.Worker, error) {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, status, created_at, updated_at FROM workers WHERE id = $1 FOR UPDATE
	`, workerID)

	worker, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("worker", workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}

	transition, err := statemachine.ApplyWorkerTransition(worker, to, reason, now)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workers SET status = $1, updated_at = $2 WHERE id = $3
	`, worker.Status, worker.UpdatedAt, workerID); err != nil {
		return nil, fmt.Errorf("failed to update worker %s: %w", workerID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (entity, entity_id, from_status, to_status, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, transition.Entity, transition.EntityID, transition.From, transition.To, transition.Reason, transition.At); err != nil {
		return nil, fmt.Errorf("failed to log worker transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit worker transition: %w", err)
	}

	return worker, nil
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var worker models.Worker
	var status string
	if err := row.Scan(&worker.ID, &worker.WorkspaceID, &status, &worker.CreatedAt, &worker.UpdatedAt); err != nil {
		return nil, err
	}
	worker.Status = models.WorkerStatus(status)
	return &worker, nil
}
