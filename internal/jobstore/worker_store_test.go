package jobstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

func newMockWorkerStore(t *testing.T) (*WorkerStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := NewFromDB(sqlDB, common.GetLogger())
	return NewWorkerStore(db, common.GetLogger()), mock
}

func TestCreateWorker_ExecutesInsert(t *testing.T) {
	store, mock := newMockWorkerStore(t)
	now := time.Now().UTC()
	worker := &models.Worker{ID: "worker_1", WorkspaceID: "ws_1", Status: models.WorkerIdle, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("INSERT INTO workers").
		WithArgs(worker.ID, worker.WorkspaceID, worker.Status, worker.CreatedAt, worker.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateWorker(context.Background(), worker)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorker_ReturnsNotFoundWhenAbsent(t *testing.T) {
	store, mock := newMockWorkerStore(t)

	mock.ExpectQuery("SELECT (.+) FROM workers WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetWorker(context.Background(), "missing")

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNotFound, ae.Kind)
}

func TestUpdateWorkerStatusAndLogTransition_PersistsBothRows(t *testing.T) {
	store, mock := newMockWorkerStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "workspace_id", "status", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workers WHERE id = \\$1 FOR UPDATE").
		WithArgs("worker_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("worker_1", "ws_1", "idle", now, now))
	mock.ExpectExec("UPDATE workers SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO state_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	worker, err := store.UpdateWorkerStatusAndLogTransition(context.Background(), "worker_1", models.WorkerRunning, nil, now)

	require.NoError(t, err)
	assert.Equal(t, models.WorkerRunning, worker.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWorkerStatusAndLogTransition_RejectsIllegalEdge(t *testing.T) {
	store, mock := newMockWorkerStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "workspace_id", "status", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workers WHERE id = \\$1 FOR UPDATE").
		WithArgs("worker_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("worker_1", "ws_1", "terminated", now, now))
	mock.ExpectRollback()

	_, err := store.UpdateWorkerStatusAndLogTransition(context.Background(), "worker_1", models.WorkerRunning, nil, now)

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindStateTransition, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}
