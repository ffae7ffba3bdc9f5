package jobstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

func newMockAllocationStore(t *testing.T) (*AllocationStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := NewFromDB(sqlDB, common.GetLogger())
	return NewAllocationStore(db, common.GetLogger()), mock
}

func TestCreateAllocation_UpsertsOnConflict(t *testing.T) {
	store, mock := newMockAllocationStore(t)
	alloc := &models.ResourceAllocation{JobID: "job_1", Depth: 0, Requested: 4, Granted: 4}

	mock.ExpectExec("INSERT INTO resource_allocations").
		WithArgs(alloc.JobID, alloc.Depth, alloc.Requested, alloc.Granted).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateAllocation(context.Background(), alloc)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllocation_ReturnsNilWhenAbsent(t *testing.T) {
	store, mock := newMockAllocationStore(t)

	mock.ExpectQuery("SELECT (.+) FROM resource_allocations WHERE job_id = \\$1 AND depth = \\$2").
		WithArgs("job_1", 0).
		WillReturnError(sql.ErrNoRows)

	alloc, err := store.GetAllocation(context.Background(), "job_1", 0)

	require.NoError(t, err)
	assert.Nil(t, alloc)
}

func TestDeleteAllocationsByJob_ReturnsRowCount(t *testing.T) {
	store, mock := newMockAllocationStore(t)

	mock.ExpectExec("DELETE FROM resource_allocations WHERE job_id = \\$1").
		WithArgs("job_1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.DeleteAllocationsByJob(context.Background(), "job_1")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUsageByDepth_AggregatesGrantedAcrossDepths(t *testing.T) {
	store, mock := newMockAllocationStore(t)

	rows := sqlmock.NewRows([]string{"depth", "sum"}).
		AddRow(0, 7).
		AddRow(1, 3)

	mock.ExpectQuery("SELECT depth, COALESCE\\(SUM\\(granted\\), 0\\) FROM resource_allocations GROUP BY depth").
		WillReturnRows(rows)

	usage, err := store.UsageByDepth(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 7, usage[0])
	assert.Equal(t, 3, usage[1])
}
