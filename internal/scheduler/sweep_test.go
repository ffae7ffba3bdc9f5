package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/leafexecutor"
	"github.com/ternarybob/recursion-orchestrator/internal/resources"
)

var runningJobCols = []string{
	"id", "parent_job_id", "depth", "task_description", "worker_count", "status",
	"created_at", "updated_at", "started_at", "completed_at", "error", "output",
}

func newTestSchedulerWithDB(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := jobstore.NewFromDB(sqlDB, common.GetLogger())
	jobStore := jobstore.NewJobStore(db, common.GetLogger())
	allocStore := jobstore.NewAllocationStore(db, common.GetLogger())
	workerStore := jobstore.NewWorkerStore(db, common.GetLogger())
	logStore := jobstore.NewJobLogStorage(db, common.GetLogger())
	mgr := resources.NewManager(map[int]int{0: 10})

	return New(jobStore, allocStore, workerStore, logStore, mgr, leafexecutor.NewEchoExecutor(), 5, nil, common.GetLogger()), mock
}

func TestSweepTimeouts_FailsOrphanedJobPastBudget(t *testing.T) {
	s, mock := newTestSchedulerWithDB(t)

	started := time.Now().UTC().Add(-time.Hour)
	rows := sqlmock.NewRows(runningJobCols).AddRow(
		"job_1", nil, 0, "long task", 1, "running",
		started, started, started, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE status = \\$1").WillReturnRows(rows)

	mock.ExpectBegin()
	forUpdate := sqlmock.NewRows(runningJobCols).AddRow(
		"job_1", nil, 0, "long task", 1, "running",
		started, started, started, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1 FOR UPDATE").WillReturnRows(forUpdate)
	mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO state_transitions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec("DELETE FROM resource_allocations WHERE job_id = \\$1").WillReturnResult(sqlmock.NewResult(0, 1))

	swept, err := s.SweepTimeouts(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestSweepTimeouts_SkipsJobWithinBudget(t *testing.T) {
	s, mock := newTestSchedulerWithDB(t)

	started := time.Now().UTC()
	rows := sqlmock.NewRows(runningJobCols).AddRow(
		"job_2", nil, 0, "fresh task", 1, "running",
		started, started, started, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE status = \\$1").WillReturnRows(rows)

	swept, err := s.SweepTimeouts(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestSweepTimeouts_SkipsTrackedJob(t *testing.T) {
	s, mock := newTestSchedulerWithDB(t)

	started := time.Now().UTC().Add(-time.Hour)
	rows := sqlmock.NewRows(runningJobCols).AddRow(
		"job_3", nil, 0, "tracked task", 1, "running",
		started, started, started, nil, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE status = \\$1").WillReturnRows(rows)

	s.mu.Lock()
	s.tasks["job_3"] = &task{done: make(chan struct{})}
	s.mu.Unlock()

	swept, err := s.SweepTimeouts(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
