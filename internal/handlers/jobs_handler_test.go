package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/leafexecutor"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/resources"
	"github.com/ternarybob/recursion-orchestrator/internal/scheduler"
)

func newTestJobsHandler(t *testing.T) (*JobsHandler, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := jobstore.NewFromDB(sqlDB, common.GetLogger())
	jobStore := jobstore.NewJobStore(db, common.GetLogger())
	idemStore := jobstore.NewIdempotencyStore(db, common.GetLogger())
	allocStore := jobstore.NewAllocationStore(db, common.GetLogger())
	workerStore := jobstore.NewWorkerStore(db, common.GetLogger())
	logStore := jobstore.NewJobLogStorage(db, common.GetLogger())
	transitionStore := jobstore.NewTransitionStore(db, common.GetLogger())

	mgr := resources.NewManager(map[int]int{0: 10})
	sched := scheduler.New(jobStore, allocStore, workerStore, logStore, mgr, leafexecutor.NewEchoExecutor(), 5, map[int]int{0: 10}, common.GetLogger())

	return NewJobsHandler(sched, jobStore, idemStore, transitionStore, logStore, common.GetLogger()), mock
}

var jobCols = []string{
	"id", "parent_job_id", "depth", "task_description", "worker_count", "status",
	"created_at", "updated_at", "started_at", "completed_at", "error", "output",
}

func sampleJobRow(rows *sqlmock.Rows, id string, status models.JobStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(id, nil, 0, "write a haiku", 1, string(status), now, now, nil, nil, nil, nil)
}

func TestJobsHandler_Submit_ValidationError(t *testing.T) {
	h, _ := newTestJobsHandler(t)

	body, _ := json.Marshal(SubmitJobRequest{TaskDescription: "", WorkerCount: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandler_Submit_Success(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	forUpdateRows := sampleJobRow(sqlmock.NewRows(jobCols), "job_1", models.JobSubmitted)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1 FOR UPDATE").WillReturnRows(forUpdateRows)
	mock.ExpectExec("UPDATE jobs SET status").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO state_transitions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body, _ := json.Marshal(SubmitJobRequest{TaskDescription: "write a haiku", WorkerCount: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var out JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "write a haiku", out.TaskDescription)
}

func TestJobsHandler_Get_NotFound(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	req.URL.Path = "/api/jobs/missing"
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsHandler_Get_Success(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	rows := sampleJobRow(sqlmock.NewRows(jobCols), "job_1", models.JobRunning)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_1", nil)
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "job_1", out.ID)
	assert.Equal(t, "running", out.Status)
}

func TestJobsHandler_Cancel_TerminalJobRejected(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	rows := sampleJobRow(sqlmock.NewRows(jobCols), "job_1", models.JobCompleted)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/job_1/cancel", nil)
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandler_List_BadDepthFilter(t *testing.T) {
	h, _ := newTestJobsHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?depth=nope", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandler_History_Success(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	now := time.Now().UTC()
	reason := "restart"
	rows := sqlmock.NewRows([]string{"id", "entity", "entity_id", "from_status", "to_status", "reason", "occurred_at"}).
		AddRow(1, "job", "job_1", "running", "failed", reason, now)
	mock.ExpectQuery("SELECT (.+) FROM state_transitions WHERE entity_id = \\$1").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_1/history", nil)
	rec := httptest.NewRecorder()
	h.History(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out []transitionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "failed", out[0].To)
}

func TestJobsHandler_Logs_Success(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "job_id", "message", "created_at"}).
		AddRow(1, "job_1", "leaf executed via worker w_1", now)
	mock.ExpectQuery("SELECT (.+) FROM job_logs WHERE job_id = \\$1").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job_1/logs", nil)
	rec := httptest.NewRecorder()
	h.Logs(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out []jobLogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Message, "leaf executed")
}

func TestJobsHandler_List_Success(t *testing.T) {
	h, mock := newTestJobsHandler(t)

	rows := sampleJobRow(sqlmock.NewRows(jobCols), "job_1", models.JobRunning)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE 1=1").WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var out []JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
}
