package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

func TestCanTransitionJob_LegalEdges(t *testing.T) {
	assert.True(t, CanTransitionJob(models.JobSubmitted, models.JobPending))
	assert.True(t, CanTransitionJob(models.JobPending, models.JobRunning))
	assert.True(t, CanTransitionJob(models.JobPending, models.JobCancelled))
	assert.True(t, CanTransitionJob(models.JobRunning, models.JobCompleted))
	assert.True(t, CanTransitionJob(models.JobRunning, models.JobFailed))
	assert.True(t, CanTransitionJob(models.JobRunning, models.JobCancelled))
}

func TestCanTransitionJob_TerminalHasNoEgress(t *testing.T) {
	for _, terminal := range []models.JobStatus{models.JobCompleted, models.JobFailed, models.JobCancelled} {
		assert.False(t, CanTransitionJob(terminal, models.JobRunning))
		assert.False(t, CanTransitionJob(terminal, models.JobPending))
	}
}

func TestCanTransitionJob_IllegalSkip(t *testing.T) {
	assert.False(t, CanTransitionJob(models.JobSubmitted, models.JobRunning))
}

func TestCanTransitionWorker_AnyNonTerminalToTerminated(t *testing.T) {
	assert.True(t, CanTransitionWorker(models.WorkerIdle, models.WorkerTerminated))
	assert.True(t, CanTransitionWorker(models.WorkerRunning, models.WorkerTerminated))
	assert.True(t, CanTransitionWorker(models.WorkerPaused, models.WorkerTerminated))
}

func TestCanTransitionWorker_RunningPausedCycle(t *testing.T) {
	assert.True(t, CanTransitionWorker(models.WorkerRunning, models.WorkerPaused))
	assert.True(t, CanTransitionWorker(models.WorkerPaused, models.WorkerRunning))
}

func TestApplyJobTransition_RunningSetsStartedAtOnce(t *testing.T) {
	job := &models.Job{ID: "job_1", Status: models.JobPending}
	now := time.Now()

	tr, err := ApplyJobTransition(job, models.JobRunning, nil, now)
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, now, *job.StartedAt)
	assert.Equal(t, "pending", tr.From)
	assert.Equal(t, "running", tr.To)
}

func TestApplyJobTransition_FailedRequiresReason(t *testing.T) {
	job := &models.Job{ID: "job_1", Status: models.JobRunning}

	_, err := ApplyJobTransition(job, models.JobFailed, nil, time.Now())
	require.Error(t, err)

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindValidation, ae.Kind)
}

func TestApplyJobTransition_FailedStoresReasonVerbatim(t *testing.T) {
	job := &models.Job{ID: "job_1", Status: models.JobRunning}
	reason := "leaf executor timed out"

	_, err := ApplyJobTransition(job, models.JobFailed, &reason, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Equal(t, reason, *job.Error)
	assert.NotNil(t, job.CompletedAt)
}

func TestApplyJobTransition_IllegalEdgeReturnsStateTransitionError(t *testing.T) {
	job := &models.Job{ID: "job_1", Status: models.JobCompleted}

	_, err := ApplyJobTransition(job, models.JobRunning, nil, time.Now())
	require.Error(t, err)

	ae, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindStateTransition, ae.Kind)
	assert.Equal(t, "job_1", ae.Detail["entity_id"])
}

func TestApplyWorkerTransition_UpdatesStatusAndTimestamp(t *testing.T) {
	worker := &models.Worker{ID: "worker_1", Status: models.WorkerIdle}
	now := time.Now()

	tr, err := ApplyWorkerTransition(worker, models.WorkerRunning, nil, now)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerRunning, worker.Status)
	assert.Equal(t, now, worker.UpdatedAt)
	assert.Equal(t, "idle", tr.From)
}
