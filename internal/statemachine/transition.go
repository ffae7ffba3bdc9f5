package statemachine

import (
	"time"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// ApplyJobTransition validates from->to against the job graph, applies the
// §4.3 side effects to job in place, and returns the StateTransition row the
// caller must persist in the same transaction as the job update.
//
// reason is required when to is JobFailed and is stored verbatim in
// job.Error.
func ApplyJobTransition(job *models.Job, to models.JobStatus, reason *string, now time.Time) (*models.StateTransition, error) {
	from := job.Status

	if !CanTransitionJob(from, to) {
		return nil, apperrors.StateTransitionError(job.ID, string(from), string(to))
	}
	if to == models.JobFailed && (reason == nil || *reason == "") {
		return nil, apperrors.Validation("a failed transition requires a reason")
	}

	job.Status = to
	if to == models.JobRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if to.IsTerminal() {
		completed := now
		job.CompletedAt = &completed
	}
	if to == models.JobFailed {
		job.Error = reason
	}
	job.UpdatedAt = now

	return &models.StateTransition{
		Entity:   models.EntityJob,
		EntityID: job.ID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		At:       now,
	}, nil
}

// ApplyWorkerTransition validates from->to against the worker graph and
// applies it in place, returning the StateTransition row to persist
// alongside the worker update.
func ApplyWorkerTransition(worker *models.Worker, to models.WorkerStatus, reason *string, now time.Time) (*models.StateTransition, error) {
	from := worker.Status

	if !CanTransitionWorker(from, to) {
		return nil, apperrors.StateTransitionError(worker.ID, string(from), string(to))
	}

	worker.Status = to
	worker.UpdatedAt = now

	return &models.StateTransition{
		Entity:   models.EntityWorker,
		EntityID: worker.ID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		At:       now,
	}, nil
}
