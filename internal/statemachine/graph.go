// Package statemachine is the sole legal mutator of Job.Status and
// Worker.Status (spec §4.3): every transition is checked against an explicit
// graph and recorded as an append-only StateTransition row.
package statemachine

import "github.com/ternarybob/recursion-orchestrator/internal/models"

var jobGraph = map[models.JobStatus][]models.JobStatus{
	models.JobSubmitted: {models.JobPending},
	models.JobPending:   {models.JobRunning, models.JobCancelled},
	models.JobRunning:   {models.JobCompleted, models.JobFailed, models.JobCancelled},
	models.JobCompleted: {},
	models.JobFailed:    {},
	models.JobCancelled: {},
}

var workerGraph = map[models.WorkerStatus][]models.WorkerStatus{
	models.WorkerIdle:       {models.WorkerRunning, models.WorkerTerminated},
	models.WorkerRunning:    {models.WorkerPaused, models.WorkerCompleted, models.WorkerFailed, models.WorkerTerminated},
	models.WorkerPaused:     {models.WorkerRunning, models.WorkerTerminated},
	models.WorkerCompleted:  {},
	models.WorkerFailed:     {},
	models.WorkerTerminated: {},
}

// CanTransitionJob reports whether from -> to is a legal edge in the job
// status graph.
func CanTransitionJob(from, to models.JobStatus) bool {
	for _, allowed := range jobGraph[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionWorker reports whether from -> to is a legal edge in the
// worker status graph.
func CanTransitionWorker(from, to models.WorkerStatus) bool {
	for _, allowed := range workerGraph[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
