package models

import "time"

// WorkerStatus is a node in the Worker state graph (spec §4.3).
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerRunning    WorkerStatus = "running"
	WorkerPaused     WorkerStatus = "paused"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
	WorkerTerminated WorkerStatus = "terminated"
)

// IsTerminal reports whether status has no further legal transitions.
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerTerminated:
		return true
	default:
		return false
	}
}

// Worker is a unit of execution capacity consumed by jobs through allocations.
type Worker struct {
	ID          string
	WorkspaceID string
	Status      WorkerStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResourceAllocation grants a job some number of worker slots at a depth.
// Uniqueness: at most one active row per (JobID, Depth).
type ResourceAllocation struct {
	JobID     string
	Depth     int
	Requested int
	Granted   int
}
