// Package models defines the persistent entities of the recursion orchestrator:
// Job, Worker, ResourceAllocation, StateTransition, IdempotencyKey.
package models

import (
	"fmt"
	"time"
)

// JobStatus is a node in the Job state graph (spec §4.3).
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status has no further legal transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a node in the recursive task tree.
type Job struct {
	ID              string
	ParentJobID     *string
	Depth           int
	TaskDescription string
	WorkerCount     int
	Status          JobStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Error           *string
	Output          map[string]interface{}
}

// Validate enforces the §3 structural invariants that don't depend on the parent record.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if l := len(j.TaskDescription); l < 1 || l > 4096 {
		return fmt.Errorf("task_description length %d out of range [1, 4096]", l)
	}
	if j.WorkerCount < 1 || j.WorkerCount > 1000 {
		return fmt.Errorf("worker_count %d out of range [1, 1000]", j.WorkerCount)
	}
	if j.Depth < 0 {
		return fmt.Errorf("depth cannot be negative")
	}
	if j.Depth == 0 && j.ParentJobID != nil {
		return fmt.Errorf("depth 0 jobs must not have a parent_job_id")
	}
	if j.Depth > 0 && j.ParentJobID == nil {
		return fmt.Errorf("non-root jobs require a parent_job_id")
	}
	return nil
}

// IsRoot reports whether this job has no parent.
func (j *Job) IsRoot() bool {
	return j.ParentJobID == nil
}
