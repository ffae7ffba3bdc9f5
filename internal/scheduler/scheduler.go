// Package scheduler is the orchestrator core (spec §4.5): it accepts
// submissions, runs one logical task per in-flight job, decomposes requests,
// spawns children, aggregates results, and propagates cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/leafexecutor"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/recursion"
	"github.com/ternarybob/recursion-orchestrator/internal/resources"
)

// SubmitRequest is the caller-facing shape of a new submission (spec §4.5.1).
type SubmitRequest struct {
	TaskDescription string
	WorkerCount     int
	Depth           int
	ParentJobID     *string
}

// Stats are process-lifetime counters exposed by the query surface
// (spec §4.5.5).
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// TreeNode is the recursive shape returned by Tree (spec §4.5.5).
type TreeNode struct {
	JobID    string
	Depth    int
	Status   models.JobStatus
	Children []*TreeNode
}

// errTimeout is the context.Cause set when a job's own wall-clock budget
// (spec §5) expires, distinguishing a timeout-induced failure from an
// operator-requested cancellation that both unwind through the same ctx.
var errTimeout = errors.New("job wall-clock budget expired")

type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler runs the per-job logical tasks described by spec §4.5. It holds
// the in-memory job graph (cancellation handles, not a duplicate of C4's
// state) alongside its persistent shadow in jobstore.
type Scheduler struct {
	jobStore    *jobstore.JobStore
	allocStore  *jobstore.AllocationStore
	workerStore *jobstore.WorkerStore
	logStore    *jobstore.JobLogStorage
	resources   *resources.Manager
	executor    leafexecutor.Executor
	logger      arbor.ILogger

	maxDepth       int
	workersByDepth map[int]int

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task

	submittedCount int64
	completedCount int64
	failedCount    int64
	cancelledCount int64
}

// New builds a Scheduler wired to its C2 (resources), C4 (jobstore), and C8
// (leaf executor) collaborators.
func New(jobStore *jobstore.JobStore, allocStore *jobstore.AllocationStore, workerStore *jobstore.WorkerStore, logStore *jobstore.JobLogStorage, mgr *resources.Manager, executor leafexecutor.Executor, maxDepth int, workersByDepth map[int]int, logger arbor.ILogger) *Scheduler {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobStore:       jobStore,
		allocStore:     allocStore,
		workerStore:    workerStore,
		logStore:       logStore,
		resources:      mgr,
		executor:       executor,
		logger:         logger,
		maxDepth:       maxDepth,
		workersByDepth: workersByDepth,
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		tasks:          make(map[string]*task),
	}
}

// logJob best-effort appends a debugging line to jobID's log trail. Never
// fails the caller's own operation: a logging failure is itself just logged.
func (s *Scheduler) logJob(jobID, message string) {
	if s.logStore == nil {
		return
	}
	entry := &models.JobLog{JobID: jobID, Message: message, CreatedAt: time.Now().UTC()}
	if err := s.logStore.AddJobLog(context.Background(), entry); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append job log")
	}
}

// Close cancels every in-flight task. Intended for process shutdown.
func (s *Scheduler) Close() {
	s.baseCancel()
}

// Submit validates and persists a new job, then enqueues its per-job task
// (spec §4.5.1).
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if l := len(req.TaskDescription); l < 1 || l > 4096 {
		return nil, apperrors.Validation(fmt.Sprintf("task_description length %d out of range [1, 4096]", l))
	}
	if req.Depth < 0 || req.Depth > s.maxDepth {
		return nil, apperrors.Validation(fmt.Sprintf("depth %d out of range [0, %d]", req.Depth, s.maxDepth))
	}

	var ancestorIDs []string
	if req.ParentJobID != nil {
		parent, err := s.jobStore.GetJob(ctx, *req.ParentJobID)
		if err != nil {
			return nil, err
		}
		if req.Depth != parent.Depth+1 {
			return nil, apperrors.Validation(fmt.Sprintf("depth %d does not match parent depth %d + 1", req.Depth, parent.Depth))
		}
		ancestorIDs, err = s.ancestorChain(ctx, parent)
		if err != nil {
			return nil, err
		}
		ancestorIDs = append(ancestorIDs, parent.ID)
	}

	// Ask C1. For a root submission the -1 current_depth the validator would
	// otherwise reject is bypassed: the only rule that applies is depth <=
	// MAX_DEPTH, which was already checked above.
	if req.ParentJobID != nil {
		decision := recursion.Validate(req.Depth-1, s.maxDepth, s.workersByDepth)
		if !decision.IsValid {
			return nil, apperrors.Validation(decision.ErrorMessage)
		}
	}

	now := time.Now().UTC()
	jobID := common.NewJobID()

	if recursion.DetectCircularReference(ancestorIDs, jobID) {
		return nil, apperrors.Validation("circular reference detected in job hierarchy")
	}

	job := &models.Job{
		ID:              jobID,
		ParentJobID:     req.ParentJobID,
		Depth:           req.Depth,
		TaskDescription: req.TaskDescription,
		WorkerCount:     req.WorkerCount,
		Status:          models.JobSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := job.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	job, err := s.jobStore.UpdateJobStatusAndLogTransition(ctx, job.ID, models.JobPending, nil, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to move job to pending: %w", err)
	}

	atomic.AddInt64(&s.submittedCount, 1)
	s.enqueue(job, ancestorIDs)

	return job, nil
}

// ancestorChain walks parent_job_id upward from job, returning ancestor ids
// root-first.
func (s *Scheduler) ancestorChain(ctx context.Context, job *models.Job) ([]string, error) {
	var chain []string
	current := job
	for current.ParentJobID != nil {
		parent, err := s.jobStore.GetJob(ctx, *current.ParentJobID)
		if err != nil {
			return nil, err
		}
		chain = append([]string{parent.ID}, chain...)
		current = parent
	}
	return chain, nil
}

// enqueue registers jobID's cancellation handle, arms its timeout watchdog,
// and starts its per-job task.
func (s *Scheduler) enqueue(job *models.Job, ancestorIDs []string) {
	taskCtx, cancel := context.WithCancelCause(s.baseCtx)
	done := make(chan struct{})

	s.mu.Lock()
	s.tasks[job.ID] = &task{cancel: cancel, done: done}
	s.mu.Unlock()

	budget := time.Duration(recursion.AdjustedTimeoutFor(job.Depth) * float64(time.Second))
	timer := time.AfterFunc(budget, func() { cancel(errTimeout) })

	common.SafeGoWithContext(taskCtx, s.logger, "job-"+job.ID, func() {
		defer timer.Stop()
		defer close(done)
		defer s.deregister(job.ID)
		defer s.resources.Cleanup(job.ID)
		s.runJob(taskCtx, job, ancestorIDs)
	})
}

func (s *Scheduler) deregister(jobID string) {
	s.mu.Lock()
	delete(s.tasks, jobID)
	s.mu.Unlock()
}

// awaitTask blocks until jobID's task has finished, or returns immediately
// if no such task is registered (already terminal).
func (s *Scheduler) awaitTask(jobID string) {
	s.mu.Lock()
	t, ok := s.tasks[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-t.done
}

// Cancel requests cooperative cancellation of jobID's task and waits for it
// to terminate (spec §4.5.3). Returns false if the job was already terminal
// or unknown.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel(context.Canceled)
	<-t.done
	return true
}

// Status returns the persisted snapshot of a job (spec §4.5.5).
func (s *Scheduler) Status(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobStore.GetJob(ctx, jobID)
}

// Tree returns jobID's recursive subtree (spec §4.5.5).
func (s *Scheduler) Tree(ctx context.Context, jobID string) (*TreeNode, error) {
	job, err := s.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.buildTree(ctx, job)
}

func (s *Scheduler) buildTree(ctx context.Context, job *models.Job) (*TreeNode, error) {
	node := &TreeNode{JobID: job.ID, Depth: job.Depth, Status: job.Status}

	children, err := s.jobStore.ListChildren(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNode, err := s.buildTree(ctx, child)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// Stats reports process-lifetime submission counters (spec §4.5.5).
func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&s.submittedCount),
		Completed: atomic.LoadInt64(&s.completedCount),
		Failed:    atomic.LoadInt64(&s.failedCount),
		Cancelled: atomic.LoadInt64(&s.cancelledCount),
	}
}

// SweepTimeouts recovers jobs left RUNNING by a process restart: their
// in-memory watchdog (enqueue's time.AfterFunc timer) died with the old
// process, so nothing would otherwise ever fail them. A job still tracked
// in s.tasks has a live watchdog and is left alone; only orphaned rows past
// their depth's adjusted budget are force-failed. Returns the count swept.
func (s *Scheduler) SweepTimeouts(ctx context.Context) (int, error) {
	jobs, err := s.jobStore.ListRunningJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	now := time.Now().UTC()
	swept := 0
	for _, job := range jobs {
		s.mu.Lock()
		_, tracked := s.tasks[job.ID]
		s.mu.Unlock()
		if tracked || job.StartedAt == nil {
			continue
		}

		budget := time.Duration(recursion.AdjustedTimeoutFor(job.Depth) * float64(time.Second))
		if now.Sub(*job.StartedAt) < budget {
			continue
		}

		reason := "timeout"
		if _, err := s.jobStore.UpdateJobStatusAndLogTransition(ctx, job.ID, models.JobFailed, &reason, now); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to sweep orphaned timed-out job")
			continue
		}
		if _, err := s.allocStore.DeleteAllocationsByJob(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to release allocations for swept job")
		}
		s.resources.Cleanup(job.ID)
		atomic.AddInt64(&s.failedCount, 1)
		swept++
	}
	return swept, nil
}

// runJob is the per-job task body (spec §4.5.2).
func (s *Scheduler) runJob(ctx context.Context, job *models.Job, ancestorIDs []string) {
	now := time.Now().UTC()
	job, err := s.jobStore.UpdateJobStatusAndLogTransition(ctx, job.ID, models.JobRunning, nil, now)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to transition job to running")
		return
	}

	finalStatus, reason := s.execute(ctx, job, ancestorIDs)
	s.finish(job.ID, finalStatus, reason)
}

func (s *Scheduler) execute(ctx context.Context, job *models.Job, ancestorIDs []string) (models.JobStatus, *string) {
	subTasks := decompose(job.TaskDescription)
	decision := recursion.Validate(job.Depth, s.maxDepth, s.workersByDepth)
	allowChildren := decision.IsValid
	childCap := decision.MaxWorkers

	var output map[string]interface{}
	var execErr error

	if len(subTasks) == 0 || !allowChildren {
		s.logJob(job.ID, "running as leaf: no further decomposition")
		output, execErr = s.runLeaf(ctx, job, ancestorIDs)
	} else {
		s.logJob(job.ID, fmt.Sprintf("decomposed into %d sub-tasks", len(subTasks)))
		output, execErr = s.runComposed(ctx, job, subTasks, childCap)
	}

	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errTimeout) {
			msg := "timeout"
			return models.JobFailed, &msg
		}
		return models.JobCancelled, nil
	}
	if execErr != nil {
		msg := execErr.Error()
		return models.JobFailed, &msg
	}

	if output != nil {
		if err := s.jobStore.SetJobOutput(context.Background(), job.ID, output); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job output")
		}
	}
	return models.JobCompleted, nil
}

// runLeaf acquires one worker slot, persists that grant so it survives a
// restart (spec §4.2), tracks a Worker row through idle -> running ->
// terminal across the call (spec §4.3's Worker graph, the allocation row
// being the ownership token per spec §5's shared-resources note), and
// finally invokes the LeafExecutor port.
func (s *Scheduler) runLeaf(ctx context.Context, job *models.Job, ancestorIDs []string) (map[string]interface{}, error) {
	alloc, scope, err := s.resources.ResourceScope(job.ID, job.Depth, 1)
	if err != nil {
		return nil, err
	}
	defer scope.Release()

	now := time.Now().UTC()
	if err := s.allocStore.CreateAllocation(ctx, &models.ResourceAllocation{
		JobID: job.ID, Depth: alloc.Depth, Requested: alloc.Requested, Granted: alloc.Granted,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist resource allocation")
	}
	defer func() {
		if _, err := s.allocStore.DeleteAllocationsByJob(context.Background(), job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to release persisted resource allocation")
		}
	}()

	worker := &models.Worker{
		ID:          common.NewWorkerID(),
		WorkspaceID: job.ID,
		Status:      models.WorkerIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.workerStore.CreateWorker(ctx, worker); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to create worker row")
	}
	if _, err := s.workerStore.UpdateWorkerStatusAndLogTransition(ctx, worker.ID, models.WorkerRunning, nil, time.Now().UTC()); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("failed to transition worker to running")
	}

	budget := time.Duration(recursion.AdjustedTimeoutFor(job.Depth) * float64(time.Second))
	deadline := job.CreatedAt.Add(budget)
	leafCtx := leafexecutor.Context{
		JobID:       job.ID,
		Depth:       job.Depth,
		AncestorIDs: ancestorIDs,
		Deadline:    deadline,
	}

	result, execErr := s.executor.Execute(ctx, job.TaskDescription, leafCtx)

	finalStatus := models.WorkerCompleted
	var workerReason *string
	switch {
	case ctx.Err() != nil:
		finalStatus = models.WorkerTerminated
	case execErr != nil:
		finalStatus = models.WorkerFailed
		msg := execErr.Error()
		workerReason = &msg
	}
	if _, err := s.workerStore.UpdateWorkerStatusAndLogTransition(context.Background(), worker.ID, finalStatus, workerReason, time.Now().UTC()); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("failed to transition worker to terminal state")
	}

	if execErr != nil {
		s.logJob(job.ID, fmt.Sprintf("leaf execution failed via worker %s: %s", worker.ID, execErr.Error()))
		return nil, apperrors.LeafExecutor(execErr)
	}

	s.logJob(job.ID, fmt.Sprintf("leaf executed via worker %s", worker.ID))
	return map[string]interface{}{
		"summary": result.Summary,
		"details": result.Details,
	}, nil
}

func (s *Scheduler) runComposed(ctx context.Context, job *models.Job, subTasks []string, childCap int) (map[string]interface{}, error) {
	if childCap < 1 {
		childCap = 1
	}
	sem := semaphore.NewWeighted(int64(childCap))

	var mu sync.Mutex
	var wg sync.WaitGroup
	var childIDs []string
	var errs []string

	parentID := job.ID
	for _, subTask := range subTasks {
		subTask := subTask

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context was cancelled while waiting for a child slot.
			break
		}

		child, err := s.Submit(ctx, SubmitRequest{
			TaskDescription: subTask,
			WorkerCount:     job.WorkerCount,
			Depth:           job.Depth + 1,
			ParentJobID:     &parentID,
		})
		if err != nil {
			sem.Release(1)
			mu.Lock()
			errs = append(errs, err.Error())
			mu.Unlock()
			continue
		}

		mu.Lock()
		childIDs = append(childIDs, child.ID)
		mu.Unlock()

		wg.Add(1)
		childID := child.ID
		common.SafeGo(s.logger, "await-child-"+childID, func() {
			defer wg.Done()
			defer sem.Release(1)

			s.awaitTask(childID)

			final, err := s.jobStore.GetJob(context.Background(), childID)
			if err != nil {
				return
			}
			if final.Status == models.JobFailed && final.Error != nil {
				mu.Lock()
				errs = append(errs, *final.Error)
				mu.Unlock()
			}
		})
	}

	// Cancellation is transitive down the tree (spec §4.5.3): a parent that
	// observes its own cancellation explicitly cancels every child it is
	// still awaiting, rather than relying on context inheritance, since each
	// child's task lifetime is independently rooted at the scheduler's base
	// context so it can outlive the originating HTTP request.
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		mu.Lock()
		toCancel := append([]string(nil), childIDs...)
		mu.Unlock()
		for _, id := range toCancel {
			s.Cancel(id)
		}
		<-waitDone
	}

	return map[string]interface{}{
		"children": childIDs,
		"errors":   errs,
	}, nil
}

// finish applies the terminal transition and updates process-lifetime
// counters. Cancellation propagation is cooperative: a cancelled parent's
// task, upon observing ctx.Done, returns JobCancelled from execute above;
// its children run under their own contexts rooted at the scheduler's base
// context and are cancelled explicitly by runComposed via Cancel.
func (s *Scheduler) finish(jobID string, status models.JobStatus, reason *string) {
	_, err := s.jobStore.UpdateJobStatusAndLogTransition(context.Background(), jobID, status, reason, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to apply terminal transition")
		return
	}

	switch status {
	case models.JobCompleted:
		atomic.AddInt64(&s.completedCount, 1)
	case models.JobFailed:
		atomic.AddInt64(&s.failedCount, 1)
	case models.JobCancelled:
		atomic.AddInt64(&s.cancelledCount, 1)
	}
}
