package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/scheduler"
)

// JobsHandler serves the §6.1 job endpoints.
type JobsHandler struct {
	scheduler       *scheduler.Scheduler
	jobStore        *jobstore.JobStore
	idemStore       *jobstore.IdempotencyStore
	transitionStore *jobstore.TransitionStore
	logStore        *jobstore.JobLogStorage
	validate        *validator.Validate
	logger          arbor.ILogger
}

// NewJobsHandler builds a JobsHandler over the scheduler and its persistence.
func NewJobsHandler(sched *scheduler.Scheduler, jobStore *jobstore.JobStore, idemStore *jobstore.IdempotencyStore, transitionStore *jobstore.TransitionStore, logStore *jobstore.JobLogStorage, logger arbor.ILogger) *JobsHandler {
	return &JobsHandler{
		scheduler:       sched,
		jobStore:        jobStore,
		idemStore:       idemStore,
		transitionStore: transitionStore,
		logStore:        logStore,
		validate:        validator.New(),
		logger:          logger,
	}
}

// JobResponse is the wire shape of a job (spec §6.1).
type JobResponse struct {
	ID              string    `json:"id"`
	Depth           int       `json:"depth"`
	WorkerCount     int       `json:"worker_count"`
	TaskDescription string    `json:"task_description"`
	ParentJobID     *string   `json:"parent_job_id,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	// ProgressSummary is only set for jobs with children, generalizing the
	// teacher's formatProgressText counter string.
	ProgressSummary *string `json:"progress_summary,omitempty"`
}

// toJobResponse builds the wire shape for job, attaching a progress_summary
// computed from its direct children's status breakdown when it has any.
func (h *JobsHandler) toJobResponse(ctx context.Context, job *models.Job) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		Depth:           job.Depth,
		WorkerCount:     job.WorkerCount,
		TaskDescription: job.TaskDescription,
		ParentJobID:     job.ParentJobID,
		Status:          string(job.Status),
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}

	stats, err := h.jobStore.GetJobChildStats(ctx, job.ID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to compute child progress summary")
		return resp
	}
	if stats.Total > 0 {
		summary := fmt.Sprintf("%d pending, %d running, %d completed, %d failed",
			stats.Pending, stats.Running, stats.Completed, stats.Failed)
		resp.ProgressSummary = &summary
	}
	return resp
}

// SubmitJobRequest is the request body of POST /api/jobs/submit.
type SubmitJobRequest struct {
	TaskDescription string  `json:"task_description" validate:"required,min=1,max=4096"`
	WorkerCount     int     `json:"worker_count" validate:"required,min=1,max=1000"`
	Depth           int     `json:"depth" validate:"min=0,max=1000"`
	ParentJobID     *string `json:"parent_job_id,omitempty"`
}

// Submit handles POST /api/jobs/submit.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, apperrors.Validation("failed to read request body"))
		return
	}

	var req SubmitJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, apperrors.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, apperrors.Validation(err.Error()))
		return
	}

	HandleIdempotent(w, r, h.idemStore, body, func() (int, interface{}) {
		job, err := h.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
			TaskDescription: req.TaskDescription,
			WorkerCount:     req.WorkerCount,
			Depth:           req.Depth,
			ParentJobID:     req.ParentJobID,
		})
		if err != nil {
			status := apperrors.HTTPStatus(err)
			ae, ok := apperrors.As(err)
			message := "internal error"
			var detail map[string]interface{}
			if ok {
				message = ae.Message
				detail = ae.Detail
			}
			return status, errorBody{Error: message, Detail: detail}
		}
		return http.StatusCreated, h.toJobResponse(r.Context(), job)
	})
}

// jobIDFromPath extracts the {id} segment from "/api/jobs/{id}" or
// "/api/jobs/{id}/cancel", given the already-stripped prefix.
func jobIDFromPath(path, prefix, suffix string) string {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.TrimSuffix(trimmed, suffix)
	return strings.Trim(trimmed, "/")
}

// Get handles GET /api/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/api/jobs/", "")
	job, err := h.jobStore.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, h.toJobResponse(r.Context(), job))
}

// Cancel handles POST /api/jobs/{id}/cancel.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/api/jobs/", "/cancel")

	job, err := h.jobStore.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if job.Status.IsTerminal() {
		WriteError(w, apperrors.StateTransitionError(id, string(job.Status), string(models.JobCancelled)))
		return
	}

	h.scheduler.Cancel(id)

	updated, err := h.jobStore.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, h.toJobResponse(r.Context(), updated))
}

// List handles GET /api/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := jobstore.JobFilter{}
	if depthStr := query.Get("depth"); depthStr != "" {
		depth, err := strconv.Atoi(depthStr)
		if err != nil {
			WriteError(w, apperrors.Validation("depth must be an integer"))
			return
		}
		filter.Depth = &depth
	}
	if statusStr := query.Get("status"); statusStr != "" {
		status := models.JobStatus(statusStr)
		filter.Status = &status
	}
	if parentID := query.Get("parent_job_id"); parentID != "" {
		filter.ParentJobID = &parentID
	}

	page := jobstore.Pagination{Limit: 50, Offset: 0}
	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			WriteError(w, apperrors.Validation("limit must be an integer"))
			return
		}
		page.Limit = limit
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			WriteError(w, apperrors.Validation("offset must be an integer"))
			return
		}
		page.Offset = offset
	}

	jobs, err := h.jobStore.ListJobs(r.Context(), filter, page)
	if err != nil {
		WriteError(w, err)
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, h.toJobResponse(r.Context(), job))
	}
	_ = WriteJSON(w, http.StatusOK, out)
}

// transitionResponse is one row of GET /api/jobs/{id}/history.
type transitionResponse struct {
	Entity    string    `json:"entity"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    *string   `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// History handles GET /api/jobs/{id}/history, the durable audit trail spec
// §4.3 requires: the state_transitions rows recorded against this job,
// newest first, at most limit rows (100 when limit is not positive).
func (h *JobsHandler) History(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/api/jobs/", "/history")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			WriteError(w, apperrors.Validation("limit must be an integer"))
			return
		}
		limit = parsed
	}

	transitions, err := h.transitionStore.History(r.Context(), id, limit)
	if err != nil {
		WriteError(w, err)
		return
	}

	out := make([]transitionResponse, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, transitionResponse{
			Entity: string(t.Entity), From: string(t.From), To: string(t.To),
			Reason: t.Reason, OccurredAt: t.At,
		})
	}
	_ = WriteJSON(w, http.StatusOK, out)
}

// jobLogResponse is one row of GET /api/jobs/{id}/logs.
type jobLogResponse struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Logs handles GET /api/jobs/{id}/logs, the append-only debugging trail a
// job's decomposition and leaf executions write to (spec §4's "Supplemented
// features").
func (h *JobsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/api/jobs/", "/logs")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			WriteError(w, apperrors.Validation("limit must be an integer"))
			return
		}
		limit = parsed
	}

	logs, err := h.logStore.ListJobLogs(r.Context(), id, limit)
	if err != nil {
		WriteError(w, err)
		return
	}

	out := make([]jobLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, jobLogResponse{Message: l.Message, CreatedAt: l.CreatedAt})
	}
	_ = WriteJSON(w, http.StatusOK, out)
}
