package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
	"github.com/ternarybob/recursion-orchestrator/internal/resources"
)

// ResourcesHandler serves the §6.2 resource-quota endpoints.
type ResourcesHandler struct {
	resources  *resources.Manager
	allocStore *jobstore.AllocationStore
	validate   *validator.Validate
	logger     arbor.ILogger
}

// NewResourcesHandler builds a ResourcesHandler over a resources.Manager and
// the durable allocation store that shadows it (spec §5).
func NewResourcesHandler(mgr *resources.Manager, allocStore *jobstore.AllocationStore, logger arbor.ILogger) *ResourcesHandler {
	return &ResourcesHandler{resources: mgr, allocStore: allocStore, validate: validator.New(), logger: logger}
}

// quotaEntry is one row of GET /api/resources/quotas.
type quotaEntry struct {
	Depth      int `json:"depth"`
	MaxWorkers int `json:"max_workers"`
}

// Quotas handles GET /api/resources/quotas.
func (h *ResourcesHandler) Quotas(w http.ResponseWriter, r *http.Request) {
	usage := h.resources.Usage()
	out := make([]quotaEntry, 0, len(usage))
	for _, u := range usage {
		out = append(out, quotaEntry{Depth: u.Depth, MaxWorkers: u.Quota})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	_ = WriteJSON(w, http.StatusOK, out)
}

// allocateRequest is the body of POST /api/resources/allocate.
type allocateRequest struct {
	JobID       string `json:"job_id" validate:"required"`
	Depth       int    `json:"depth" validate:"min=0"`
	WorkerCount int    `json:"worker_count" validate:"required,min=1"`
}

// allocateResponse is the body returned by a successful allocate call.
type allocateResponse struct {
	JobID     string `json:"job_id"`
	Depth     int    `json:"depth"`
	Requested int    `json:"requested"`
	Granted   int    `json:"granted"`
}

// Allocate handles POST /api/resources/allocate.
func (h *ResourcesHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, apperrors.Validation("failed to read request body"))
		return
	}

	var req allocateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, apperrors.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, apperrors.Validation(err.Error()))
		return
	}

	alloc, err := h.resources.Allocate(req.JobID, req.Depth, req.WorkerCount)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err := h.allocStore.CreateAllocation(r.Context(), &models.ResourceAllocation{
		JobID: alloc.JobID, Depth: alloc.Depth, Requested: alloc.Requested, Granted: alloc.Granted,
	}); err != nil {
		h.logger.Warn().Err(err).Str("job_id", alloc.JobID).Msg("failed to persist resource allocation")
	}

	_ = WriteJSON(w, http.StatusCreated, allocateResponse{
		JobID:     alloc.JobID,
		Depth:     alloc.Depth,
		Requested: alloc.Requested,
		Granted:   alloc.Granted,
	})
}

// releaseRequest is the body of POST /api/resources/release.
type releaseRequest struct {
	JobID string `json:"job_id" validate:"required"`
	Depth int    `json:"depth" validate:"min=0"`
}

// releaseResponse is the body returned by a release call.
type releaseResponse struct {
	JobID    string `json:"job_id"`
	Depth    int    `json:"depth"`
	Released bool   `json:"released"`
}

// Release handles POST /api/resources/release.
func (h *ResourcesHandler) Release(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, apperrors.Validation("failed to read request body"))
		return
	}

	var req releaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, apperrors.Validation("malformed request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, apperrors.Validation(err.Error()))
		return
	}

	released := h.resources.Release(req.JobID, req.Depth)
	_ = WriteJSON(w, http.StatusOK, releaseResponse{JobID: req.JobID, Depth: req.Depth, Released: released})
}

// usageEntry is one row of GET /api/resources/usage. Persisted mirrors the
// durable AllocationStore count for the depth, which should track Allocated
// except for the brief window between an in-memory grant/release and its
// durable write landing.
type usageEntry struct {
	Depth     int `json:"depth"`
	Allocated int `json:"allocated"`
	Available int `json:"available"`
	Persisted int `json:"persisted"`
}

// Usage handles GET /api/resources/usage.
func (h *ResourcesHandler) Usage(w http.ResponseWriter, r *http.Request) {
	usage := h.resources.Usage()

	persisted, err := h.allocStore.UsageByDepth(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to read persisted allocation usage")
		persisted = nil
	}

	out := make([]usageEntry, 0, len(usage))
	for _, u := range usage {
		available := u.Quota - u.Used
		if available < 0 {
			available = 0
		}
		out = append(out, usageEntry{Depth: u.Depth, Allocated: u.Used, Available: available, Persisted: persisted[u.Depth]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	_ = WriteJSON(w, http.StatusOK, out)
}
