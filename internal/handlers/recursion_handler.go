package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
	"github.com/ternarybob/recursion-orchestrator/internal/recursion"
	"github.com/ternarybob/recursion-orchestrator/internal/resources"
	"github.com/ternarybob/recursion-orchestrator/internal/scheduler"
)

// RecursionHandler serves the §6.3 hierarchy & stats endpoints.
type RecursionHandler struct {
	scheduler      *scheduler.Scheduler
	resources      *resources.Manager
	maxDepth       int
	workersByDepth map[int]int
	logger         arbor.ILogger
}

// NewRecursionHandler builds a RecursionHandler over the scheduler and
// resource manager it reports on.
func NewRecursionHandler(sched *scheduler.Scheduler, mgr *resources.Manager, maxDepth int, workersByDepth map[int]int, logger arbor.ILogger) *RecursionHandler {
	return &RecursionHandler{
		scheduler:      sched,
		resources:      mgr,
		maxDepth:       maxDepth,
		workersByDepth: workersByDepth,
		logger:         logger,
	}
}

// usageObj is the per-depth shape nested under hierarchyResponse.Usage.
type usageObj struct {
	Used   int  `json:"used"`
	Quota  int  `json:"quota"`
	Warn80 bool `json:"warn80"`
	Warn90 bool `json:"warn90"`
}

// hierarchyResponse is the body of GET /api/v1/recursion/hierarchy.
type hierarchyResponse struct {
	Usage      map[int]usageObj `json:"usage"`
	ActiveJobs int              `json:"active_jobs"`
}

// Hierarchy handles GET /api/v1/recursion/hierarchy.
func (h *RecursionHandler) Hierarchy(w http.ResponseWriter, r *http.Request) {
	usage := h.resources.Usage()
	byDepth := make(map[int]usageObj, len(usage))
	activeJobs := 0
	for _, u := range usage {
		byDepth[u.Depth] = usageObj{Used: u.Used, Quota: u.Quota, Warn80: u.Warn80, Warn90: u.Warn90}
		activeJobs += u.Used
	}
	_ = WriteJSON(w, http.StatusOK, hierarchyResponse{Usage: byDepth, ActiveJobs: activeJobs})
}

// statsResponse is the body of GET /api/v1/recursion/stats.
type statsResponse struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Stats handles GET /api/v1/recursion/stats.
func (h *RecursionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.scheduler.Stats()
	_ = WriteJSON(w, http.StatusOK, statsResponse{
		Submitted: stats.Submitted,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Cancelled: stats.Cancelled,
	})
}

// validateRequest is the body of POST /api/v1/recursion/validate: a
// proposed recursion step, optionally carrying the ancestor chain so a
// circular reference can be checked alongside the depth bound.
type validateRequest struct {
	CurrentDepth int      `json:"current_depth"`
	AncestorIDs  []string `json:"ancestor_ids,omitempty"`
	CandidateID  string   `json:"candidate_id,omitempty"`
}

// validateResponse is the body returned by Validate.
type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Validate handles POST /api/v1/recursion/validate. It has no side
// effects: it reports what Submit would decide without calling it.
func (h *RecursionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, apperrors.Validation("failed to read request body"))
		return
	}

	var req validateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, apperrors.Validation("malformed request body"))
		return
	}

	if req.CandidateID != "" && recursion.DetectCircularReference(req.AncestorIDs, req.CandidateID) {
		_ = WriteJSON(w, http.StatusOK, validateResponse{Valid: false, Reason: "circular reference: candidate already present in ancestor chain"})
		return
	}

	decision := recursion.Validate(req.CurrentDepth, h.maxDepth, h.workersByDepth)
	_ = WriteJSON(w, http.StatusOK, validateResponse{Valid: decision.IsValid, Reason: decision.ErrorMessage})
}
