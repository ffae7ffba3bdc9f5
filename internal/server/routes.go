// -----------------------------------------------------------------------
// Last Modified: Monday, 27th July 2026 9:12:00 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import (
	"net/http"

	"github.com/ternarybob/recursion-orchestrator/internal/auth"
	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

// setupRoutes configures every HTTP route per spec §6. All routes below
// "/api/" except auth, health and shutdown are authenticated with the scope
// passed to scoped or requireScope.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	scoped := func(scope models.Scope, handler http.HandlerFunc) http.HandlerFunc {
		wrapped := auth.Middleware(s.app.Auth, scope)(handler)
		return wrapped.ServeHTTP
	}

	// Health (unauthenticated liveness probe)
	mux.HandleFunc("/api/health", s.healthHandler)

	// Auth (unauthenticated: these endpoints mint the tokens every other
	// route requires)
	mux.HandleFunc("/api/auth/register", s.app.AuthHandler.Register)
	mux.HandleFunc("/api/auth/login", s.app.AuthHandler.Login)

	// Jobs (spec §6.1)
	mux.HandleFunc("/api/jobs/submit", scoped(models.ScopeJobsWrite, s.app.JobsHandler.Submit))
	mux.HandleFunc("/api/jobs", scoped(models.ScopeJobsRead, s.app.JobsHandler.List))
	mux.HandleFunc("/api/jobs/", s.handleJobItemRoutes)

	// Resources (spec §6.2)
	mux.HandleFunc("/api/resources/quotas", scoped(models.ScopeResourcesRead, s.app.ResourcesHandler.Quotas))
	mux.HandleFunc("/api/resources/usage", scoped(models.ScopeResourcesRead, s.app.ResourcesHandler.Usage))
	mux.HandleFunc("/api/resources/allocate", scoped(models.ScopeResourcesWrite, s.app.ResourcesHandler.Allocate))
	mux.HandleFunc("/api/resources/release", scoped(models.ScopeResourcesWrite, s.app.ResourcesHandler.Release))

	// Hierarchy & stats (spec §6.3)
	mux.HandleFunc("/api/v1/recursion/hierarchy", scoped(models.ScopeSupervisorRead, s.app.RecursionHandler.Hierarchy))
	mux.HandleFunc("/api/v1/recursion/stats", scoped(models.ScopeSupervisorRead, s.app.RecursionHandler.Stats))
	mux.HandleFunc("/api/v1/recursion/validate", scoped(models.ScopeSupervisorRead, s.app.RecursionHandler.Validate))

	// Dev-mode graceful shutdown
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	return mux
}

// handleJobItemRoutes dispatches /api/jobs/{id}, /api/jobs/{id}/history and
// /api/jobs/{id}/logs (jobs:read) and /api/jobs/{id}/cancel (jobs:write).
func (s *Server) handleJobItemRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, "/api/jobs/", []PathSuffixRouter{
		{Suffix: "/cancel", Handler: s.requireScope(models.ScopeJobsWrite, s.app.JobsHandler.Cancel)},
		{Suffix: "/history", Handler: s.requireScope(models.ScopeJobsRead, s.app.JobsHandler.History)},
		{Suffix: "/logs", Handler: s.requireScope(models.ScopeJobsRead, s.app.JobsHandler.Logs)},
	}) {
		return
	}

	s.requireScope(models.ScopeJobsRead, s.app.JobsHandler.Get)(w, r)
}

// requireScope wraps handler in auth.Middleware for scope: it extracts and
// verifies the bearer token and checks the scope. The "/api/jobs/" pattern
// has no mux-level scope, so this is the only check on those routes.
func (s *Server) requireScope(scope models.Scope, handler http.HandlerFunc) http.HandlerFunc {
	return auth.Middleware(s.app.Auth, scope)(handler).ServeHTTP
}

// healthHandler is an unauthenticated liveness probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethodGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// RequireMethodGet is a small local guard kept distinct from
// handlers.RequireMethod since server has no dependency on that package.
func RequireMethodGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
