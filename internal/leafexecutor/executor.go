// Package leafexecutor defines the narrow port the scheduler calls when a
// job has no sub-tasks left to decompose (spec §6.4), plus a deterministic
// default implementation suitable for tests and for deployments that have
// not wired in a real backend.
package leafexecutor

import (
	"context"
	"strings"
	"time"
)

// Context carries everything the leaf executor needs to know about the
// calling job, without exposing the scheduler's internals.
type Context struct {
	JobID       string
	Depth       int
	AncestorIDs []string
	Deadline    time.Time
}

// Result is the opaque structured outcome of a leaf execution. Summary is
// always truncated to 100 characters per spec §6.4.
type Result struct {
	Summary string
	Details map[string]interface{}
}

// Executor is the port the scheduler invokes for every leaf job.
// Implementations must be safe for concurrent use and must respect
// ctx cancellation promptly: the scheduler's cooperative-cancellation
// guarantee (spec §5) depends on it.
type Executor interface {
	Execute(ctx context.Context, request string, leafCtx Context) (Result, error)
}

const maxSummaryLen = 100

// Truncate shortens s to at most maxSummaryLen characters, appending an
// ellipsis if anything was cut. Shared by every Executor implementation so
// the 100-char bound in spec §6.4 is enforced in exactly one place.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxSummaryLen {
		return s
	}
	return string(r[:maxSummaryLen-1]) + "…"
}

// EchoExecutor is the deterministic default: it performs no external call
// and summarizes the request text itself. Grounded on the "write a haiku"
// walkthrough in spec §8, where the leaf's output is just a short echo of
// what was asked.
type EchoExecutor struct{}

// NewEchoExecutor builds the zero-dependency default executor.
func NewEchoExecutor() *EchoExecutor {
	return &EchoExecutor{}
}

// Execute returns a summary derived from request with no side effects.
func (e *EchoExecutor) Execute(ctx context.Context, request string, leafCtx Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	summary := Truncate(request)
	return Result{
		Summary: summary,
		Details: map[string]interface{}{
			"job_id": leafCtx.JobID,
			"depth":  leafCtx.Depth,
		},
	}, nil
}
