// Package recursion implements the pure depth-bound and cycle-detection
// rules a job must satisfy before the scheduler spawns children for it.
package recursion

import "math"

// DefaultMaxDepth is used when the runtime config carries no override.
const DefaultMaxDepth = 5

// baseTimeoutSeconds is the depth-0 wall-clock budget; later depths scale by
// 1.5^depth, so each deeper level gets a budget 1.5 times larger.
const baseTimeoutSeconds = 300.0

// defaultWorkersByDepth is the fallback quota table when the caller supplies
// no depth-specific entry.
var defaultWorkersByDepth = map[int]int{
	0: 10,
	1: 8,
	2: 5,
	3: 3,
	4: 2,
	5: 1,
}

// Decision is the result of validating a step from current_depth to
// current_depth+1.
type Decision struct {
	IsValid         bool
	AdjustedTimeout float64
	MaxWorkers      int
	ErrorMessage    string
}

// Validate decides whether a job may spawn a child at currentDepth+1.
// Pure: identical inputs always produce an identical Decision.
func Validate(currentDepth, maxDepth int, workersByDepth map[int]int) Decision {
	nextDepth := currentDepth + 1

	if currentDepth < 0 || maxDepth < 0 {
		return Decision{
			IsValid:      false,
			ErrorMessage: "current_depth and max_depth must be non-negative",
		}
	}
	if currentDepth >= maxDepth {
		return Decision{
			IsValid:      false,
			ErrorMessage: "depth limit reached: cannot descend past max_depth",
		}
	}

	return Decision{
		IsValid:         true,
		AdjustedTimeout: baseTimeoutSeconds * math.Pow(1.5, float64(nextDepth)),
		MaxWorkers:      maxWorkersFor(nextDepth, workersByDepth),
	}
}

// AdjustedTimeoutFor returns the wall-clock budget (seconds) for a job at
// depth, independent of any validity check — used by the scheduler to size
// a job's own timeout watchdog (spec §5's "Timeouts" paragraph).
func AdjustedTimeoutFor(depth int) float64 {
	return baseTimeoutSeconds * math.Pow(1.5, float64(depth))
}

func maxWorkersFor(depth int, workersByDepth map[int]int) int {
	if workersByDepth != nil {
		if w, ok := workersByDepth[depth]; ok {
			return w
		}
	}
	if w, ok := defaultWorkersByDepth[depth]; ok {
		return w
	}
	return 1
}

// DetectCircularReference reports whether candidateID already appears among
// ancestorIDs. The scheduler must call this before enqueuing any sub-job
// whose id it did not itself mint fresh.
func DetectCircularReference(ancestorIDs []string, candidateID string) bool {
	for _, id := range ancestorIDs {
		if id == candidateID {
			return true
		}
	}
	return false
}
