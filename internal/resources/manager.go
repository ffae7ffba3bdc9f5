// Package resources implements the depth-scoped worker quota bookkeeping
// described by spec §4.2: atomic allocate/release under a single guarded
// table, with RAII-style scoped acquisition for callers that want
// release-on-exit semantics.
package resources

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/recursion-orchestrator/internal/apperrors"
)

// Allocation is a granted reservation of worker slots for a job at a depth.
type Allocation struct {
	JobID     string
	Depth     int
	Requested int
	Granted   int
}

type allocKey struct {
	jobID string
	depth int
}

// DepthUsage is a point-in-time snapshot of one depth's quota consumption.
type DepthUsage struct {
	Depth  int
	Used   int
	Quota  int
	Warn80 bool
	Warn90 bool
}

// Manager owns the used[depth] counters; it is the sole mutator of
// allocation state, matching spec §3's "jobs hold allocations only
// transitively" rule.
type Manager struct {
	mu    sync.Mutex
	quota map[int]int
	used  map[int]int
	rows  map[allocKey]*Allocation
}

// NewManager builds a Manager with a fixed per-depth quota table. Depths
// absent from quotaByDepth have an implicit quota of 0.
func NewManager(quotaByDepth map[int]int) *Manager {
	quota := make(map[int]int, len(quotaByDepth))
	for d, q := range quotaByDepth {
		quota[d] = q
	}
	return &Manager{
		quota: quota,
		used:  make(map[int]int),
		rows:  make(map[allocKey]*Allocation),
	}
}

// Allocate grants up to requested worker slots at depth for jobID. The check
// against quota and the decrement of remaining capacity happen under the
// same lock, so concurrent callers never oversubscribe a depth.
func (m *Manager) Allocate(jobID string, depth, requested int) (*Allocation, error) {
	if requested < 1 {
		return nil, fmt.Errorf("requested must be >= 1, got %d", requested)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.quota[depth]
	remaining := quota - m.used[depth]
	if remaining <= 0 {
		return nil, apperrors.AllocationError(depth)
	}

	granted := requested
	if granted > remaining {
		granted = remaining
	}

	m.used[depth] += granted
	key := allocKey{jobID: jobID, depth: depth}
	alloc := &Allocation{JobID: jobID, Depth: depth, Requested: requested, Granted: granted}
	m.rows[key] = alloc

	out := *alloc
	return &out, nil
}

// Release removes the allocation row for (jobID, depth) and returns the
// slots to the depth's pool. Reports whether a row was actually removed.
func (m *Manager) Release(jobID string, depth int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(jobID, depth)
}

func (m *Manager) releaseLocked(jobID string, depth int) bool {
	key := allocKey{jobID: jobID, depth: depth}
	row, ok := m.rows[key]
	if !ok {
		return false
	}
	m.used[depth] -= row.Granted
	if m.used[depth] < 0 {
		m.used[depth] = 0
	}
	delete(m.rows, key)
	return true
}

// Cleanup releases every allocation row keyed by jobID across all depths
// and returns the total number of worker slots reclaimed. Never raises.
func (m *Manager) Cleanup(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for key, row := range m.rows {
		if key.jobID != jobID {
			continue
		}
		released += row.Granted
		m.used[key.depth] -= row.Granted
		if m.used[key.depth] < 0 {
			m.used[key.depth] = 0
		}
		delete(m.rows, key)
	}
	return released
}

// Usage returns a depth-sorted snapshot of quota consumption, consistent
// with some real point in the allocation schedule.
func (m *Manager) Usage() []DepthUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[int]struct{}, len(m.quota))
	for d := range m.quota {
		depths[d] = struct{}{}
	}
	for d := range m.used {
		depths[d] = struct{}{}
	}

	out := make([]DepthUsage, 0, len(depths))
	for d := range depths {
		quota := m.quota[d]
		used := m.used[d]
		ratio := 0.0
		if quota > 0 {
			ratio = float64(used) / float64(quota)
		}
		out = append(out, DepthUsage{
			Depth:  d,
			Used:   used,
			Quota:  quota,
			Warn80: ratio >= 0.8,
			Warn90: ratio >= 0.9,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out
}

// Scope is an RAII-style handle returned by ResourceScope: calling Release
// on it is idempotent and safe to defer unconditionally.
type Scope struct {
	mgr     *Manager
	jobID   string
	depth   int
	release sync.Once
}

// Release returns the scope's slots to the pool. Safe to call multiple
// times or defer alongside an early return.
func (s *Scope) Release() {
	s.release.Do(func() {
		s.mgr.Release(s.jobID, s.depth)
	})
}

// ResourceScope acquires an allocation and returns a handle whose Release
// method frees it on every exit path, leaf success or failure alike.
func (m *Manager) ResourceScope(jobID string, depth, requested int) (*Allocation, *Scope, error) {
	alloc, err := m.Allocate(jobID, depth, requested)
	if err != nil {
		return nil, nil, err
	}
	return alloc, &Scope{mgr: m, jobID: jobID, depth: depth}, nil
}
