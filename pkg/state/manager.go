// Package state tracks agent run lifecycle and crash-recovery checkpoints,
// with TTL-based reclamation of stale records.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/errors"
)

// RunTTL is how long a run may sit unmodified before a sweep reclaims it,
// measured from UpdatedAt.
const RunTTL = 24 * time.Hour

type tempEntry struct {
	value       any
	workspaceID string
}

// agentState is one agent's bucket: its runs, scratch memory, and the last
// time a sweep touched it.
type agentState struct {
	runs        map[string]*core.AgentRun
	tempMemory  map[string]tempEntry
	lastCleanup time.Time
}

func (s *agentState) empty() bool {
	return len(s.runs) == 0 && len(s.tempMemory) == 0
}

// RunUpdate carries the mutable fields of a run. Nil pointers leave the
// field untouched.
type RunUpdate struct {
	Status     *core.RunStatus
	Steps      *int
	TokenUsage *int
	Metadata   map[string]string
}

// Manager owns the run store: a primary agentID-keyed map of buckets plus a
// secondary runID→agentID index for O(1) lookup. The two are always updated
// under one lock so the index can never dangle.
type Manager struct {
	mu       sync.RWMutex
	agents   map[string]*agentState
	runIndex map[string]string
	ttl      time.Duration
	now      func() time.Time
}

// NewManager creates a manager. A non-positive ttl falls back to RunTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = RunTTL
	}
	return &Manager{
		agents:   make(map[string]*agentState),
		runIndex: make(map[string]string),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddRun registers a run on dispatch. Duplicate run ids are rejected.
func (m *Manager) AddRun(run *core.AgentRun) error {
	if run == nil || run.RunID == "" || run.AgentID == "" {
		return errors.New(errors.CodeInvalidInput, "run requires run id and agent id", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runIndex[run.RunID]; exists {
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("run %q already exists", run.RunID), nil)
	}
	bucket := m.agents[run.AgentID]
	if bucket == nil {
		bucket = &agentState{
			runs:       make(map[string]*core.AgentRun),
			tempMemory: make(map[string]tempEntry),
		}
		m.agents[run.AgentID] = bucket
	}
	bucket.runs[run.RunID] = run.Clone()
	m.runIndex[run.RunID] = run.AgentID
	return nil
}

// GetRun returns a copy of the run, or nil when it does not exist — absence
// is not an error.
func (m *Manager) GetRun(runID string) *core.AgentRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run := m.lookupLocked(runID)
	if run == nil {
		return nil
	}
	return run.Clone()
}

// UpdateRun applies the update to a single run. Status changes must follow
// the monotonic lifecycle; a transition out of a terminal state is rejected.
func (m *Manager) UpdateRun(runID string, update RunUpdate) (*core.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.lookupLocked(runID)
	if run == nil {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("run %q not found", runID), nil)
	}
	if update.Status != nil && !core.CanTransition(run.Status, *update.Status) {
		return nil, errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("illegal status transition %s -> %s for run %q", run.Status, *update.Status, runID), nil)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Steps != nil {
		run.Steps = *update.Steps
	}
	if update.TokenUsage != nil {
		run.TokenUsage = *update.TokenUsage
	}
	if len(update.Metadata) > 0 {
		if run.Metadata == nil {
			run.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			run.Metadata[k] = v
		}
	}
	run.UpdatedAt = m.now()
	return run.Clone(), nil
}

// CheckpointRun stamps the run's CheckpointedAt. The checkpoint payload
// itself lives in the CheckpointManager.
func (m *Manager) CheckpointRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.lookupLocked(runID)
	if run == nil {
		return errors.New(errors.CodeNotFound,
			fmt.Sprintf("run %q not found", runID), nil)
	}
	ts := m.now()
	run.CheckpointedAt = &ts
	run.UpdatedAt = ts
	return nil
}

// GetActiveRuns returns every pending or running run in the workspace,
// ordered by creation time then run id for determinism.
func (m *Manager) GetActiveRuns(workspaceID string) []*core.AgentRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AgentRun
	for _, bucket := range m.agents {
		for _, run := range bucket.runs {
			if run.WorkspaceID == workspaceID && run.Active() {
				out = append(out, run.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// SetTempMemory stores a workspace-scoped scratch value in the agent's
// bucket.
func (m *Manager) SetTempMemory(agentID, workspaceID, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.agents[agentID]
	if bucket == nil {
		bucket = &agentState{
			runs:       make(map[string]*core.AgentRun),
			tempMemory: make(map[string]tempEntry),
		}
		m.agents[agentID] = bucket
	}
	bucket.tempMemory[key] = tempEntry{value: value, workspaceID: workspaceID}
}

// GetTempMemory returns a scratch value, or nil and false when absent.
func (m *Manager) GetTempMemory(agentID, key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.agents[agentID]
	if bucket == nil {
		return nil, false
	}
	entry, ok := bucket.tempMemory[key]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

// CleanupWorkspace purges every run and temp-memory entry belonging to the
// workspace, across all agents. Used on workspace teardown. Returns the
// number of runs removed.
func (m *Manager) CleanupWorkspace(workspaceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for agentID, bucket := range m.agents {
		for runID, run := range bucket.runs {
			if run.WorkspaceID == workspaceID {
				delete(bucket.runs, runID)
				delete(m.runIndex, runID)
				removed++
			}
		}
		for key, entry := range bucket.tempMemory {
			if entry.workspaceID == workspaceID {
				delete(bucket.tempMemory, key)
			}
		}
		if bucket.empty() {
			delete(m.agents, agentID)
		}
	}
	return removed
}

// Cleanup reclaims every run whose UpdatedAt is at least the TTL old, then
// drops agent buckets left with no runs and no temp memory. Keys are
// collected before deletion so the sweep never mutates a map mid-iteration.
// Returns the number of runs removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0

	type staleRun struct{ agentID, runID string }
	var stale []staleRun
	for agentID, bucket := range m.agents {
		for runID, run := range bucket.runs {
			if now.Sub(run.UpdatedAt) >= m.ttl {
				stale = append(stale, staleRun{agentID, runID})
			}
		}
	}
	for _, s := range stale {
		delete(m.agents[s.agentID].runs, s.runID)
		delete(m.runIndex, s.runID)
		removed++
	}

	var emptyAgents []string
	for agentID, bucket := range m.agents {
		bucket.lastCleanup = now
		if bucket.empty() {
			emptyAgents = append(emptyAgents, agentID)
		}
	}
	for _, agentID := range emptyAgents {
		delete(m.agents, agentID)
	}
	return removed
}

// Reclaim implements the sweeper's Reclaimer interface.
func (m *Manager) Reclaim() (int, error) {
	return m.Cleanup(), nil
}

// RunCount reports the total number of stored runs.
func (m *Manager) RunCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runIndex)
}

// lookupLocked resolves a run through the secondary index. Callers hold the
// lock.
func (m *Manager) lookupLocked(runID string) *core.AgentRun {
	agentID, ok := m.runIndex[runID]
	if !ok {
		return nil
	}
	bucket := m.agents[agentID]
	if bucket == nil {
		return nil
	}
	return bucket.runs[runID]
}
