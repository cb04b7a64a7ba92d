package state

import (
	"sync"
	"time"

	"github.com/veldtlabs/veldt/pkg/core"
)

// CheckpointManager is a parallel store keyed by run id, latest-wins. It is
// the crash-recovery path: Load returns the last persisted step, token usage,
// and snapshot so a run can resume instead of restarting.
type CheckpointManager struct {
	mu          sync.RWMutex
	checkpoints map[string]*core.Checkpoint
	now         func() time.Time
}

// NewCheckpointManager creates an empty checkpoint store.
func NewCheckpointManager() *CheckpointManager {
	return &CheckpointManager{
		checkpoints: make(map[string]*core.Checkpoint),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Save persists a checkpoint, replacing any previous one for the run.
func (c *CheckpointManager) Save(cp core.Checkpoint) {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = c.now()
	}
	c.mu.Lock()
	c.checkpoints[cp.RunID] = &cp
	c.mu.Unlock()
}

// Load returns the latest checkpoint for the run, or nil when none exists.
func (c *CheckpointManager) Load(runID string) *core.Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.checkpoints[runID]
	if !ok {
		return nil
	}
	out := *cp
	return &out
}

// Delete removes the run's checkpoint.
func (c *CheckpointManager) Delete(runID string) {
	c.mu.Lock()
	delete(c.checkpoints, runID)
	c.mu.Unlock()
}

// CleanupOld removes checkpoints older than maxAge. Keys are collected
// before deletion. Returns the number removed.
func (c *CheckpointManager) CleanupOld(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var stale []string
	for runID, cp := range c.checkpoints {
		if now.Sub(cp.Timestamp) >= maxAge {
			stale = append(stale, runID)
		}
	}
	for _, runID := range stale {
		delete(c.checkpoints, runID)
	}
	return len(stale)
}

// Len reports the number of stored checkpoints.
func (c *CheckpointManager) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.checkpoints)
}

// Reclaimer adapter using the run TTL.
type checkpointReclaimer struct {
	store  *CheckpointManager
	maxAge time.Duration
}

// NewCheckpointReclaimer wraps the store for the sweeper. A non-positive
// maxAge falls back to RunTTL.
func NewCheckpointReclaimer(store *CheckpointManager, maxAge time.Duration) Reclaimer {
	if maxAge <= 0 {
		maxAge = RunTTL
	}
	return &checkpointReclaimer{store: store, maxAge: maxAge}
}

func (r *checkpointReclaimer) Reclaim() (int, error) {
	return r.store.CleanupOld(r.maxAge), nil
}
