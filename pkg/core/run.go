package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus describes the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from→to is a legal lifecycle move.
// Transitions are monotonic: pending→running→{completed,failed,cancelled},
// and a terminal state is never left. Setting the same status twice is
// allowed so updates can be idempotent.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case RunStatusPending:
		return to == RunStatusRunning || to.Terminal()
	case RunStatusRunning:
		return to.Terminal()
	}
	return false
}

// AgentRun is one execution attempt of a plan by an agent within a workspace.
// It is owned by the state manager and mutated only through its update API.
type AgentRun struct {
	RunID          string            `json:"run_id"`
	AgentID        string            `json:"agent_id"`
	WorkspaceID    string            `json:"workspace_id"`
	Status         RunStatus         `json:"status"`
	Goal           string            `json:"goal"`
	Steps          int               `json:"steps"`
	TokenUsage     int               `json:"token_usage"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CheckpointedAt *time.Time        `json:"checkpointed_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewAgentRun creates a pending run with a generated id.
func NewAgentRun(agentID, workspaceID, goal string) *AgentRun {
	now := time.Now().UTC()
	return &AgentRun{
		RunID:       uuid.NewString(),
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Status:      RunStatusPending,
		Goal:        goal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Active reports whether the run still occupies execution resources.
func (r *AgentRun) Active() bool {
	return r.Status == RunStatusPending || r.Status == RunStatusRunning
}

// Clone returns a deep copy so store internals never escape to callers.
func (r *AgentRun) Clone() *AgentRun {
	cp := *r
	if r.CheckpointedAt != nil {
		ts := *r.CheckpointedAt
		cp.CheckpointedAt = &ts
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Checkpoint is a latest-wins snapshot of a run's progress, enabling resume
// after a crash instead of restarting from scratch.
type Checkpoint struct {
	RunID       string          `json:"run_id"`
	AgentID     string          `json:"agent_id"`
	WorkspaceID string          `json:"workspace_id"`
	Step        int             `json:"step"`
	TokenUsage  int             `json:"token_usage"`
	Timestamp   time.Time       `json:"timestamp"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
}

// TokenBudget is a per-run ledger snapshot. Remaining is always
// Budget-Used, and Exceeded latches once Remaining goes negative.
type TokenBudget struct {
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	Budget    int    `json:"budget"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Exceeded  bool   `json:"exceeded"`
}

// TokenUsage is one analytics history entry, ring-buffered per agent.
type TokenUsage struct {
	RunID            string    `json:"run_id"`
	AgentID          string    `json:"agent_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Timestamp        time.Time `json:"timestamp"`
}
