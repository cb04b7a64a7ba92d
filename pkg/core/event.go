package core

import "time"

// EventType identifies a semantic event announced on a workspace bus.
type EventType string

const (
	EventRunCreated      EventType = "run.created"
	EventRunStarted      EventType = "run.started"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunCancelled    EventType = "run.cancelled"
	EventRunCheckpointed EventType = "run.checkpointed"
	EventStepCompleted   EventType = "step.completed"
	EventBudgetExceeded  EventType = "budget.exceeded"
)

// Event captures a state change scoped to one workspace.
type Event struct {
	Type        EventType
	WorkspaceID string
	RunID       string
	AgentID     string
	Timestamp   time.Time
	Payload     map[string]any
}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, workspaceID, runID, agentID string, payload map[string]any) Event {
	return Event{
		Type:        eventType,
		WorkspaceID: workspaceID,
		RunID:       runID,
		AgentID:     agentID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}
