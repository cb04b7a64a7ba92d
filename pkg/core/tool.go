package core

import "context"

// ToolContext is the execution context handed to a tool invocation. Memory is
// a scratch space scoped to the run; the acting engine diffs it around each
// call to record memory changes for the audit trail.
type ToolContext struct {
	RunID       string
	AgentID     string
	WorkspaceID string
	Memory      map[string]any
}

// Tool is an invocable unit resolved by name through a ToolRegistry.
type Tool interface {
	Name() string

	// RequiredCapabilities lists the capabilities an agent must hold before
	// this tool may run. Empty means unrestricted.
	RequiredCapabilities() []string

	Run(ctx context.Context, input any, tc *ToolContext) (any, error)
}

// ToolRegistry resolves tool names for the acting engine. Implementations
// live outside the core; the engine only consults the lookup.
type ToolRegistry interface {
	HasTool(name string) bool
	GetTool(name string) (Tool, bool)
}

// DefinitionStore is the persistence port for agent and skill definitions.
// Implementations (file, SQLite) are external collaborators; capability
// validation consumes this interface before any install is accepted.
type DefinitionStore interface {
	GetAgent(ctx context.Context, id string) (*AgentDefinition, error)
	PutAgent(ctx context.Context, def *AgentDefinition) error
	ListAgents(ctx context.Context) ([]*AgentDefinition, error)

	GetSkill(ctx context.Context, id string) (*SkillDefinition, error)
	PutSkill(ctx context.Context, def *SkillDefinition) error
	ListSkills(ctx context.Context) ([]*SkillDefinition, error)

	// CopyVersion snapshots a definition under a version label so installs
	// can be rolled back.
	CopyVersion(ctx context.Context, id, version string) error
}
