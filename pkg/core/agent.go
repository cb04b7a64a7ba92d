// Package core defines the shared domain types of the Veldt orchestration
// core: agent, skill, and capability declarations, run lifecycle records, and
// the narrow interfaces to external collaborators.
package core

// AgentCandidate is an immutable input to agent selection.
type AgentCandidate struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	CostPerToken float64  `json:"cost_per_token"`
}

// HasCapabilities reports whether the candidate declares every capability in
// required. Vacuously true for an empty set.
func (c AgentCandidate) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	declared := make(map[string]bool, len(c.Capabilities))
	for _, cap := range c.Capabilities {
		declared[cap] = true
	}
	for _, req := range required {
		if !declared[req] {
			return false
		}
	}
	return true
}

// ToolSpec declares an invocable unit attached to an agent or skill. A tool
// may carry its own capability requirements below the skill level.
type ToolSpec struct {
	Name                 string   `json:"name" yaml:"name"`
	Description          string   `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
}

// SkillDefinition bundles tools plus the capabilities the bundle requires.
// A skill never grants capabilities; it only demands them.
type SkillDefinition struct {
	ID                   string     `json:"id" yaml:"id"`
	Name                 string     `json:"name" yaml:"name"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Tools                []ToolSpec `json:"tools,omitempty" yaml:"tools,omitempty"`
	Signature            string     `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// AgentDefinition is the declared shape of an agent. The Capabilities field
// is the only source of truth for what the agent may do; nothing is inferred
// from skills or tools.
type AgentDefinition struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"`
	Skills       []SkillDefinition `json:"skills,omitempty" yaml:"skills,omitempty"`
	Tools        []ToolSpec        `json:"tools,omitempty" yaml:"tools,omitempty"`
	Signature    string            `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// CapabilitySet returns the agent's declared capabilities as a set.
func (a *AgentDefinition) CapabilitySet() map[string]bool {
	set := make(map[string]bool, len(a.Capabilities))
	for _, cap := range a.Capabilities {
		set[cap] = true
	}
	return set
}

// CapabilityDefinition names a permission and its one-hop relations in the
// capability graph: prerequisites that must also be declared, and capabilities
// it can never be combined with.
type CapabilityDefinition struct {
	Name                string   `json:"name" yaml:"name"`
	Scope               string   `json:"scope" yaml:"scope"`
	Requires            []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	ForbiddenWith       []string `json:"forbidden_with,omitempty" yaml:"forbidden_with,omitempty"`
	DangerousPermission bool     `json:"dangerous_permission,omitempty" yaml:"dangerous_permission,omitempty"`
}
