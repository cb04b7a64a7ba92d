package planning

import (
	"fmt"

	"github.com/veldtlabs/veldt/pkg/errors"
)

// Plan bounds.
const (
	// MaxSkeletonSteps caps a skeleton plan's step count.
	MaxSkeletonSteps = 5

	// MaxMicroActions caps a micro plan's action batch.
	MaxMicroActions = 3
)

// PlanKind discriminates the plan variants.
type PlanKind string

const (
	PlanKindDirect   PlanKind = "direct"
	PlanKindSkeleton PlanKind = "skeleton"
	PlanKindMicro    PlanKind = "micro"
)

// Plan is the tagged union over the three plan granularities. EstimatedTokens
// is a heuristic, not a commitment; enforcement happens in the budget manager
// at execution time.
type Plan interface {
	ID() string
	Kind() PlanKind
	EstimatedTokens() int
}

// SkeletonStep is one bounded step of a skeleton plan, bound to a single
// agent, tool, and input. DependsOn names steps that must complete first.
type SkeletonStep struct {
	StepID    string   `json:"step_id"`
	AgentID   string   `json:"agent_id"`
	Tool      string   `json:"tool"`
	Input     any      `json:"input,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// MicroAction is one fine-grained action inside a micro batch or a direct
// plan.
type MicroAction struct {
	ActionID string `json:"action_id"`
	Tool     string `json:"tool"`
	Input    any    `json:"input,omitempty"`
}

// DirectExecutePlan executes a single action for one agent with no steps.
type DirectExecutePlan struct {
	PlanID    string      `json:"plan_id"`
	AgentID   string      `json:"agent_id"`
	Action    MicroAction `json:"action"`
	Estimated int         `json:"estimated_tokens"`
}

func (p *DirectExecutePlan) ID() string           { return p.PlanID }
func (p *DirectExecutePlan) Kind() PlanKind       { return PlanKindDirect }
func (p *DirectExecutePlan) EstimatedTokens() int { return p.Estimated }

// SkeletonPlan is an ordered sequence of at most MaxSkeletonSteps steps at
// depth one: steps never nest.
type SkeletonPlan struct {
	PlanID    string         `json:"plan_id"`
	Goal      string         `json:"goal"`
	Steps     []SkeletonStep `json:"steps"`
	Estimated int            `json:"estimated_tokens"`
}

func (p *SkeletonPlan) ID() string           { return p.PlanID }
func (p *SkeletonPlan) Kind() PlanKind       { return PlanKindSkeleton }
func (p *SkeletonPlan) EstimatedTokens() int { return p.Estimated }

// Validate checks the structural bounds and the DependsOn references: every
// referenced step must exist and precede the referencing step, which also
// rules out cycles in one pass over the (at most five) steps.
func (p *SkeletonPlan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New(errors.CodePlanInvalid, "skeleton plan has no steps", nil)
	}
	if len(p.Steps) > MaxSkeletonSteps {
		return errors.New(errors.CodePlanInvalid,
			fmt.Sprintf("skeleton plan has %d steps, maximum is %d", len(p.Steps), MaxSkeletonSteps), nil)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.StepID == "" {
			return errors.New(errors.CodePlanInvalid, "skeleton step missing id", nil)
		}
		if seen[step.StepID] {
			return errors.New(errors.CodePlanInvalid,
				fmt.Sprintf("duplicate step id %q", step.StepID), nil)
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return errors.New(errors.CodePlanInvalid,
					fmt.Sprintf("step %q depends on %q which does not precede it", step.StepID, dep), nil)
			}
		}
		seen[step.StepID] = true
	}
	return nil
}

// MicroPlan is an ordered batch of at most MaxMicroActions fine-grained
// actions within one agent scope, used to drill into a single step.
type MicroPlan struct {
	PlanID    string        `json:"plan_id"`
	AgentID   string        `json:"agent_id"`
	Actions   []MicroAction `json:"actions"`
	Estimated int           `json:"estimated_tokens"`
}

func (p *MicroPlan) ID() string           { return p.PlanID }
func (p *MicroPlan) Kind() PlanKind       { return PlanKindMicro }
func (p *MicroPlan) EstimatedTokens() int { return p.Estimated }

// Validate checks the batch bound.
func (p *MicroPlan) Validate() error {
	if len(p.Actions) == 0 {
		return errors.New(errors.CodePlanInvalid, "micro plan has no actions", nil)
	}
	if len(p.Actions) > MaxMicroActions {
		return errors.New(errors.CodePlanInvalid,
			fmt.Sprintf("micro plan has %d actions, maximum is %d", len(p.Actions), MaxMicroActions), nil)
	}
	return nil
}
