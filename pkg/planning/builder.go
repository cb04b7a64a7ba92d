package planning

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/errors"
)

// stepTokenOverhead is the per-step prompt and schema overhead added to the
// heuristic estimate.
const stepTokenOverhead = 150

// Builder turns a goal plus selected candidates into a bounded plan. It is a
// deterministic heuristic planner: it never calls a model, it only shapes the
// goal into steps the acting engine can execute.
type Builder struct {
	// DefaultTool is bound to steps when the goal names no tool explicitly.
	DefaultTool string
}

// NewBuilder creates a builder binding steps to the given default tool.
func NewBuilder(defaultTool string) *Builder {
	return &Builder{DefaultTool: defaultTool}
}

// Build emits a DirectExecutePlan for goals below the planning threshold and
// a SkeletonPlan otherwise. The first candidate (the selector's top choice)
// owns every step.
func (b *Builder) Build(goal string, candidates []core.AgentCandidate) (Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "goal is empty", nil)
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "no agent candidates", nil)
	}
	owner := candidates[0]

	if !ShouldPlan(goal) {
		return &DirectExecutePlan{
			PlanID:  uuid.NewString(),
			AgentID: owner.AgentID,
			Action: MicroAction{
				ActionID: "action-1",
				Tool:     b.DefaultTool,
				Input:    goal,
			},
			Estimated: EstimateTokens(goal) + stepTokenOverhead,
		}, nil
	}

	segments := splitGoal(goal, MaxSkeletonSteps)
	steps := make([]SkeletonStep, 0, len(segments))
	estimated := 0
	for i, segment := range segments {
		step := SkeletonStep{
			StepID:  fmt.Sprintf("step-%d", i+1),
			AgentID: owner.AgentID,
			Tool:    b.DefaultTool,
			Input:   segment,
		}
		if i > 0 {
			// Segments derive from an ordered goal; each step consumes its
			// predecessor's output.
			step.DependsOn = []string{fmt.Sprintf("step-%d", i)}
		}
		steps = append(steps, step)
		estimated += EstimateTokens(segment) + stepTokenOverhead
	}

	plan := &SkeletonPlan{
		PlanID:    uuid.NewString(),
		Goal:      goal,
		Steps:     steps,
		Estimated: estimated,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// BuildMicro drills one skeleton step into a micro batch of at most
// MaxMicroActions actions within the step's agent scope.
func (b *Builder) BuildMicro(step SkeletonStep) (*MicroPlan, error) {
	input := fmt.Sprint(step.Input)
	segments := splitGoal(input, MaxMicroActions)
	actions := make([]MicroAction, 0, len(segments))
	estimated := 0
	for i, segment := range segments {
		tool := step.Tool
		if tool == "" {
			tool = b.DefaultTool
		}
		actions = append(actions, MicroAction{
			ActionID: fmt.Sprintf("%s-action-%d", step.StepID, i+1),
			Tool:     tool,
			Input:    segment,
		})
		estimated += EstimateTokens(segment) + stepTokenOverhead
	}
	plan := &MicroPlan{
		PlanID:    uuid.NewString(),
		AgentID:   step.AgentID,
		Actions:   actions,
		Estimated: estimated,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// splitGoal breaks text on sentence boundaries into at most limit segments.
// The final segment absorbs any remainder so nothing is dropped.
func splitGoal(text string, limit int) []string {
	raw := sentencePattern.Split(text, -1)
	segments := make([]string, 0, limit)
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if len(segments) == limit {
			segments[limit-1] = segments[limit-1] + ". " + part
			continue
		}
		segments = append(segments, part)
	}
	if len(segments) == 0 {
		segments = append(segments, strings.TrimSpace(text))
	}
	return segments
}

// DowngradeKind labels an advisory suggestion for fitting a plan into the
// remaining budget.
type DowngradeKind string

const (
	DowngradeTrimContext DowngradeKind = "trim_context"
	DowngradeReduceSteps DowngradeKind = "reduce_steps"
	DowngradeDirect      DowngradeKind = "direct_execute"
)

// DowngradeSuggestion is advisory only; the budget manager remains the sole
// enforcement point.
type DowngradeSuggestion struct {
	Kind         DowngradeKind
	TargetTokens int
}

// SuggestDowngrades proposes ways to fit an estimate into the remaining
// budget. Returns nil when the estimate already fits.
func SuggestDowngrades(estimated, remaining int) []DowngradeSuggestion {
	if estimated <= remaining {
		return nil
	}
	var out []DowngradeSuggestion
	over := estimated - remaining
	if remaining > 0 {
		target := remaining - over/2
		if target < 0 {
			target = 0
		}
		out = append(out, DowngradeSuggestion{
			Kind:         DowngradeTrimContext,
			TargetTokens: target,
		})
	}
	out = append(out,
		DowngradeSuggestion{Kind: DowngradeReduceSteps, TargetTokens: remaining},
		DowngradeSuggestion{Kind: DowngradeDirect},
	)
	return out
}
