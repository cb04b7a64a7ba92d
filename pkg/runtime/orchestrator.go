// Package runtime composes the orchestration core: planning, agent
// selection, budget enforcement, execution, run state, checkpoints, and
// workspace events behind a single dispatch entry point.
package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veldtlabs/veldt/pkg/budget"
	"github.com/veldtlabs/veldt/pkg/capability"
	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/engine"
	"github.com/veldtlabs/veldt/pkg/errors"
	"github.com/veldtlabs/veldt/pkg/events"
	"github.com/veldtlabs/veldt/pkg/planning"
	"github.com/veldtlabs/veldt/pkg/state"
	"github.com/veldtlabs/veldt/pkg/telemetry"
)

// Options carries the orchestrator's collaborators.
type Options struct {
	Builder     *planning.Builder
	Engine      *engine.Engine
	Budget      *budget.Manager
	State       *state.Manager
	Checkpoints *state.CheckpointManager
	Bus         *events.Bus

	// Definitions, when set, lets Dispatch validate the owning agent's
	// installed definition through the capability gate before a plan is
	// accepted. Without a store only per-tool-call gating applies.
	Definitions core.DefinitionStore

	// Catalog backs the pre-dispatch gate. Nil uses the default catalog.
	Catalog *capability.Catalog
}

// Orchestrator drives one dispatch from goal to terminal run status. It owns
// no policy of its own: planning thresholds, capability gating, and budget
// enforcement all live in their packages and the orchestrator sequences them.
type Orchestrator struct {
	builder     *planning.Builder
	engine      *engine.Engine
	budget      *budget.Manager
	state       *state.Manager
	checkpoints *state.CheckpointManager
	bus         *events.Bus
	definitions core.DefinitionStore
	catalog     *capability.Catalog
	tracer      trace.Tracer
	errMetrics  *telemetry.ErrorMetrics
}

// New creates an orchestrator from its collaborators. Builder, Engine,
// Budget, State, Checkpoints, and Bus are required; Definitions and Catalog
// are optional.
func New(opts Options) (*Orchestrator, error) {
	if opts.Builder == nil || opts.Engine == nil || opts.Budget == nil ||
		opts.State == nil || opts.Checkpoints == nil || opts.Bus == nil {
		return nil, errors.New(errors.CodePrecondition, "orchestrator requires all collaborators", nil)
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = capability.DefaultCatalog()
	}
	errMetrics, err := telemetry.NewErrorMetrics(context.Background())
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		builder:     opts.Builder,
		engine:      opts.Engine,
		budget:      opts.Budget,
		state:       opts.State,
		checkpoints: opts.Checkpoints,
		bus:         opts.Bus,
		definitions: opts.Definitions,
		catalog:     catalog,
		tracer:      otel.Tracer("veldt/runtime"),
		errMetrics:  errMetrics,
	}, nil
}

// DispatchRequest describes one goal to execute in a workspace.
type DispatchRequest struct {
	WorkspaceID string
	Goal        string

	// Candidates is the pool of agents eligible for the goal.
	Candidates []core.AgentCandidate

	// RequiredCapabilities filters and ranks the candidates.
	RequiredCapabilities []string

	// BudgetTokens is the run's token budget. Non-positive uses the
	// manager's default.
	BudgetTokens int

	// Memory seeds the run's scratch memory handed to tools.
	Memory map[string]any
}

// DispatchResult is the outcome of one dispatch.
type DispatchResult struct {
	RunID       string
	AgentID     string
	PlanID      string
	PlanKind    planning.PlanKind
	Planned     bool
	Status      core.RunStatus
	StepResults []*engine.StepResult
	TokensUsed  int
	Budget      core.TokenBudget
}

// Dispatch plans, selects, and executes one goal end to end. The run always
// reaches a terminal status before Dispatch returns: completed on success,
// failed on a step or budget error, cancelled when the context is done
// between steps. The returned result carries the full audit trail either way.
func (o *Orchestrator) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if req.WorkspaceID == "" || req.Goal == "" {
		return nil, errors.New(errors.CodeInvalidInput, "dispatch requires workspace id and goal", nil)
	}

	ctx, span := o.tracer.Start(ctx, "runtime.dispatch", trace.WithAttributes(
		attribute.String(telemetry.AttrWorkspaceID, req.WorkspaceID),
	))
	defer span.End()
	log := slog.Default()

	selected := planning.SelectAgents(req.Candidates, req.RequiredCapabilities)
	if len(selected) == 0 {
		return nil, errors.New(errors.CodeNotFound, "no agent satisfies the required capabilities", nil).
			WithContext("required", req.RequiredCapabilities)
	}
	owner := selected[0]

	if err := o.admit(ctx, owner.AgentID); err != nil {
		return nil, err
	}

	plan, err := o.builder.Build(req.Goal, selected)
	if err != nil {
		return nil, err
	}

	run := core.NewAgentRun(owner.AgentID, req.WorkspaceID, req.Goal)
	if err := o.state.AddRun(run); err != nil {
		return nil, err
	}
	ctx = core.WithWorkspaceID(core.WithRunID(ctx, run.RunID), req.WorkspaceID)
	ledger := o.budget.CreateBudget(run.RunID, owner.AgentID, req.BudgetTokens)
	span.SetAttributes(append(
		telemetry.RunAttributes(run.RunID, owner.AgentID, req.WorkspaceID),
		attribute.String(telemetry.AttrPlanKind, string(plan.Kind())),
	)...)
	o.bus.Publish(ctx, core.NewEvent(core.EventRunCreated, req.WorkspaceID, run.RunID, owner.AgentID, map[string]any{
		"plan_id":   plan.ID(),
		"plan_kind": string(plan.Kind()),
		"budget":    ledger.Budget,
	}))
	log.Info("runtime.dispatch.start",
		slog.String("run_id", run.RunID),
		slog.String("agent_id", owner.AgentID),
		slog.String("workspace_id", req.WorkspaceID),
		slog.String("plan_kind", string(plan.Kind())),
	)

	result := &DispatchResult{
		RunID:    run.RunID,
		AgentID:  owner.AgentID,
		PlanID:   plan.ID(),
		PlanKind: plan.Kind(),
		Planned:  planning.ShouldPlan(req.Goal),
	}

	if err := o.setStatus(ctx, run, core.RunStatusRunning, core.EventRunStarted); err != nil {
		return nil, err
	}

	tc := &core.ToolContext{
		RunID:       run.RunID,
		AgentID:     owner.AgentID,
		WorkspaceID: req.WorkspaceID,
		Memory:      req.Memory,
	}
	if tc.Memory == nil {
		tc.Memory = make(map[string]any)
	}

	execErr := o.execute(ctx, plan, owner, tc, result)

	if snapshot, ok := o.budget.Budget(run.RunID); ok {
		result.Budget = snapshot
		result.TokensUsed = snapshot.Used
	}

	switch {
	case execErr == nil:
		result.Status = core.RunStatusCompleted
		o.finalize(ctx, run, result, core.RunStatusCompleted, core.EventRunCompleted)
		return result, nil
	case ctx.Err() != nil:
		result.Status = core.RunStatusCancelled
		o.finalize(ctx, run, result, core.RunStatusCancelled, core.EventRunCancelled)
		return result, execErr
	default:
		result.Status = core.RunStatusFailed
		o.errMetrics.RecordErrorMetric(ctx, execErr, "runtime")
		o.finalize(ctx, run, result, core.RunStatusFailed, core.EventRunFailed)
		return result, execErr
	}
}

// admit validates the owning agent's installed definition through the
// capability gate. Without a definition store, or when the agent has no
// installed definition, the candidate's declared capabilities stand alone and
// gating happens per tool call.
func (o *Orchestrator) admit(ctx context.Context, agentID string) error {
	if o.definitions == nil {
		return nil
	}
	def, err := o.definitions.GetAgent(ctx, agentID)
	if err != nil {
		if ve := errors.AsVeldtError(err); ve != nil && ve.Code == errors.CodeNotFound {
			return nil
		}
		return err
	}
	result := capability.Enforce(def, o.catalog)
	if !result.Allowed {
		slog.Default().Warn("runtime.dispatch.denied",
			slog.String("agent_id", agentID),
			slog.Int("issues", len(result.Issues)),
		)
		return errors.New(errors.CodeCapabilityDenied,
			"agent definition failed capability validation", nil).
			WithContext("agent_id", agentID).
			WithContext("issues", result.Issues).
			WithRecoverable(false)
	}
	return nil
}

// Resume reloads a checkpointed run's progress. The caller dispatches a fresh
// run for the remaining work; Resume only surfaces where the last one stopped.
func (o *Orchestrator) Resume(runID string) (*core.Checkpoint, error) {
	cp := o.checkpoints.Load(runID)
	if cp == nil {
		return nil, errors.New(errors.CodeNotFound, "no checkpoint for run", nil).
			WithContext("run_id", runID)
	}
	return cp, nil
}

func (o *Orchestrator) execute(ctx context.Context, plan planning.Plan, owner core.AgentCandidate, tc *core.ToolContext, result *DispatchResult) error {
	switch p := plan.(type) {
	case *planning.DirectExecutePlan:
		stepResult, err := o.engine.ExecuteDirect(ctx, p, owner.Capabilities, tc)
		if stepResult != nil {
			result.StepResults = append(result.StepResults, stepResult)
		}
		if err != nil {
			return err
		}
		return o.spend(ctx, tc, p.EstimatedTokens(), 1)

	case *planning.SkeletonPlan:
		if err := p.Validate(); err != nil {
			return err
		}
		perStep := p.EstimatedTokens() / len(p.Steps)
		for i, step := range p.Steps {
			if ctx.Err() != nil {
				return errors.New(errors.CodeTimeout, "run cancelled between steps", ctx.Err()).
					WithContext("completed_steps", i)
			}
			stepResult, err := o.engine.ExecuteStep(ctx, step, owner.Capabilities, tc)
			if stepResult != nil {
				result.StepResults = append(result.StepResults, stepResult)
			}
			if err != nil {
				// Persist progress before surfacing the failure so a
				// resume can pick up after the last good step.
				o.checkpoint(ctx, tc, i)
				return err
			}
			o.checkpoint(ctx, tc, i+1)
			o.bus.Publish(ctx, core.NewEvent(core.EventStepCompleted, tc.WorkspaceID, tc.RunID, tc.AgentID, map[string]any{
				"step_id": step.StepID,
				"step":    i + 1,
				"status":  string(stepResult.Status),
			}))
			if err := o.spend(ctx, tc, perStep, i+1); err != nil {
				return err
			}
		}
		return nil

	case *planning.MicroPlan:
		stepResult, err := o.engine.ExecuteMicro(ctx, p, owner.Capabilities, tc)
		if stepResult != nil {
			result.StepResults = append(result.StepResults, stepResult)
		}
		if err != nil {
			return err
		}
		return o.spend(ctx, tc, p.EstimatedTokens(), len(p.Actions))

	default:
		return errors.New(errors.CodeInternal, "unknown plan kind", nil).
			WithContext("kind", string(plan.Kind()))
	}
}

// spend charges tokens to the run's ledger and converts an exceeded budget
// into a run failure. The ledger keeps recording usage after the latch; only
// execution stops.
func (o *Orchestrator) spend(ctx context.Context, tc *core.ToolContext, tokens, steps int) error {
	check := o.budget.CheckAndUpdate(tc.RunID, tokens, 0)
	o.budget.RecordUsage(core.TokenUsage{
		RunID:        tc.RunID,
		AgentID:      tc.AgentID,
		PromptTokens: tokens,
	})
	usage := check.Budget.Used
	if _, err := o.state.UpdateRun(tc.RunID, state.RunUpdate{Steps: &steps, TokenUsage: &usage}); err != nil {
		return err
	}
	if !check.Allowed {
		o.bus.Publish(ctx, core.NewEvent(core.EventBudgetExceeded, tc.WorkspaceID, tc.RunID, tc.AgentID, map[string]any{
			"used":   check.Budget.Used,
			"budget": check.Budget.Budget,
		}))
		return errors.New(errors.CodeBudgetExceeded, check.Error, nil).
			WithContext("run_id", tc.RunID).
			WithRecoverable(false)
	}
	return nil
}

func (o *Orchestrator) checkpoint(ctx context.Context, tc *core.ToolContext, step int) {
	usage := 0
	if snapshot, ok := o.budget.Budget(tc.RunID); ok {
		usage = snapshot.Used
	}
	o.checkpoints.Save(core.Checkpoint{
		RunID:       tc.RunID,
		AgentID:     tc.AgentID,
		WorkspaceID: tc.WorkspaceID,
		Step:        step,
		TokenUsage:  usage,
	})
	if err := o.state.CheckpointRun(tc.RunID); err != nil {
		slog.Default().Warn("runtime.checkpoint.failed",
			slog.String("run_id", tc.RunID),
			slog.String("error", err.Error()),
		)
		return
	}
	o.bus.Publish(ctx, core.NewEvent(core.EventRunCheckpointed, tc.WorkspaceID, tc.RunID, tc.AgentID, map[string]any{
		"step": step,
	}))
}

func (o *Orchestrator) setStatus(ctx context.Context, run *core.AgentRun, status core.RunStatus, event core.EventType) error {
	if _, err := o.state.UpdateRun(run.RunID, state.RunUpdate{Status: &status}); err != nil {
		return err
	}
	o.bus.Publish(ctx, core.NewEvent(event, run.WorkspaceID, run.RunID, run.AgentID, nil))
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, run *core.AgentRun, result *DispatchResult, status core.RunStatus, event core.EventType) {
	if err := o.setStatus(ctx, run, status, event); err != nil {
		slog.Default().Error("runtime.finalize.failed",
			slog.String("run_id", run.RunID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
	slog.Default().Info("runtime.dispatch.complete",
		slog.String("run_id", run.RunID),
		slog.String("status", string(status)),
		slog.Int("tokens_used", result.TokensUsed),
		slog.Int("steps", len(result.StepResults)),
	)
}
