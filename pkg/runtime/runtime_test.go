package runtime

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/veldtlabs/veldt/pkg/budget"
	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/engine"
	"github.com/veldtlabs/veldt/pkg/errors"
	"github.com/veldtlabs/veldt/pkg/events"
	"github.com/veldtlabs/veldt/pkg/planning"
	"github.com/veldtlabs/veldt/pkg/state"
	"github.com/veldtlabs/veldt/pkg/testkit"
)

type fixture struct {
	orch        *Orchestrator
	bus         *events.Bus
	state       *state.Manager
	checkpoints *state.CheckpointManager
	tool        *testkit.ScriptedTool
}

func newFixture(t *testing.T, tool *testkit.ScriptedTool) *fixture {
	t.Helper()
	return newGatedFixture(t, tool, nil)
}

func newGatedFixture(t *testing.T, tool *testkit.ScriptedTool, defs core.DefinitionStore) *fixture {
	t.Helper()
	if tool == nil {
		tool = &testkit.ScriptedTool{ToolName: "llm.respond", Output: "done"}
	}
	bus := events.NewBus()
	st := state.NewManager(0)
	cps := state.NewCheckpointManager()
	orch, err := New(Options{
		Builder:     planning.NewBuilder("llm.respond"),
		Engine:      engine.New(testkit.NewRegistry(tool), time.Second),
		Budget:      budget.NewManager(0),
		State:       st,
		Checkpoints: cps,
		Bus:         bus,
		Definitions: defs,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &fixture{orch: orch, bus: bus, state: st, checkpoints: cps, tool: tool}
}

// memDefs is an installed-definition store backed by a map.
type memDefs struct {
	agents map[string]*core.AgentDefinition
}

func (m *memDefs) GetAgent(_ context.Context, id string) (*core.AgentDefinition, error) {
	def, ok := m.agents[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "agent not installed", nil)
	}
	return def, nil
}

func (m *memDefs) PutAgent(_ context.Context, def *core.AgentDefinition) error {
	m.agents[def.ID] = def
	return nil
}

func (m *memDefs) ListAgents(_ context.Context) ([]*core.AgentDefinition, error) {
	out := make([]*core.AgentDefinition, 0, len(m.agents))
	for _, def := range m.agents {
		out = append(out, def)
	}
	return out, nil
}

func (m *memDefs) GetSkill(_ context.Context, _ string) (*core.SkillDefinition, error) {
	return nil, errors.New(errors.CodeNotFound, "skill not installed", nil)
}

func (m *memDefs) PutSkill(_ context.Context, _ *core.SkillDefinition) error { return nil }

func (m *memDefs) ListSkills(_ context.Context) ([]*core.SkillDefinition, error) {
	return nil, nil
}

func (m *memDefs) CopyVersion(_ context.Context, _, _ string) error { return nil }

func candidates() []core.AgentCandidate {
	return []core.AgentCandidate{
		{AgentID: "agent-a", Name: "Alpha", Capabilities: []string{"files.read"}, CostPerToken: 0.002},
	}
}

const longGoal = "Plan the quarterly report workflow across the finance and marketing workspaces. " +
	"Collect last quarter's revenue figures from the shared spreadsheets and summarize them. " +
	"Compare the figures against the projections we filed in January. " +
	"Draft a summary document highlighting the three largest deviations."

func TestDispatchDirectGoal(t *testing.T) {
	f := newFixture(t, nil)

	var seen []core.EventType
	for _, et := range []core.EventType{core.EventRunCreated, core.EventRunStarted, core.EventRunCompleted} {
		et := et
		f.bus.Subscribe("ws1", et, func(_ context.Context, e core.Event) {
			seen = append(seen, e.Type)
		})
	}

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.PlanKind != planning.PlanKindDirect {
		t.Fatalf("plan kind = %s, want direct", result.PlanKind)
	}
	if result.Planned {
		t.Fatal("short goal must not trigger planning")
	}
	if result.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	if f.tool.CallCount() != 1 {
		t.Fatalf("tool ran %d times", f.tool.CallCount())
	}

	run := f.state.GetRun(result.RunID)
	if run == nil || run.Status != core.RunStatusCompleted {
		t.Fatalf("stored run = %+v", run)
	}
	if len(seen) != 3 {
		t.Fatalf("events = %v", seen)
	}
}

func TestDispatchSkeletonGoalCheckpointsEachStep(t *testing.T) {
	f := newFixture(t, nil)

	steps := 0
	f.bus.Subscribe("ws1", core.EventStepCompleted, func(_ context.Context, _ core.Event) {
		steps++
	})

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        longGoal,
		Candidates:  candidates(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.PlanKind != planning.PlanKindSkeleton {
		t.Fatalf("plan kind = %s, want skeleton", result.PlanKind)
	}
	if !result.Planned {
		t.Fatal("long multi-sentence goal must trigger planning")
	}
	if len(result.StepResults) == 0 || len(result.StepResults) > planning.MaxSkeletonSteps {
		t.Fatalf("step results = %d", len(result.StepResults))
	}
	if steps != len(result.StepResults) {
		t.Fatalf("step events = %d, results = %d", steps, len(result.StepResults))
	}

	cp := f.checkpoints.Load(result.RunID)
	if cp == nil {
		t.Fatal("expected a checkpoint after the run")
	}
	if cp.Step != len(result.StepResults) {
		t.Fatalf("checkpoint step = %d, want %d", cp.Step, len(result.StepResults))
	}
	run := f.state.GetRun(result.RunID)
	if run.CheckpointedAt == nil {
		t.Fatal("run must carry its checkpoint timestamp")
	}
}

func TestDispatchNoEligibleAgent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID:          "ws1",
		Goal:                 "Summarize this file",
		Candidates:           candidates(),
		RequiredCapabilities: []string{"net.fetch"},
	})
	if ve := errors.AsVeldtError(err); ve == nil || ve.Code != errors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestDispatchValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.Dispatch(context.Background(), DispatchRequest{Goal: "x"}); err == nil {
		t.Fatal("missing workspace must be rejected")
	}
	if _, err := f.orch.Dispatch(context.Background(), DispatchRequest{WorkspaceID: "ws1"}); err == nil {
		t.Fatal("missing goal must be rejected")
	}
}

func TestDispatchStepFailureFailsRun(t *testing.T) {
	tool := &testkit.ScriptedTool{ToolName: "llm.respond", Err: stderrors.New("backend down")}
	f := newFixture(t, tool)

	failed := 0
	f.bus.Subscribe("ws1", core.EventRunFailed, func(_ context.Context, _ core.Event) { failed++ })

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if result.Status != core.RunStatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if failed != 1 {
		t.Fatalf("run.failed events = %d", failed)
	}
	run := f.state.GetRun(result.RunID)
	if run.Status != core.RunStatusFailed {
		t.Fatalf("stored status = %s", run.Status)
	}
}

func TestDispatchCapabilityDenialFailsRun(t *testing.T) {
	tool := &testkit.ScriptedTool{
		ToolName:     "llm.respond",
		Capabilities: []string{"net.fetch"},
	}
	f := newFixture(t, tool)

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if ve := errors.AsVeldtError(err); ve == nil || ve.Code != errors.CodeCapabilityDenied {
		t.Fatalf("expected CAPABILITY_DENIED, got %v", err)
	}
	if tool.CallCount() != 0 {
		t.Fatal("denied tool must never run")
	}
	if result.Status != core.RunStatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
}

func TestDispatchRejectsInvalidInstalledDefinition(t *testing.T) {
	// storage.write without storage.read violates the catalog prerequisite;
	// the dispatch must be rejected before any run exists.
	defs := &memDefs{agents: map[string]*core.AgentDefinition{
		"agent-a": {
			ID:           "agent-a",
			Name:         "Alpha",
			Capabilities: []string{"storage.write"},
		},
	}}
	f := newGatedFixture(t, nil, defs)

	_, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if ve := errors.AsVeldtError(err); ve == nil || ve.Code != errors.CodeCapabilityDenied {
		t.Fatalf("expected CAPABILITY_DENIED, got %v", err)
	}
	if f.tool.CallCount() != 0 {
		t.Fatal("tool must not run for a denied agent")
	}
	if runs := f.state.GetActiveRuns("ws1"); len(runs) != 0 {
		t.Fatalf("no run may be created for a denied dispatch, got %d", len(runs))
	}
}

func TestDispatchAcceptsValidInstalledDefinition(t *testing.T) {
	defs := &memDefs{agents: map[string]*core.AgentDefinition{
		"agent-a": {
			ID:           "agent-a",
			Name:         "Alpha",
			Capabilities: []string{"files.read"},
		},
	}}
	f := newGatedFixture(t, nil, defs)

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s", result.Status)
	}
}

func TestDispatchUninstalledAgentSkipsGate(t *testing.T) {
	// A candidate with no installed definition dispatches on its declared
	// capabilities alone.
	f := newGatedFixture(t, nil, &memDefs{agents: map[string]*core.AgentDefinition{}})

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Status != core.RunStatusCompleted {
		t.Fatalf("status = %s", result.Status)
	}
}

func TestDispatchContextCarriesRunIdentity(t *testing.T) {
	tool := &testkit.ScriptedTool{
		ToolName: "llm.respond",
		OnRun: func(ctx context.Context, _ any, _ *core.ToolContext) (any, error) {
			runID, _ := core.RunIDFromContext(ctx)
			wsID, _ := core.WorkspaceIDFromContext(ctx)
			return runID + "/" + wsID, nil
		},
	}
	f := newFixture(t, tool)

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := result.RunID + "/ws1"
	if result.StepResults[0].Output != want {
		t.Fatalf("tool context ids = %v, want %s", result.StepResults[0].Output, want)
	}
}

func TestDispatchBudgetExceededFailsRun(t *testing.T) {
	f := newFixture(t, nil)

	exceeded := 0
	f.bus.Subscribe("ws1", core.EventBudgetExceeded, func(_ context.Context, _ core.Event) { exceeded++ })

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID:  "ws1",
		Goal:         "Summarize this file",
		Candidates:   candidates(),
		BudgetTokens: 10,
	})
	ve := errors.AsVeldtError(err)
	if ve == nil || ve.Code != errors.CodeBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}
	if !strings.Contains(ve.Message, "Used") || !strings.Contains(ve.Message, "budget 10") {
		t.Fatalf("error must cite usage and budget: %s", ve.Message)
	}
	if exceeded != 1 {
		t.Fatalf("budget.exceeded events = %d", exceeded)
	}
	if result.Status != core.RunStatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if !result.Budget.Exceeded {
		t.Fatal("ledger must latch exceeded")
	}
}

func TestDispatchCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, nil)

	// Cancel from the step event handler so the first step and its
	// checkpoint complete before the context goes down.
	f.bus.Subscribe("ws1", core.EventStepCompleted, func(_ context.Context, _ core.Event) {
		cancel()
	})
	cancelled := 0
	f.bus.Subscribe("ws1", core.EventRunCancelled, func(_ context.Context, _ core.Event) { cancelled++ })

	result, err := f.orch.Dispatch(ctx, DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        longGoal,
		Candidates:  candidates(),
	})
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if result.Status != core.RunStatusCancelled {
		t.Fatalf("status = %s", result.Status)
	}
	if cancelled != 1 {
		t.Fatalf("run.cancelled events = %d", cancelled)
	}
	// The first step's checkpoint survived the cancellation.
	cp := f.checkpoints.Load(result.RunID)
	if cp == nil || cp.Step != 1 {
		t.Fatalf("checkpoint = %+v", cp)
	}
	run := f.state.GetRun(result.RunID)
	if run.Status != core.RunStatusCancelled {
		t.Fatalf("stored status = %s", run.Status)
	}
}

func TestDispatchSeedsRunMemory(t *testing.T) {
	tool := &testkit.ScriptedTool{
		ToolName: "llm.respond",
		OnRun: func(_ context.Context, _ any, tc *core.ToolContext) (any, error) {
			return tc.Memory["seed"], nil
		},
	}
	f := newFixture(t, tool)

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        "Summarize this file",
		Candidates:  candidates(),
		Memory:      map[string]any{"seed": "value"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.StepResults[0].Output != "value" {
		t.Fatalf("tool did not see seeded memory: %v", result.StepResults[0].Output)
	}
}

func TestResume(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.Resume("missing"); err == nil {
		t.Fatal("resume without checkpoint must fail")
	}

	result, err := f.orch.Dispatch(context.Background(), DispatchRequest{
		WorkspaceID: "ws1",
		Goal:        longGoal,
		Candidates:  candidates(),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cp, err := f.orch.Resume(result.RunID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if cp.RunID != result.RunID || cp.Step == 0 {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("missing collaborators must be rejected")
	}
}
