// Command veldt runs the orchestration core from the terminal: dispatch a
// goal against a local agent, inspect the capability catalog, validate a
// capability file, or audit stored agent definitions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veldtlabs/veldt/pkg/budget"
	"github.com/veldtlabs/veldt/pkg/capability"
	"github.com/veldtlabs/veldt/pkg/config"
	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/engine"
	"github.com/veldtlabs/veldt/pkg/events"
	"github.com/veldtlabs/veldt/pkg/planning"
	"github.com/veldtlabs/veldt/pkg/resilience"
	"github.com/veldtlabs/veldt/pkg/runtime"
	"github.com/veldtlabs/veldt/pkg/state"
	"github.com/veldtlabs/veldt/pkg/store"
	"github.com/veldtlabs/veldt/pkg/telemetry"
	"github.com/veldtlabs/veldt/pkg/testkit"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "path to veldt.yaml")
	storePath := flag.String("store", "", "definition store directory")
	asJSON := flag.Bool("json", false, "emit JSON output")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("veldt", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.Endpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(shutdownCtx)
	}()

	switch args[0] {
	case "run":
		err = runGoal(ctx, cfg, *storePath, args[1:], *asJSON)
	case "capabilities":
		err = listCapabilities(*asJSON)
	case "validate":
		err = validateCatalog(args[1:])
	case "agents":
		err = auditAgents(ctx, args[1:], *asJSON)
	case "version":
		fmt.Println(version)
	default:
		printUsage()
		err = fmt.Errorf("unknown command: %s", args[0])
	}
	if err != nil {
		fatal(err)
	}
}

func runGoal(ctx context.Context, cfg *config.Config, storePath string, args []string, asJSON bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: veldt run <goal>")
	}
	goal := args[0]

	var definitions core.DefinitionStore
	if storePath != "" {
		fs, err := store.NewFileStore(storePath)
		if err != nil {
			return err
		}
		definitions = fs
	}

	echo := &testkit.ScriptedTool{ToolName: "llm.respond", OnRun: func(_ context.Context, input any, _ *core.ToolContext) (any, error) {
		return fmt.Sprintf("executed: %v", input), nil
	}}

	stateManager := state.NewManager(cfg.State.RunTTL)
	checkpoints := state.NewCheckpointManager()
	sweeper := state.NewSweeper(cfg.State.SweepInterval,
		stateManager,
		state.NewCheckpointReclaimer(checkpoints, cfg.State.RunTTL),
	)
	sweeper.Start()
	defer sweeper.Stop()

	orch, err := runtime.New(runtime.Options{
		Builder: planning.NewBuilder("llm.respond"),
		Engine: engine.New(testkit.NewRegistry(echo), cfg.Engine.ToolTimeout).
			WithContextBudget(cfg.Context.DedupeWindow, cfg.Context.MaxTokens),
		Budget:      budget.NewManager(cfg.Budget.DefaultTokens),
		State:       stateManager,
		Checkpoints: checkpoints,
		Bus:         events.NewBus(),
		Definitions: definitions,
	})
	if err != nil {
		return err
	}

	// Recoverable dispatch failures (tool hiccups) get one more attempt;
	// denials and budget stops are non-recoverable and return immediately.
	var result *runtime.DispatchResult
	retry := resilience.DefaultRetryConfig().WithMaxAttempts(2)
	err = retry.Do(ctx, func() error {
		var dispatchErr error
		result, dispatchErr = orch.Dispatch(ctx, runtime.DispatchRequest{
			WorkspaceID: "local",
			Goal:        goal,
			Candidates: []core.AgentCandidate{
				{AgentID: "local-agent", Name: "Local", Capabilities: []string{"files.read"}},
			},
		})
		return dispatchErr
	})
	if err != nil {
		return err
	}
	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	fmt.Printf("run %s: %s (%s plan, %d steps, %d tokens)\n",
		result.RunID, result.Status, result.PlanKind, len(result.StepResults), result.TokensUsed)
	for _, step := range result.StepResults {
		fmt.Printf("  %s: %s\n", step.StepID, step.Status)
	}
	return nil
}

func listCapabilities(asJSON bool) error {
	catalog := capability.DefaultCatalog()
	if asJSON {
		caps := make([]core.CapabilityDefinition, 0, catalog.Len())
		for _, name := range catalog.Names() {
			if def, ok := catalog.Get(name); ok {
				caps = append(caps, def)
			}
		}
		return json.NewEncoder(os.Stdout).Encode(caps)
	}
	for _, name := range catalog.Names() {
		def, _ := catalog.Get(name)
		line := name
		if len(def.Requires) > 0 {
			line += fmt.Sprintf(" (requires %v)", def.Requires)
		}
		if def.DangerousPermission {
			line += " [dangerous]"
		}
		fmt.Println(line)
	}
	return nil
}

func validateCatalog(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: veldt validate <capabilities.yaml>")
	}
	catalog, err := capability.LoadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d capabilities\n", catalog.Len())
	return nil
}

// auditAgents loads every stored agent definition and runs it through the
// capability gate, the same check that guards an install.
func auditAgents(ctx context.Context, args []string, asJSON bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: veldt agents <store-dir>")
	}
	fs, err := store.NewFileStore(args[0])
	if err != nil {
		return err
	}
	agents, err := fs.ListAgents(ctx)
	if err != nil {
		return err
	}
	catalog := capability.DefaultCatalog()

	type audit struct {
		AgentID string            `json:"agent_id"`
		Result  capability.Result `json:"result"`
	}
	audits := make([]audit, 0, len(agents))
	denied := 0
	for _, agent := range agents {
		result := capability.Enforce(agent, catalog)
		if !result.Allowed {
			denied++
		}
		audits = append(audits, audit{AgentID: agent.ID, Result: result})
	}
	if asJSON {
		if err := json.NewEncoder(os.Stdout).Encode(audits); err != nil {
			return err
		}
	} else {
		for _, a := range audits {
			status := "ok"
			if !a.Result.Allowed {
				status = "denied"
			}
			fmt.Printf("%s: %s\n", a.AgentID, status)
			for _, issue := range a.Result.Issues {
				fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
			}
			for _, esc := range a.Result.Escalations {
				fmt.Printf("  escalation: %s requires approval\n", esc)
			}
		}
	}
	if denied > 0 {
		return fmt.Errorf("%d of %d agents denied", denied, len(agents))
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `veldt - agent orchestration core

Usage:
  veldt [flags] <command>

Commands:
  run <goal>                  dispatch a goal against the local agent
  capabilities                list the default capability catalog
  validate <file>             validate a capability catalog file
  agents <store-dir>          audit stored agent definitions against the catalog
  version                     print the version

Flags:
  -config <path>              path to veldt.yaml
  -store <dir>                definition store directory for the run gate
  -json                       emit JSON output`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
