// Copyright 2026 © The Veldt Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine executes plan steps and micro-action batches through the
// tool registry, gating every tool call on the agent's granted capabilities
// and recording a full audit trail of the attempt.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veldtlabs/veldt/pkg/contextopt"
	"github.com/veldtlabs/veldt/pkg/core"
	"github.com/veldtlabs/veldt/pkg/errors"
	"github.com/veldtlabs/veldt/pkg/planning"
	"github.com/veldtlabs/veldt/pkg/resilience"
	"github.com/veldtlabs/veldt/pkg/telemetry"
)

// DefaultToolTimeout bounds a single tool invocation.
const DefaultToolTimeout = 2 * time.Minute

// StepStatus summarizes the outcome of a step or batch.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusPartial StepStatus = "partial"
	StatusFailed  StepStatus = "failed"
)

// ToolCall records one tool invocation, successful or not.
type ToolCall struct {
	ToolName   string    `json:"tool_name"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// CapabilityCheck records one gate decision. Every required capability is
// checked and recorded, granted or not, so a denial is fully explainable.
type CapabilityCheck struct {
	Capability string `json:"capability"`
	Granted    bool   `json:"granted"`
}

// MemoryChange records a run-memory mutation a tool made during the call.
type MemoryChange struct {
	Key           string `json:"key"`
	PreviousValue any    `json:"previous_value,omitempty"`
	NewValue      any    `json:"new_value,omitempty"`
}

// StepResult is the audit trail of one executed step or micro batch.
type StepResult struct {
	StepID           string            `json:"step_id"`
	Status           StepStatus        `json:"status"`
	Output           any               `json:"output,omitempty"`
	Error            string            `json:"error,omitempty"`
	ToolCalls        []ToolCall        `json:"tool_calls,omitempty"`
	CapabilityChecks []CapabilityCheck `json:"capability_checks,omitempty"`
	MemoryChanges    []MemoryChange    `json:"memory_changes,omitempty"`
}

// Engine runs steps against the tool registry. The capability gate fails
// closed: a tool whose requirements are not all granted never runs.
type Engine struct {
	registry    core.ToolRegistry
	toolTimeout time.Duration

	dedupeWindow     int
	maxContextTokens int
}

// New creates an engine. A non-positive timeout falls back to
// DefaultToolTimeout.
func New(registry core.ToolRegistry, toolTimeout time.Duration) *Engine {
	if toolTimeout <= 0 {
		toolTimeout = DefaultToolTimeout
	}
	return &Engine{registry: registry, toolTimeout: toolTimeout}
}

// WithContextBudget makes the engine shape textual tool inputs before each
// call: message slices are deduplicated inside the trailing window and string
// inputs are truncated to maxTokens. A non-positive maxTokens leaves strings
// uncapped.
func (e *Engine) WithContextBudget(dedupeWindow, maxTokens int) *Engine {
	e.dedupeWindow = dedupeWindow
	e.maxContextTokens = maxTokens
	return e
}

// shapeInput applies the context budget to textual inputs. Non-text inputs
// pass through untouched; the tool owns their size.
func (e *Engine) shapeInput(input any) any {
	switch v := input.(type) {
	case string:
		if e.maxContextTokens > 0 {
			return contextopt.OptimizeContextSize(v, e.maxContextTokens)
		}
	case []string:
		return contextopt.DeduplicateContext(v, e.dedupeWindow)
	}
	return input
}

// ExecuteStep runs one skeleton step for an agent holding the given
// capabilities. The returned StepResult always carries the capability checks
// that were made, even when the step never reached the tool.
func (e *Engine) ExecuteStep(ctx context.Context, step planning.SkeletonStep, granted []string, tc *core.ToolContext) (*StepResult, error) {
	initEngineMetrics()
	ctx, span := otel.Tracer("veldt/engine").Start(ctx, "engine.step",
		trace.WithAttributes(
			attribute.String(telemetry.AttrStepID, step.StepID),
			attribute.String(telemetry.AttrToolName, step.Tool),
		),
	)
	defer span.End()

	result := &StepResult{StepID: step.StepID, Status: StatusSuccess}
	call, err := e.invoke(ctx, step.Tool, step.Input, granted, tc, result)
	if call != nil {
		result.ToolCalls = append(result.ToolCalls, *call)
	}
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		slog.Default().Warn("engine.step.failed",
			slog.String("step_id", step.StepID),
			slog.String("tool", step.Tool),
			slog.String("error", err.Error()),
		)
		return result, err
	}
	if call != nil {
		result.Output = call.Output
	}
	slog.Default().Info("engine.step.complete",
		slog.String("step_id", step.StepID),
		slog.String("tool", step.Tool),
	)
	return result, nil
}

// ExecuteDirect runs a direct-execute plan's single action.
func (e *Engine) ExecuteDirect(ctx context.Context, plan *planning.DirectExecutePlan, granted []string, tc *core.ToolContext) (*StepResult, error) {
	step := planning.SkeletonStep{
		StepID:  plan.Action.ActionID,
		AgentID: plan.AgentID,
		Tool:    plan.Action.Tool,
		Input:   plan.Action.Input,
	}
	return e.ExecuteStep(ctx, step, granted, tc)
}

// ExecuteMicro runs a micro batch in order. A failed action does not stop the
// batch; later actions still run and the aggregate status reports partial
// when outcomes are mixed. The error returned is the first failure, with the
// full audit trail in the result.
func (e *Engine) ExecuteMicro(ctx context.Context, plan *planning.MicroPlan, granted []string, tc *core.ToolContext) (*StepResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	initEngineMetrics()
	ctx, span := otel.Tracer("veldt/engine").Start(ctx, "engine.micro",
		trace.WithAttributes(
			attribute.String(telemetry.AttrPlanID, plan.PlanID),
			attribute.Int(telemetry.AttrPlanSteps, len(plan.Actions)),
		),
	)
	defer span.End()

	result := &StepResult{StepID: plan.PlanID}
	failures := 0
	var firstErr error
	for _, action := range plan.Actions {
		call, err := e.invoke(ctx, action.Tool, action.Input, granted, tc, result)
		if call != nil {
			result.ToolCalls = append(result.ToolCalls, *call)
		}
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			span.RecordError(err)
			slog.Default().Warn("engine.micro.action_failed",
				slog.String("plan_id", plan.PlanID),
				slog.String("action_id", action.ActionID),
				slog.String("tool", action.Tool),
				slog.String("error", err.Error()),
			)
		}
	}

	switch {
	case failures == 0:
		result.Status = StatusSuccess
	case failures == len(plan.Actions):
		result.Status = StatusFailed
	default:
		result.Status = StatusPartial
	}
	if firstErr != nil {
		result.Error = firstErr.Error()
	}
	slog.Default().Info("engine.micro.complete",
		slog.String("plan_id", plan.PlanID),
		slog.String("status", string(result.Status)),
		slog.Int("actions", len(plan.Actions)),
		slog.Int("failures", failures),
	)
	return result, firstErr
}

// invoke resolves, gates, and runs one tool, appending capability checks and
// memory changes to the result. Returns the tool call record (nil when the
// tool never ran) and the failure, if any.
func (e *Engine) invoke(ctx context.Context, toolName string, input any, granted []string, tc *core.ToolContext, result *StepResult) (*ToolCall, error) {
	if e.registry == nil {
		return nil, errors.New(errors.CodePrecondition, "engine has no tool registry", nil)
	}
	tool, ok := e.registry.GetTool(toolName)
	if !ok {
		return nil, errors.New(errors.CodeToolFailure,
			fmt.Sprintf("tool %q is not registered", toolName), nil).
			WithContext("tool", toolName)
	}

	grantedSet := make(map[string]bool, len(granted))
	for _, c := range granted {
		grantedSet[c] = true
	}
	denied := ""
	for _, required := range tool.RequiredCapabilities() {
		ok := grantedSet[required]
		result.CapabilityChecks = append(result.CapabilityChecks, CapabilityCheck{
			Capability: required,
			Granted:    ok,
		})
		if !ok && denied == "" {
			denied = required
		}
	}
	if denied != "" {
		capabilityDeniedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String(telemetry.AttrToolName, toolName),
			attribute.String(telemetry.AttrCapability, denied),
		))
		return nil, errors.New(errors.CodeCapabilityDenied,
			fmt.Sprintf("tool %q requires capability %q which the agent does not hold", toolName, denied), nil).
			WithContext("tool", toolName).
			WithContext("capability", denied).
			WithRecoverable(false)
	}

	input = e.shapeInput(input)
	before := snapshotMemory(tc)
	start := time.Now()
	output, err := resilience.WithTimeoutResult(ctx, resilience.TimeoutConfig{Duration: e.toolTimeout},
		func() (any, error) {
			return tool.Run(ctx, input, tc)
		})
	elapsed := time.Since(start)

	call := &ToolCall{
		ToolName:   toolName,
		Input:      input,
		Output:     output,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  start.UTC(),
	}
	toolCallCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(telemetry.AttrToolName, toolName),
		attribute.Bool(telemetry.AttrToolSuccess, err == nil),
	))
	toolLatencyMs.Record(ctx, float64(elapsed.Seconds()*1000), metric.WithAttributes(
		attribute.String(telemetry.AttrToolName, toolName),
	))

	result.MemoryChanges = append(result.MemoryChanges, diffMemory(before, tc)...)

	if err != nil {
		call.Error = err.Error()
		if ve, ok := err.(*errors.VeldtError); ok && ve.Code == errors.CodeTimeout {
			return call, err
		}
		return call, errors.New(errors.CodeToolFailure,
			fmt.Sprintf("tool %q failed", toolName), err).
			WithContext("tool", toolName).
			WithRecoverable(true)
	}
	return call, nil
}

func snapshotMemory(tc *core.ToolContext) map[string]any {
	if tc == nil || tc.Memory == nil {
		return nil
	}
	out := make(map[string]any, len(tc.Memory))
	for k, v := range tc.Memory {
		out[k] = v
	}
	return out
}

func diffMemory(before map[string]any, tc *core.ToolContext) []MemoryChange {
	if tc == nil {
		return nil
	}
	var changes []MemoryChange
	for k, v := range tc.Memory {
		prev, existed := before[k]
		if !existed {
			changes = append(changes, MemoryChange{Key: k, NewValue: v})
			continue
		}
		if fmt.Sprintf("%v", prev) != fmt.Sprintf("%v", v) {
			changes = append(changes, MemoryChange{Key: k, PreviousValue: prev, NewValue: v})
		}
	}
	for k, prev := range before {
		if _, still := tc.Memory[k]; !still {
			changes = append(changes, MemoryChange{Key: k, PreviousValue: prev})
		}
	}
	return changes
}

var (
	engineMetricsOnce       sync.Once
	toolCallCounter         metric.Int64Counter
	capabilityDeniedCounter metric.Int64Counter
	toolLatencyMs           metric.Float64Histogram
)

func initEngineMetrics() {
	engineMetricsOnce.Do(func() {
		meter := otel.Meter("veldt/engine")
		toolCallCounter, _ = meter.Int64Counter("veldt.engine.tool_call.count")
		capabilityDeniedCounter, _ = meter.Int64Counter("veldt.engine.capability_denied.count")
		toolLatencyMs, _ = meter.Float64Histogram("veldt.engine.tool_call.latency_ms")
	})
}
