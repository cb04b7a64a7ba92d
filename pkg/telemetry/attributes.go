// Copyright 2026 © The Veldt Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration for the orchestration
// core: exporter setup, trace-aware logging, and semantic attributes.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Veldt orchestration telemetry.
const (
	// Run attributes
	AttrRunID       = "veldt.run.id"
	AttrRunStatus   = "veldt.run.status"
	AttrAgentID     = "veldt.agent.id"
	AttrWorkspaceID = "veldt.workspace.id"

	// Plan attributes
	AttrPlanID    = "veldt.plan.id"
	AttrPlanKind  = "veldt.plan.kind"
	AttrPlanSteps = "veldt.plan.steps"
	AttrStepID    = "veldt.step.id"

	// Tool attributes
	AttrToolName       = "veldt.tool.name"
	AttrToolDurationMs = "veldt.tool.duration_ms"
	AttrToolSuccess    = "veldt.tool.success"

	// Capability attributes
	AttrCapability        = "veldt.capability.name"
	AttrCapabilityGranted = "veldt.capability.granted"

	// Budget attributes
	AttrBudgetTokens   = "veldt.budget.tokens"
	AttrBudgetUsed     = "veldt.budget.used"
	AttrBudgetExceeded = "veldt.budget.exceeded"

	// Event attributes
	AttrEventType = "veldt.event.type"
)

// RunAttributes returns the standard span attributes for one run.
func RunAttributes(runID, agentID, workspaceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.String(AttrAgentID, agentID),
		attribute.String(AttrWorkspaceID, workspaceID),
	}
}

// PlanAttributes returns the standard span attributes for one plan.
func PlanAttributes(planID, kind string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPlanID, planID),
		attribute.String(AttrPlanKind, kind),
		attribute.Int(AttrPlanSteps, steps),
	}
}

// BudgetAttributes returns the standard attributes for a ledger snapshot.
func BudgetAttributes(budget, used int, exceeded bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrBudgetTokens, budget),
		attribute.Int(AttrBudgetUsed, used),
		attribute.Bool(AttrBudgetExceeded, exceeded),
	}
}
