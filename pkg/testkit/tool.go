// Copyright 2026 © The Veldt Authors
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides scripted tool fakes for exercising the acting
// engine and orchestrator without real tool backends.
package testkit

import (
	"context"
	"sync"
	"time"

	"github.com/veldtlabs/veldt/pkg/core"
)

// Invocation captures one recorded tool call for later inspection.
type Invocation struct {
	Tool  string
	Input any
	RunID string
}

// ScriptedTool is a fake tool with a scripted response. It records every
// invocation and can mutate run memory or inject latency and failures.
type ScriptedTool struct {
	ToolName     string
	Capabilities []string

	// Output is returned on success when OnRun is nil.
	Output any

	// Err fails the call when set and OnRun is nil.
	Err error

	// Delay sleeps before responding, for timeout tests.
	Delay time.Duration

	// MemoryWrites are applied to the tool context's memory on each call.
	MemoryWrites map[string]any

	// OnRun overrides the scripted behavior entirely when set.
	OnRun func(ctx context.Context, input any, tc *core.ToolContext) (any, error)

	mu          sync.Mutex
	invocations []Invocation
}

var _ core.Tool = (*ScriptedTool)(nil)

func (s *ScriptedTool) Name() string { return s.ToolName }

func (s *ScriptedTool) RequiredCapabilities() []string { return s.Capabilities }

func (s *ScriptedTool) Run(ctx context.Context, input any, tc *core.ToolContext) (any, error) {
	s.mu.Lock()
	inv := Invocation{Tool: s.ToolName, Input: input}
	if tc != nil {
		inv.RunID = tc.RunID
	}
	s.invocations = append(s.invocations, inv)
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.OnRun != nil {
		return s.OnRun(ctx, input, tc)
	}
	if tc != nil && len(s.MemoryWrites) > 0 {
		if tc.Memory == nil {
			tc.Memory = make(map[string]any)
		}
		for k, v := range s.MemoryWrites {
			tc.Memory[k] = v
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Output, nil
}

// Invocations returns a copy of the recorded calls.
func (s *ScriptedTool) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Invocation, len(s.invocations))
	copy(out, s.invocations)
	return out
}

// CallCount reports how many times the tool ran.
func (s *ScriptedTool) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invocations)
}

// Registry is an in-memory tool registry.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]core.Tool
}

var _ core.ToolRegistry = (*Registry)(nil)

// NewRegistry creates a registry preloaded with the given tools.
func NewRegistry(tools ...core.Tool) *Registry {
	r := &Registry{tools: make(map[string]core.Tool, len(tools))}
	for _, tool := range tools {
		r.tools[tool.Name()] = tool
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool core.Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()
}

func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) GetTool(name string) (core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}
