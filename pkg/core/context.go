package core

import (
	"context"
)

type runIDKey struct{}
type workspaceIDKey struct{}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}

// WithWorkspaceID attaches a workspace id to the context.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workspaceIDKey{}, id)
}

// WorkspaceIDFromContext returns the workspace id if present.
func WorkspaceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workspaceIDKey{}).(string)
	return id, ok
}
