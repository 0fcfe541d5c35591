package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type runIDKey struct{}
type storyPathKey struct{}
type epicPathKey struct{}
type roleKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a pipeline run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithStoryPath attaches the story under processing to the context.
func WithStoryPath(ctx context.Context, storyPath string) context.Context {
	return context.WithValue(ctx, storyPathKey{}, storyPath)
}

// StoryPath extracts the story path from context. Returns "" if absent.
func StoryPath(ctx context.Context) string {
	if v, ok := ctx.Value(storyPathKey{}).(string); ok {
		return v
	}
	return ""
}

// WithEpicPath attaches the epic under processing to the context.
func WithEpicPath(ctx context.Context, epicPath string) context.Context {
	return context.WithValue(ctx, epicPathKey{}, epicPath)
}

// EpicPath extracts the epic path from context. Returns "" if absent.
func EpicPath(ctx context.Context) string {
	if v, ok := ctx.Value(epicPathKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRole attaches the active agent role name to the context.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// Role extracts the active role name from context. Returns "" if absent.
func Role(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey{}).(string); ok {
		return v
	}
	return ""
}
