package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for pipeline spans.
var (
	AttrEpicID    = attribute.Key("storyflow.epic.id")
	AttrStoryPath = attribute.Key("storyflow.story.path")
	AttrRole      = attribute.Key("storyflow.role")
	AttrStatus    = attribute.Key("storyflow.story.status")
	AttrIteration = attribute.Key("storyflow.story.iteration")
	AttrAttempt   = attribute.Key("storyflow.sdk.attempt")
	AttrModel     = attribute.Key("storyflow.llm.model")
	AttrPhase     = attribute.Key("storyflow.phase")
	AttrRound     = attribute.Key("storyflow.phase.round")
	AttrKind      = attribute.Key("storyflow.sdk.kind")
)

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// StartSpan starts an internal span with common attributes. A nil
// tracer yields a no-op span so callers built without telemetry need no
// guard.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = noopTracer
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent session,
// analyzer subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = noopTracer
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
