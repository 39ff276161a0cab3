package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrInstanceGUID = "instance.guid"
	AttrInstanceKind = "instance.kind"
	AttrTypeName     = "type.name"
	AttrVersion      = "instance.version"

	AttrSearchOp      = "search.op"
	AttrSearchResults = "search.results"

	AttrProcessName     = "process.name"
	AttrProcessInstance = "process.instance"
	AttrStepKey         = "step.key"
	AttrStepGUID        = "step.guid"
	AttrRequestType     = "step.request_type"
	AttrStepStatus      = "step.status"
	AttrGuards          = "step.guards"

	AttrErrorMessage = "error.message"
)

// Span name prefixes.
const (
	SpanPrefixGraph    = "graph."
	SpanPrefixSearch   = "search."
	SpanPrefixWorkflow = "workflow."
	SpanPrefixStore    = "store."
)

// Event names for span events.
const (
	EventLockAcquired   = "lock.acquired"
	EventRetry          = "retry"
	EventCommitted      = "committed"
	EventSuccessorSpawn = "successor.spawned"
)

// OrNoop returns t, or a no-op tracer when t is nil.
func OrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return t
}

// Start opens an internal span.
func Start(ctx context.Context, t trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
