// Package tracing wraps OpenTelemetry spans for operation invocations.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used when no tracer is injected.
const TracerName = "github.com/ChuLiYu/opgate/operation"

// DefaultTracer returns the tracer from the global provider (no-op unless the
// process installs one).
func DefaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// InvocationSpan wraps an OpenTelemetry span with invocation-specific helpers.
type InvocationSpan struct {
	span trace.Span
}

// StartInvocation creates a span covering one invocation's execution.
func StartInvocation(ctx context.Context, tracer trace.Tracer, jobID string, resourceID int, operation string, workerID int) (context.Context, *InvocationSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("operation.invoke: %s", operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("operation.name", operation),
			attribute.String("operation.job_id", jobID),
			attribute.Int("operation.resource_id", resourceID),
			attribute.Int("operation.worker", workerID),
		),
	)
	return ctx, &InvocationSpan{span: span}
}

// End records the outcome and ends the span. failure may be nil.
func (s *InvocationSpan) End(outcome string, failure error) {
	if s == nil || s.span == nil {
		return
	}

	s.span.SetAttributes(attribute.String("operation.outcome", outcome))
	if failure != nil {
		s.span.RecordError(failure)
		s.span.SetStatus(codes.Error, failure.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
