package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ankurrokad/distributed-job-runner/handler"
)

// tracerName is the instrumentation scope name for engine tracing.
const tracerName = "github.com/ankurrokad/distributed-job-runner"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: djr.workflow.id, djr.step.id, djr.step.name, and
// djr.step.attempt. On error, the span status is set to codes.Error with the
// error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *handler.Task, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "djr.step.execute",
			trace.WithAttributes(
				attribute.String("djr.workflow.id", t.WorkflowID.String()),
				attribute.String("djr.step.id", t.StepID.String()),
				attribute.String("djr.step.name", t.Name),
				attribute.Int("djr.step.attempt", t.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return result, err
	}
}
