package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

const tracerName = "orchestrator"

// StartOrchestrationSpan starts a span covering one orchestration.
func StartOrchestrationSpan(ctx context.Context, id, requestID string, policyVersion int64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "orchestration",
		trace.WithAttributes(
			attribute.String("orchestration.id", id),
			attribute.String("request.id", requestID),
			attribute.Int64("policy.version", policyVersion),
		),
	)
}

// StartRoleSpan starts a span for a single model invocation of a role.
func StartRoleSpan(ctx context.Context, role orchestration.RoleName, model orchestration.ModelRef, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "role."+string(role),
		trace.WithAttributes(
			attribute.String("role", string(role)),
			attribute.String("model", string(model)),
			attribute.Int("attempt", attempt),
		),
	)
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
