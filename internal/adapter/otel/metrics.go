package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

const meterName = "orchestrator"

// Metrics holds all orchestration metric instruments.
type Metrics struct {
	Orchestrations       metric.Int64Counter
	RoleInvocations      metric.Int64Counter
	Handoffs             metric.Int64Counter
	Recoveries           metric.Int64Counter
	OrchestrationSeconds metric.Float64Histogram
	RoleSeconds          metric.Float64Histogram
	OrchestrationCost    metric.Float64Histogram
	PoolWaitSeconds      metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Orchestrations, err = meter.Int64Counter("orchestrator.orchestrations",
		metric.WithDescription("Terminated orchestrations by outcome"))
	if err != nil {
		return nil, err
	}

	m.RoleInvocations, err = meter.Int64Counter("orchestrator.role.invocations",
		metric.WithDescription("Model invocations by role, model and result"))
	if err != nil {
		return nil, err
	}

	m.Handoffs, err = meter.Int64Counter("orchestrator.handoffs",
		metric.WithDescription("Planned role transitions by reason"))
	if err != nil {
		return nil, err
	}

	m.Recoveries, err = meter.Int64Counter("orchestrator.recoveries",
		metric.WithDescription("Fallback-model retries and fallback-role entries"))
	if err != nil {
		return nil, err
	}

	m.OrchestrationSeconds, err = meter.Float64Histogram("orchestrator.orchestration.duration_seconds",
		metric.WithDescription("Orchestration wall time in seconds"))
	if err != nil {
		return nil, err
	}

	m.RoleSeconds, err = meter.Float64Histogram("orchestrator.role.duration_seconds",
		metric.WithDescription("Role invocation duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.OrchestrationCost, err = meter.Float64Histogram("orchestrator.orchestration.cost_usd",
		metric.WithDescription("Orchestration cost in USD"))
	if err != nil {
		return nil, err
	}

	m.PoolWaitSeconds, err = meter.Float64Histogram("orchestrator.pool.wait_seconds",
		metric.WithDescription("Time spent queued for an invocation slot"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordStep records one model invocation.
func (m *Metrics) RecordStep(ctx context.Context, s *orchestration.Step) {
	attrs := metric.WithAttributes(
		attribute.String("role", string(s.Role)),
		attribute.String("model", string(s.Model)),
		attribute.String("result", string(s.Result)),
	)
	m.RoleInvocations.Add(ctx, 1, attrs)
	m.RoleSeconds.Record(ctx, float64(s.DurationMs)/1000, attrs)
}

// RecordOrchestration records a terminated orchestration.
func (m *Metrics) RecordOrchestration(ctx context.Context, o *orchestration.Orchestration, cost float64) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(o.Outcome)),
		attribute.Bool("multi_role", o.TriggeredMultiRole),
	)
	m.Orchestrations.Add(ctx, 1, attrs)
	m.OrchestrationSeconds.Record(ctx, float64(o.DurationMs())/1000, attrs)
	m.OrchestrationCost.Record(ctx, cost, attrs)
	for i := range o.Handoffs {
		m.Handoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(o.Handoffs[i].Reason))))
	}
	for i := range o.Recoveries {
		m.Recoveries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(o.Recoveries[i].Reason)),
			attribute.String("to_role", string(o.Recoveries[i].ToRole)),
		))
	}
}
