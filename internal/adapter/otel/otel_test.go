package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/config"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.OTEL{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetricsRecordOnNoopProvider(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.RecordStep(ctx, &orchestration.Step{Role: orchestration.RoleReasoning, Model: "m", Result: orchestration.StepSucceeded, DurationMs: 20})

	now := time.Now()
	done := now.Add(time.Second)
	o := &orchestration.Orchestration{
		Outcome:     orchestration.OutcomeDegraded,
		StartedAt:   now,
		CompletedAt: &done,
		Handoffs:    []orchestration.HandoffEvent{{Reason: orchestration.ReasonBudgetExceeded}},
		Recoveries:  []orchestration.HandoffEvent{{Reason: orchestration.ReasonTimeout, ToRole: orchestration.RoleToolExecution}},
	}
	m.RecordOrchestration(ctx, o, 0.02)
}

func TestSpansAndMiddleware(t *testing.T) {
	ctx, span := StartOrchestrationSpan(context.Background(), "o1", "r1", 3)
	_, role := StartRoleSpan(ctx, orchestration.RoleSynthesis, "openai/gpt-4o", 1)
	EndSpan(role, errors.New("boom"))
	EndSpan(span, nil)

	h := HTTPMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
