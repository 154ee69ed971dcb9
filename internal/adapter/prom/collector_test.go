package prom

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/metrics"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

type fixedSnapshot metrics.Aggregate

func (f fixedSnapshot) Snapshot() metrics.Aggregate { return metrics.Aggregate(f) }

type fixedPool struct{}

func (fixedPool) Limit() int       { return 8 }
func (fixedPool) InFlight() int64  { return 3 }
func (fixedPool) Waiting() int64   { return 1 }
func (fixedPool) Abandoned() int64 { return 5 }

type fixedBreakers map[string]string

func (f fixedBreakers) States() map[string]string { return f }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	srv := httptest.NewServer(Handler(c))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(body)
}

func TestCollectorExportsSnapshot(t *testing.T) {
	snap := fixedSnapshot{
		TotalOrchestrations: 5,
		TotalRecoveries:     2,
		MultiRoleCount:      4,
		Breakdown: map[orchestration.Outcome]int64{
			orchestration.OutcomeCompleted: 3,
			orchestration.OutcomeCancelled: 2,
		},
		HandoffReasons: map[orchestration.HandoffReason]int64{orchestration.ReasonBudgetExceeded: 1},
		PerRole: map[orchestration.RoleName]metrics.RoleStats{
			orchestration.RoleReasoning: {UsageCount: 5, Invocations: 6, Failures: 1, TotalCost: 0.5},
		},
	}
	body := scrape(t, NewCollector(snap, fixedPool{}, fixedBreakers{"openai/gpt-4o": "open"}))

	for _, want := range []string{
		"orchestrator_orchestrations 5",
		`orchestrator_orchestration_outcomes{outcome="cancelled"} 2`,
		`orchestrator_handoffs{reason="budget_exceeded"} 1`,
		`orchestrator_role_invocations{role="reasoning"} 6`,
		`orchestrator_role_cost_usd{role="reasoning"} 0.5`,
		"orchestrator_invocation_pool_in_flight 3",
		"orchestrator_invocation_pool_abandoned 5",
		`orchestrator_circuit_breaker_open{model="openai/gpt-4o",state="open"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestCollectorWithoutOptionalSources(t *testing.T) {
	body := scrape(t, NewCollector(fixedSnapshot{}, nil, nil))
	if !strings.Contains(body, "orchestrator_orchestrations 0") {
		t.Error("expected zero-valued orchestration counter")
	}
	if strings.Contains(body, "orchestrator_invocation_pool_limit") {
		t.Error("pool gauges must be absent without a pool")
	}
}
