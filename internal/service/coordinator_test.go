package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/memory"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/broadcast"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/modelinvoker"
	"github.com/agentic-work/openagenticwork-sub000/internal/resilience"
)

const (
	mReason     orchestration.ModelRef = "test/reason"
	mReasonFB   orchestration.ModelRef = "test/reason-fb"
	mTool       orchestration.ModelRef = "test/tool"
	mToolFB     orchestration.ModelRef = "test/tool-fb"
	mToolCheap  orchestration.ModelRef = "test/tool-cheap"
	mSynth      orchestration.ModelRef = "test/synth"
	mSynthFB    orchestration.ModelRef = "test/synth-fb"
	mFallback   orchestration.ModelRef = "test/fallback"
	mFallbackFB orchestration.ModelRef = "test/fallback-fb"
)

type invokeFunc func(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error)

// mockInvoker records every call and delegates to fn. A nil fn succeeds.
type mockInvoker struct {
	mu    sync.Mutex
	calls []modelinvoker.Request
	fn    invokeFunc
}

func (m *mockInvoker) Invoke(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.fn == nil {
		return succeed(req), nil
	}
	return m.fn(ctx, req)
}

func (m *mockInvoker) models() []orchestration.ModelRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]orchestration.ModelRef, len(m.calls))
	for i := range m.calls {
		out[i] = m.calls[i].Model
	}
	return out
}

func succeed(req modelinvoker.Request) modelinvoker.Result {
	return modelinvoker.Result{Output: "out:" + string(req.Role), TokensUsed: 10, Cost: 0.01, DurationMs: 5}
}

func fail(kind orchestration.InvocationErrorKind) invokeFunc {
	return func(_ context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
		return modelinvoker.Result{}, &orchestration.RoleInvocationError{Kind: kind, Role: req.Role, Model: req.Model, Err: errors.New("boom")}
	}
}

// failing returns an invokeFunc that fails for the given models and
// succeeds for everything else.
func failing(models ...orchestration.ModelRef) invokeFunc {
	bad := make(map[orchestration.ModelRef]bool, len(models))
	for _, m := range models {
		bad[m] = true
	}
	return func(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
		if bad[req.Model] {
			return fail(orchestration.KindProviderUnavailable)(ctx, req)
		}
		return succeed(req), nil
	}
}

func hang(ctx context.Context, _ modelinvoker.Request) (modelinvoker.Result, error) {
	<-ctx.Done()
	return modelinvoker.Result{}, ctx.Err()
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockBroadcaster) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func setRole(p *orchestration.Policy, role orchestration.RoleName, fn func(rc *orchestration.RoleConfig)) {
	rc := p.Roles[role]
	fn(&rc)
	p.Roles[role] = rc
}

// testPolicy returns a valid policy with a distinct primary and fallback
// model per role.
func testPolicy() orchestration.Policy {
	p := orchestration.DefaultPolicy()
	setRole(&p, orchestration.RoleReasoning, func(rc *orchestration.RoleConfig) {
		rc.PrimaryModel, rc.FallbackModel = mReason, mReasonFB
	})
	setRole(&p, orchestration.RoleToolExecution, func(rc *orchestration.RoleConfig) {
		rc.PrimaryModel, rc.FallbackModel = mTool, mToolFB
		rc.Options = orchestration.ToolExecutionOptions{CheaperModel: mToolCheap}
	})
	setRole(&p, orchestration.RoleSynthesis, func(rc *orchestration.RoleConfig) {
		rc.PrimaryModel, rc.FallbackModel = mSynth, mSynthFB
	})
	setRole(&p, orchestration.RoleFallback, func(rc *orchestration.RoleConfig) {
		rc.PrimaryModel, rc.FallbackModel = mFallback, mFallbackFB
	})
	p.Routing.ComplexityThreshold = 60
	p.Routing.MaxHandoffs = 3
	p.Routing.AlwaysMultiModelPatterns = []string{`\bdeep dive\b`}
	p.SliderOverride = orchestration.SliderOverride{EnableAbovePosition: 70, ScaleBySlider: true}
	return p
}

type harness struct {
	coord   *Coordinator
	store   *PolicyStore
	invoker *mockInvoker
	metrics *MetricsCollector
	hub     *mockBroadcaster
}

func newHarness(t *testing.T, p orchestration.Policy, fn invokeFunc) *harness {
	t.Helper()
	ctx := context.Background()

	store := NewPolicyStore(memory.NewPolicyRepo(), nil, nil, nil, 8)
	if err := store.Load(ctx, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := store.Replace(ctx, p, "test"); err != nil {
		t.Fatalf("replace: %v", err)
	}

	inv := &mockInvoker{fn: fn}
	mc := NewMetricsCollector(nil, nil, 16, time.Hour)
	hub := &mockBroadcaster{}
	coord := NewCoordinator(store, NewClassifier(nil), NewRoleInvoker(inv, resilience.NewPool(8), time.Second), mc, 5*time.Second)
	coord.SetBroadcaster(hub)
	return &harness{coord: coord, store: store, invoker: inv, metrics: mc, hub: hub}
}

// multiRoleRequest matches the test policy's always-multi-model pattern.
func multiRoleRequest() *orchestration.Request {
	return &orchestration.Request{RequestID: "req-1", UserID: "u1", Message: "Do a deep dive into the quarterly numbers"}
}

func neutral(n int) string {
	return strings.Repeat("x", n)
}

func TestScenarioSingleRoleBelowThreshold(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	slider := 10
	req := &orchestration.Request{Message: neutral(500), SliderPosition: &slider}

	res, err := h.coord.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Decision.Score != 20 {
		t.Errorf("score = %d, want 20", res.Decision.Score)
	}
	if res.Decision.TriggerMultiRole || res.Decision.Reason != orchestration.TriggerBelowThreshold {
		t.Errorf("decision = %+v, want single-role below_threshold", res.Decision)
	}
	if len(res.Pipeline) != 1 || res.Pipeline[0] != orchestration.RoleReasoning {
		t.Errorf("pipeline = %v, want [reasoning]", res.Pipeline)
	}
	if len(res.Handoffs) != 0 {
		t.Errorf("handoffs = %d, want 0", len(res.Handoffs))
	}
	if res.Status != orchestration.StatusCompleted || res.Outcome != orchestration.OutcomeCompleted {
		t.Errorf("status=%s outcome=%s", res.Status, res.Outcome)
	}
	if res.Output != "out:reasoning" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestScenarioPatternMatchRunsFullPipeline(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	req := &orchestration.Request{Message: "deep dive into " + neutral(235)}

	res, err := h.coord.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Decision.Score != 10 {
		t.Errorf("score = %d, want 10", res.Decision.Score)
	}
	if !res.Decision.TriggerMultiRole || res.Decision.Reason != orchestration.TriggerPatternMatch {
		t.Errorf("decision = %+v, want pattern_match", res.Decision)
	}
	want := []orchestration.RoleName{orchestration.RoleReasoning, orchestration.RoleToolExecution, orchestration.RoleSynthesis}
	if fmt.Sprint(res.Pipeline) != fmt.Sprint(want) {
		t.Fatalf("pipeline = %v, want %v", res.Pipeline, want)
	}
	if len(res.Handoffs) != 2 {
		t.Fatalf("handoffs = %d, want 2", len(res.Handoffs))
	}
	for i, ev := range res.Handoffs {
		if ev.Reason != orchestration.ReasonNormal || ev.FromRole != want[i] || ev.ToRole != want[i+1] {
			t.Errorf("handoff %d = %+v", i, ev)
		}
	}
	if res.Output != "out:synthesis" || res.Degraded {
		t.Errorf("output=%q degraded=%v", res.Output, res.Degraded)
	}

	// Each role sees the outputs of the roles before it.
	h.invoker.mu.Lock()
	synth := h.invoker.calls[2]
	h.invoker.mu.Unlock()
	if len(synth.Context.Prior) != 2 || synth.Context.Prior[1].Output != "out:tool_execution" {
		t.Errorf("synthesis prior = %+v", synth.Context.Prior)
	}
}

func TestScenarioToolTimeoutRetriesWithFallbackModel(t *testing.T) {
	p := testPolicy()
	setRole(&p, orchestration.RoleToolExecution, func(rc *orchestration.RoleConfig) {
		rc.Timeout = 30 * time.Millisecond
	})
	h := newHarness(t, p, func(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
		if req.Model == mTool {
			return hang(ctx, req)
		}
		return succeed(req), nil
	})

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Recoveries) != 1 {
		t.Fatalf("recoveries = %d, want 1", len(res.Recoveries))
	}
	rec := res.Recoveries[0]
	if rec.Reason != orchestration.ReasonTimeout || rec.ModelUsed != mToolFB || rec.ToRole != orchestration.RoleToolExecution {
		t.Errorf("recovery = %+v", rec)
	}
	if len(res.Handoffs) != 2 || res.Handoffs[1].ToRole != orchestration.RoleSynthesis {
		t.Errorf("handoffs = %+v", res.Handoffs)
	}
	if res.Status != orchestration.StatusCompleted || res.Degraded {
		t.Errorf("status=%s degraded=%v, want completed and not degraded", res.Status, res.Degraded)
	}
	got := fmt.Sprint(h.invoker.models())
	want := fmt.Sprint([]orchestration.ModelRef{mReason, mTool, mToolFB, mSynth})
	if got != want {
		t.Errorf("models = %s, want %s", got, want)
	}
	if res.Steps[1].Result != orchestration.StepTimeout {
		t.Errorf("step 1 result = %s, want timeout", res.Steps[1].Result)
	}
}

func TestScenarioBudgetForcesSynthesis(t *testing.T) {
	p := testPolicy()
	p.Routing.MaxHandoffs = 1
	h := newHarness(t, p, nil)

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Handoffs) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(res.Handoffs))
	}
	ev := res.Handoffs[0]
	if ev.Reason != orchestration.ReasonBudgetExceeded || ev.FromRole != orchestration.RoleReasoning || ev.ToRole != orchestration.RoleSynthesis {
		t.Errorf("handoff = %+v", ev)
	}
	if res.Status != orchestration.StatusCompleted || !res.Degraded || res.Outcome != orchestration.OutcomeDegraded {
		t.Errorf("status=%s outcome=%s degraded=%v", res.Status, res.Outcome, res.Degraded)
	}
	for _, m := range h.invoker.models() {
		if m == mTool {
			t.Error("tool_execution should have been skipped")
		}
	}
}

func TestScenarioSliderTriggersMultiRole(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	slider := 85
	res, err := h.coord.Run(context.Background(), &orchestration.Request{Message: neutral(125), SliderPosition: &slider})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Decision.Score != 5 || !res.Decision.TriggerMultiRole || res.Decision.Reason != orchestration.TriggerSlider {
		t.Errorf("decision = %+v, want score 5 via slider", res.Decision)
	}
}

func TestFallbackExhaustionReachesFallbackRole(t *testing.T) {
	h := newHarness(t, testPolicy(), failing(mTool, mToolFB))

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != orchestration.OutcomeDegraded || res.Status != orchestration.StatusCompleted {
		t.Fatalf("outcome=%s status=%s, want degraded completion", res.Outcome, res.Status)
	}
	if res.Output != "out:fallback" {
		t.Errorf("output = %q, want fallback output", res.Output)
	}
	if len(res.Recoveries) != 2 {
		t.Fatalf("recoveries = %+v", res.Recoveries)
	}
	if r := res.Recoveries[1]; r.ToRole != orchestration.RoleFallback || r.ModelUsed != mFallback || r.Reason != orchestration.ReasonProviderError {
		t.Errorf("fallback entry = %+v", r)
	}
	// Synthesis never ran: the fallback role produces the answer.
	for _, m := range h.invoker.models() {
		if m == mSynth {
			t.Error("synthesis should not run after the fallback role")
		}
	}
	h.invoker.mu.Lock()
	last := h.invoker.calls[len(h.invoker.calls)-1]
	h.invoker.mu.Unlock()
	if !last.Context.Degraded || len(last.Context.Prior) != 1 {
		t.Errorf("fallback context = %+v", last.Context)
	}
}

func TestFallbackRoleFailureIsTerminal(t *testing.T) {
	h := newHarness(t, testPolicy(), failing(mReason, mReasonFB, mFallback, mFallbackFB))

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if !errors.Is(err, orchestration.ErrOrchestrationFailed) {
		t.Fatalf("expected ErrOrchestrationFailed, got %v", err)
	}
	if res.Status != orchestration.StatusFailed || res.Outcome != orchestration.OutcomeFailed {
		t.Errorf("status=%s outcome=%s", res.Status, res.Outcome)
	}
	if res.Output != "" {
		t.Errorf("failed orchestration returned output %q", res.Output)
	}
	want := fmt.Sprint([]orchestration.ModelRef{mReason, mReasonFB, mFallback})
	if got := fmt.Sprint(h.invoker.models()); got != want {
		t.Errorf("models = %s, want %s (fallback role is never retried)", got, want)
	}
}

func TestNoFallbackModelGoesStraightToFallbackRole(t *testing.T) {
	p := testPolicy()
	setRole(&p, orchestration.RoleReasoning, func(rc *orchestration.RoleConfig) { rc.FallbackModel = "" })
	h := newHarness(t, p, fail(orchestration.KindInvalidRequest))

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if !errors.Is(err, orchestration.ErrOrchestrationFailed) {
		t.Fatalf("expected ErrOrchestrationFailed, got %v", err)
	}
	if len(res.Recoveries) != 1 || res.Recoveries[0].ToRole != orchestration.RoleFallback {
		t.Errorf("recoveries = %+v", res.Recoveries)
	}
	if res.Steps[0].Result != orchestration.StepInvalidRequest {
		t.Errorf("step result = %s", res.Steps[0].Result)
	}
}

func TestDisabledFallbackRoleFailsImmediately(t *testing.T) {
	p := testPolicy()
	setRole(&p, orchestration.RoleFallback, func(rc *orchestration.RoleConfig) { rc.Enabled = false })
	h := newHarness(t, p, failing(mReason, mReasonFB))

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if !errors.Is(err, orchestration.ErrOrchestrationFailed) {
		t.Fatalf("expected ErrOrchestrationFailed, got %v", err)
	}
	if len(h.invoker.models()) != 2 || res.Outcome != orchestration.OutcomeFailed {
		t.Errorf("calls=%v outcome=%s", h.invoker.models(), res.Outcome)
	}
}

func TestCheaperToolModelFailureUsesRoleFallback(t *testing.T) {
	p := testPolicy()
	p.Routing.PreferCheaperToolModel = true
	h := newHarness(t, p, failing(mToolCheap))

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := fmt.Sprint([]orchestration.ModelRef{mReason, mToolCheap, mToolFB, mSynth})
	if got := fmt.Sprint(h.invoker.models()); got != want {
		t.Errorf("models = %s, want %s", got, want)
	}
	if res.Degraded {
		t.Error("a successful fallback-model retry is not a degraded completion")
	}
}

func TestEmptyPipelineIsMisconfiguration(t *testing.T) {
	p := testPolicy()
	for _, r := range orchestration.PlannedOrder {
		setRole(&p, r, func(rc *orchestration.RoleConfig) { rc.Enabled = false })
	}
	h := newHarness(t, p, nil)

	res, err := h.coord.Run(context.Background(), multiRoleRequest())
	if !errors.Is(err, orchestration.ErrEmptyPipeline) {
		t.Fatalf("expected ErrEmptyPipeline, got %v", err)
	}
	if res.Outcome != orchestration.OutcomeMisconfigured || res.Status != orchestration.StatusFailed {
		t.Errorf("outcome=%s status=%s", res.Outcome, res.Status)
	}
	if len(h.invoker.models()) != 0 {
		t.Error("no model should be invoked")
	}
	if got := h.metrics.Snapshot().Breakdown[orchestration.OutcomeMisconfigured]; got != 1 {
		t.Errorf("misconfigured count = %d", got)
	}
}

func TestMalformedRequestIsRejectedBeforeOrchestration(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)

	res, err := h.coord.Run(context.Background(), &orchestration.Request{Message: ""})
	var ce *orchestration.ClassificationError
	if !errors.As(err, &ce) || res != nil {
		t.Fatalf("expected ClassificationError and nil result, got %v, %v", res, err)
	}
	if got := h.metrics.Snapshot().TotalOrchestrations; got != 0 {
		t.Errorf("rejected request was recorded: total = %d", got)
	}
}

func TestCancellationStopsOrchestration(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, testPolicy(), func(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
		close(started)
		return hang(ctx, req)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := h.coord.Run(ctx, multiRoleRequest())
	if !errors.Is(err, orchestration.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.Outcome != orchestration.OutcomeCancelled || res.Status != orchestration.StatusFailed {
		t.Errorf("outcome=%s status=%s", res.Outcome, res.Status)
	}
	if n := len(h.invoker.models()); n != 1 {
		t.Errorf("invocations = %d, want 1 (no retry after cancellation)", n)
	}
	if res.Steps[0].Result != orchestration.StepCancelled {
		t.Errorf("step result = %s, want cancelled", res.Steps[0].Result)
	}

	snap := h.metrics.Snapshot()
	if snap.FailureCount != 1 || snap.Breakdown[orchestration.OutcomeCancelled] != 1 || snap.Breakdown[orchestration.OutcomeFailed] != 0 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestOrchestrationDeadlineCancelsWithoutRetry(t *testing.T) {
	h := newHarness(t, testPolicy(), hang)
	// The role timeout (1s) is longer than the orchestration deadline, so
	// the hanging call is ended by the deadline.
	coord := NewCoordinator(h.store, NewClassifier(nil), NewRoleInvoker(h.invoker, resilience.NewPool(8), time.Second), h.metrics, 50*time.Millisecond)

	start := time.Now()
	res, err := coord.Run(context.Background(), multiRoleRequest())
	if !errors.Is(err, orchestration.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("deadline not enforced, run took %v", elapsed)
	}
	if res.Outcome != orchestration.OutcomeCancelled || res.Status != orchestration.StatusFailed {
		t.Errorf("outcome=%s status=%s", res.Outcome, res.Status)
	}
	if got := h.invoker.models(); len(got) != 1 {
		t.Errorf("invocations = %v, want only the first primary call", got)
	}
	if len(res.Recoveries) != 0 {
		t.Errorf("recoveries = %d, want none after the deadline", len(res.Recoveries))
	}
}

func TestHandoffBoundHolds(t *testing.T) {
	behaviours := map[string]invokeFunc{
		"ok":           nil,
		"tool down":    failing(mTool, mToolFB),
		"reason flaky": failing(mReason),
		"all down":     fail(orchestration.KindProviderUnavailable),
	}
	for maxHandoffs := 1; maxHandoffs <= 3; maxHandoffs++ {
		for _, disabled := range []orchestration.RoleName{"", orchestration.RoleToolExecution, orchestration.RoleSynthesis, orchestration.RoleReasoning} {
			for name, fn := range behaviours {
				p := testPolicy()
				p.Routing.MaxHandoffs = maxHandoffs
				if disabled != "" {
					setRole(&p, disabled, func(rc *orchestration.RoleConfig) { rc.Enabled = false })
				}
				h := newHarness(t, p, fn)
				res, _ := h.coord.Run(context.Background(), multiRoleRequest())
				if res == nil {
					t.Fatalf("max=%d disabled=%s %s: nil result", maxHandoffs, disabled, name)
				}
				if len(res.Handoffs) > maxHandoffs {
					t.Errorf("max=%d disabled=%s %s: %d handoffs", maxHandoffs, disabled, name, len(res.Handoffs))
				}
				if !res.Status.IsTerminal() {
					t.Errorf("max=%d disabled=%s %s: non-terminal status %s", maxHandoffs, disabled, name, res.Status)
				}
				if res.Outcome == orchestration.OutcomeFailed && res.Output != "" {
					t.Errorf("max=%d disabled=%s %s: failed orchestration returned output", maxHandoffs, disabled, name)
				}
			}
		}
	}
}

func TestMetricsConservationUnderConcurrency(t *testing.T) {
	h := newHarness(t, testPolicy(), func(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
		if strings.HasSuffix(req.Context.Message, "fail") && req.Role != orchestration.RoleFallback {
			return fail(orchestration.KindProviderUnavailable)(ctx, req)
		}
		if strings.HasSuffix(req.Context.Message, "doom") {
			return fail(orchestration.KindProviderUnavailable)(ctx, req)
		}
		return succeed(req), nil
	})

	const n = 30
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := "deep dive " + []string{"ok", "fail", "doom"}[i%3]
			_, _ = h.coord.Run(context.Background(), &orchestration.Request{Message: msg})
		}()
	}
	wg.Wait()

	snap := h.metrics.Snapshot()
	if snap.TotalOrchestrations != n {
		t.Errorf("total = %d, want %d", snap.TotalOrchestrations, n)
	}
	if snap.SuccessCount+snap.FailureCount != n {
		t.Errorf("success+failure = %d, want %d", snap.SuccessCount+snap.FailureCount, n)
	}
	if snap.FailureCount != n/3 {
		t.Errorf("failures = %d, want %d", snap.FailureCount, n/3)
	}
	if snap.TotalUsage() < snap.TotalOrchestrations {
		t.Errorf("role usage %d < orchestrations %d", snap.TotalUsage(), snap.TotalOrchestrations)
	}
	if h.coord.InFlight() != 0 {
		t.Errorf("in-flight = %d after all runs returned", h.coord.InFlight())
	}
}

func TestInFlightKeepsPolicySnapshot(t *testing.T) {
	var buf syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, testPolicy(), func(_ context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
		if req.Role == orchestration.RoleReasoning {
			once.Do(func() { close(entered) })
			<-release
		}
		return succeed(req), nil
	})

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go h.coord.WatchPolicy(watchCtx)
	waitSubscribers(t, h.store, 1)

	startVersion := h.store.Snapshot().Version
	done := make(chan *Result, 1)
	go func() {
		res, _ := h.coord.Run(context.Background(), multiRoleRequest())
		done <- res
	}()
	<-entered

	changed := testPolicy()
	setRole(&changed, orchestration.RoleToolExecution, func(rc *orchestration.RoleConfig) { rc.Enabled = false })
	setRole(&changed, orchestration.RoleSynthesis, func(rc *orchestration.RoleConfig) { rc.Enabled = false })
	if _, err := h.store.Replace(context.Background(), changed, "admin"); err != nil {
		t.Fatalf("replace: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(buf.String(), "policy changed mid-flight") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	res := <-done

	if !strings.Contains(buf.String(), "policy changed mid-flight") {
		t.Error("expected the in-flight orchestration to log the policy change")
	}
	if res.PolicyVersion != startVersion {
		t.Errorf("policy version = %d, want %d", res.PolicyVersion, startVersion)
	}
	if len(res.Steps) != 3 {
		t.Errorf("steps = %d, want 3 (pipeline from the original snapshot)", len(res.Steps))
	}
}

func TestProgressEventsAreBroadcast(t *testing.T) {
	h := newHarness(t, testPolicy(), nil)
	if _, err := h.coord.Run(context.Background(), multiRoleRequest()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.hub.count(broadcast.EventOrchestrationRole); got != 3 {
		t.Errorf("role events = %d, want 3", got)
	}
	// One per role entered plus the terminal event.
	if got := h.hub.count(broadcast.EventOrchestrationStatus); got != 4 {
		t.Errorf("status events = %d, want 4", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitSubscribers(t *testing.T, s *PolicyStore, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.subsMu.Lock()
		got := len(s.subs)
		s.subsMu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d policy subscribers", n)
}
