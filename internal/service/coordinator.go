package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/agentic-work/openagenticwork-sub000/internal/adapter/otel"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/logger"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/broadcast"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/modelinvoker"
)

// Result is returned to the caller of Coordinator.Run.
type Result struct {
	OrchestrationID string                       `json:"orchestrationId"`
	Status          orchestration.Status         `json:"status"`
	Outcome         orchestration.Outcome        `json:"outcome"`
	Degraded        bool                         `json:"degraded"`
	Output          string                       `json:"output,omitempty"`
	PolicyVersion   int64                        `json:"policyVersion"`
	Decision        orchestration.Decision       `json:"decision"`
	Pipeline        []orchestration.RoleName     `json:"pipeline"`
	Handoffs        []orchestration.HandoffEvent `json:"handoffs"`
	Recoveries      []orchestration.HandoffEvent `json:"recoveries"`
	Steps           []orchestration.Step         `json:"steps"`
	Error           string                       `json:"error,omitempty"`
}

// StatusEvent is broadcast on every orchestration state change.
type StatusEvent struct {
	OrchestrationID string                 `json:"orchestrationId"`
	Status          orchestration.Status   `json:"status"`
	Role            orchestration.RoleName `json:"role,omitempty"`
	Outcome         orchestration.Outcome  `json:"outcome,omitempty"`
	Degraded        bool                   `json:"degraded"`
}

// RoleEvent is broadcast after every model invocation.
type RoleEvent struct {
	OrchestrationID string                   `json:"orchestrationId"`
	Role            orchestration.RoleName   `json:"role"`
	Model           orchestration.ModelRef   `json:"model"`
	Attempt         int                      `json:"attempt"`
	Result          orchestration.StepResult `json:"result"`
	DurationMs      int64                    `json:"durationMs"`
}

// Coordinator drives orchestrations from classification to a terminal
// outcome. Roles within one orchestration run strictly in sequence.
type Coordinator struct {
	policies   *PolicyStore
	classifier *Classifier
	router     Router
	fallback   FallbackManager
	invoker    *RoleInvoker
	metrics    *MetricsCollector
	hub        broadcast.Broadcaster
	telemetry  *cfotel.Metrics
	timeout    time.Duration

	inflight sync.Map // orchestration id -> *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewCoordinator creates a Coordinator. timeout bounds every orchestration;
// zero means no orchestration-level deadline.
func NewCoordinator(
	policies *PolicyStore,
	classifier *Classifier,
	invoker *RoleInvoker,
	metrics *MetricsCollector,
	timeout time.Duration,
) *Coordinator {
	return &Coordinator{
		policies:   policies,
		classifier: classifier,
		invoker:    invoker,
		metrics:    metrics,
		hub:        broadcast.Nop{},
		timeout:    timeout,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// SetBroadcaster sets the hub that receives progress events.
func (c *Coordinator) SetBroadcaster(hub broadcast.Broadcaster) {
	c.hub = hub
}

// SetTelemetry attaches OpenTelemetry instruments.
func (c *Coordinator) SetTelemetry(m *cfotel.Metrics) {
	c.telemetry = m
}

// InFlight returns the number of running orchestrations.
func (c *Coordinator) InFlight() int {
	n := 0
	c.inflight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run classifies req, executes its pipeline and returns the result. A
// malformed request is rejected with a *ClassificationError before any
// orchestration exists. Otherwise the Result is always non-nil and the
// error is ErrEmptyPipeline, ErrOrchestrationFailed or ErrCancelled for
// unsuccessful outcomes.
func (c *Coordinator) Run(ctx context.Context, req *orchestration.Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := *req
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}

	snap := c.policies.Snapshot()
	o := orchestration.New(c.newID(), &r, snap, c.now().UTC())

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx = logger.WithOrchestrationID(logger.WithRequestID(ctx, r.RequestID), o.ID)
	ctx, span := cfotel.StartOrchestrationSpan(ctx, o.ID, r.RequestID, snap.Version)

	log := slog.Default().With("orchestration_id", o.ID, "request_id", r.RequestID, "policy_version", snap.Version)
	c.inflight.Store(o.ID, log)
	defer c.inflight.Delete(o.ID)

	_ = o.Transition(orchestration.StatusClassifying, "")
	decision, err := c.classifier.Classify(&r, o.Policy())
	if err != nil {
		// Unreachable after Validate; kept so a classifier change cannot
		// leave an orchestration without a terminal state.
		res, err := c.finish(ctx, o, decision, orchestration.OutcomeFailed, "", err, log)
		cfotel.EndSpan(span, err)
		return res, err
	}
	o.ComplexityScore = decision.Score
	o.TriggeredMultiRole = decision.TriggerMultiRole
	o.TriggerReason = decision.Reason
	o.Pipeline = c.router.BuildPipeline(decision, o.Policy())
	log.Debug("request classified", "score", decision.Score, "multi_role", decision.TriggerMultiRole,
		"reason", decision.Reason, "pipeline", o.Pipeline)

	var (
		output  string
		outcome orchestration.Outcome
	)
	if len(o.Pipeline) == 0 {
		outcome = orchestration.OutcomeMisconfigured
		err = fmt.Errorf("%w (policy v%d)", orchestration.ErrEmptyPipeline, snap.Version)
	} else {
		output, outcome, err = c.execute(ctx, o, &r, log)
	}

	res, err := c.finish(ctx, o, decision, outcome, output, err, log)
	cfotel.EndSpan(span, err)
	return res, err
}

func (c *Coordinator) execute(ctx context.Context, o *orchestration.Orchestration, req *orchestration.Request, log *slog.Logger) (string, orchestration.Outcome, error) {
	p := o.Policy()
	var prior []modelinvoker.Prior

	for idx := 0; ; {
		role := o.Pipeline[idx]
		if ctx.Err() != nil {
			return "", orchestration.OutcomeCancelled, cancelled(ctx)
		}
		if err := o.Transition(orchestration.StatusRoleExecuting, role); err != nil {
			return "", orchestration.OutcomeFailed, fmt.Errorf("%w: %w", orchestration.ErrOrchestrationFailed, err)
		}
		c.broadcastStatus(ctx, o)

		mctx := modelinvoker.Context{Message: req.Message, Prior: prior}
		if len(prior) == 0 {
			mctx.Seed = req.Context
		}
		out, last, action, err := c.runRole(ctx, o, role, c.router.ResolveModel(role, p), mctx, log)
		if err != nil {
			return "", orchestration.OutcomeCancelled, err
		}
		if action != nil {
			return c.degrade(ctx, o, role, last, *action, req, prior, log)
		}
		prior = append(prior, modelinvoker.Prior{Role: role, Model: last.Model, Output: out})

		if idx == len(o.Pipeline)-1 {
			if o.Degraded {
				return out, orchestration.OutcomeDegraded, nil
			}
			return out, orchestration.OutcomeCompleted, nil
		}

		next, reason, ok := nextRole(o.Pipeline, idx, len(o.Handoffs), p.Routing.MaxHandoffs)
		if !ok {
			o.Degraded = true
			log.Warn("handoff budget exhausted, completing early", "role", role, "handoffs", len(o.Handoffs))
			return out, orchestration.OutcomeDegraded, nil
		}
		if reason == orchestration.ReasonBudgetExceeded {
			o.Degraded = true
			log.Warn("handoff budget reached, skipping to synthesis",
				"from", role, "skipped", o.Pipeline[idx+1:next], "max_handoffs", p.Routing.MaxHandoffs)
		}
		o.Handoffs = append(o.Handoffs, handoffFrom(role, o.Pipeline[next], reason, last, c.now()))
		idx = next
	}
}

// runRole invokes role, retrying once with its fallback model when the
// Fallback Manager says so. It returns the output and the last step on
// success, a recovery action when the role is exhausted, or an error
// wrapping ErrCancelled.
func (c *Coordinator) runRole(
	ctx context.Context,
	o *orchestration.Orchestration,
	role orchestration.RoleName,
	model orchestration.ModelRef,
	mctx modelinvoker.Context,
	log *slog.Logger,
) (string, orchestration.Step, *FallbackAction, error) {
	for attempt := 1; ; attempt++ {
		res, step, err := c.attempt(ctx, o, role, model, mctx, attempt)
		if err == nil {
			return res.Output, step, nil, nil
		}
		if errors.Is(err, orchestration.ErrCancelled) {
			return "", step, nil, err
		}

		rie := orchestration.AsRoleInvocationError(err, role, model)
		action := c.fallback.HandleFailure(o, role, rie)
		log.Warn("role invocation failed", "role", role, "model", model, "attempt", attempt,
			"kind", rie.Kind, "action", action.Kind, "error", err)
		if action.Kind != RetryWithFallback {
			return "", step, &action, nil
		}
		o.Recoveries = append(o.Recoveries, recoveryEvent(role, role, rie.Reason(), action.Model, step, c.now()))
		model = action.Model
	}
}

// degrade hands the orchestration to the fallback role after role was
// exhausted. The fallback role gets a single attempt.
func (c *Coordinator) degrade(
	ctx context.Context,
	o *orchestration.Orchestration,
	failed orchestration.RoleName,
	last orchestration.Step,
	action FallbackAction,
	req *orchestration.Request,
	prior []modelinvoker.Prior,
	log *slog.Logger,
) (string, orchestration.Outcome, error) {
	if action.Kind == TerminalFailure {
		return "", orchestration.OutcomeFailed, action.Err
	}
	if ctx.Err() != nil {
		return "", orchestration.OutcomeCancelled, cancelled(ctx)
	}

	reason := orchestration.ReasonProviderError
	if last.Result == orchestration.StepTimeout {
		reason = orchestration.ReasonTimeout
	}
	o.Degraded = true
	o.Recoveries = append(o.Recoveries, recoveryEvent(failed, orchestration.RoleFallback, reason, action.Model, last, c.now()))
	if err := o.Transition(orchestration.StatusRoleExecuting, orchestration.RoleFallback); err != nil {
		return "", orchestration.OutcomeFailed, fmt.Errorf("%w: %w", orchestration.ErrOrchestrationFailed, err)
	}
	c.broadcastStatus(ctx, o)
	log.Warn("degrading to fallback role", "failed_role", failed, "model", action.Model)

	mctx := modelinvoker.Context{Message: req.Message, Prior: prior, Degraded: true}
	if len(prior) == 0 {
		mctx.Seed = req.Context
	}
	res, _, err := c.attempt(ctx, o, orchestration.RoleFallback, action.Model, mctx, 1)
	if err != nil {
		if errors.Is(err, orchestration.ErrCancelled) {
			return "", orchestration.OutcomeCancelled, err
		}
		rie := orchestration.AsRoleInvocationError(err, orchestration.RoleFallback, action.Model)
		terminal := c.fallback.HandleFailure(o, orchestration.RoleFallback, rie)
		return "", orchestration.OutcomeFailed, terminal.Err
	}
	return res.Output, orchestration.OutcomeDegraded, nil
}

func (c *Coordinator) attempt(
	ctx context.Context,
	o *orchestration.Orchestration,
	role orchestration.RoleName,
	model orchestration.ModelRef,
	mctx modelinvoker.Context,
	attempt int,
) (modelinvoker.Result, orchestration.Step, error) {
	rc, _ := o.Policy().Role(role)
	req := modelinvoker.Request{
		OrchestrationID: o.ID,
		Role:            role,
		Model:           model,
		Provider:        rc.Provider,
		Context:         mctx,
		MaxTokens:       rc.MaxTokens,
		Temperature:     rc.Temperature,
		Options:         rc.Options,
	}

	sctx, span := cfotel.StartRoleSpan(ctx, role, model, attempt)
	started := c.now()
	res, err := c.invoker.Invoke(sctx, req, rc.Timeout)
	cfotel.EndSpan(span, err)

	step := orchestration.Step{Role: role, Model: model, Attempt: attempt, StartedAt: started.UTC()}
	switch {
	case err == nil:
		step.Result = orchestration.StepSucceeded
		step.Tokens = res.TokensUsed
		step.Cost = res.Cost
		step.DurationMs = res.DurationMs
		step.Output = res.Output
	case errors.Is(err, orchestration.ErrCancelled):
		step.Result = orchestration.StepCancelled
		step.Error = err.Error()
		step.DurationMs = c.now().Sub(started).Milliseconds()
	default:
		step.Result = orchestration.AsRoleInvocationError(err, role, model).StepResult()
		step.Error = err.Error()
		step.DurationMs = c.now().Sub(started).Milliseconds()
	}
	o.Steps = append(o.Steps, step)

	if c.telemetry != nil {
		c.telemetry.RecordStep(ctx, &step)
	}
	c.hub.BroadcastEvent(ctx, broadcast.EventOrchestrationRole, RoleEvent{
		OrchestrationID: o.ID, Role: role, Model: model, Attempt: attempt,
		Result: step.Result, DurationMs: step.DurationMs,
	})
	return res, step, err
}

func (c *Coordinator) finish(
	ctx context.Context,
	o *orchestration.Orchestration,
	decision orchestration.Decision,
	outcome orchestration.Outcome,
	output string,
	cause error,
	log *slog.Logger,
) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	o.Output = output
	if cause != nil {
		o.Error = cause.Error()
	}
	if err := o.Finish(outcome, c.now().UTC()); err != nil {
		log.Error("finish orchestration", "error", err)
	}

	c.metrics.Record(o)
	if c.telemetry != nil {
		var cost float64
		for i := range o.Steps {
			cost += o.Steps[i].Cost
		}
		c.telemetry.RecordOrchestration(ctx, o, cost)
	}
	c.broadcastStatus(ctx, o)

	attrs := []any{"outcome", o.Outcome, "degraded", o.Degraded, "handoffs", len(o.Handoffs),
		"recoveries", len(o.Recoveries), "duration_ms", o.DurationMs()}
	if cause != nil {
		log.Warn("orchestration ended", append(attrs, "error", cause)...)
	} else {
		log.Info("orchestration completed", attrs...)
	}

	res := &Result{
		OrchestrationID: o.ID,
		Status:          o.Status,
		Outcome:         o.Outcome,
		Degraded:        o.Degraded,
		Output:          o.Output,
		PolicyVersion:   o.PolicyVersion,
		Decision:        decision,
		Pipeline:        o.Pipeline,
		Handoffs:        o.Handoffs,
		Recoveries:      o.Recoveries,
		Steps:           o.Steps,
		Error:           o.Error,
	}
	return res, cause
}

func (c *Coordinator) broadcastStatus(ctx context.Context, o *orchestration.Orchestration) {
	c.hub.BroadcastEvent(ctx, broadcast.EventOrchestrationStatus, StatusEvent{
		OrchestrationID: o.ID,
		Status:          o.Status,
		Role:            o.CurrentRole,
		Outcome:         o.Outcome,
		Degraded:        o.Degraded,
	})
}

// WatchPolicy logs policy changes on the logger of every in-flight
// orchestration until ctx ends. In-flight orchestrations keep the snapshot
// they started with.
func (c *Coordinator) WatchPolicy(ctx context.Context) {
	events, stop := c.policies.Subscribe()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.inflight.Range(func(_, v any) bool {
				if log, ok := v.(*slog.Logger); ok {
					log.Info("policy changed mid-flight", "new_version", ev.Version, "kind", ev.Kind, "enabled", ev.Enabled)
				}
				return true
			})
		}
	}
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", orchestration.ErrCancelled, context.Cause(ctx))
}

func handoffFrom(from, to orchestration.RoleName, reason orchestration.HandoffReason, s orchestration.Step, now time.Time) orchestration.HandoffEvent {
	return orchestration.HandoffEvent{
		FromRole:   from,
		ToRole:     to,
		Reason:     reason,
		ModelUsed:  s.Model,
		Tokens:     s.Tokens,
		Cost:       s.Cost,
		DurationMs: s.DurationMs,
		Timestamp:  now.UTC(),
	}
}

// recoveryEvent records a failed invocation together with the model that
// takes over.
func recoveryEvent(from, to orchestration.RoleName, reason orchestration.HandoffReason, model orchestration.ModelRef, failed orchestration.Step, now time.Time) orchestration.HandoffEvent {
	ev := handoffFrom(from, to, reason, failed, now)
	ev.ModelUsed = model
	return ev
}
