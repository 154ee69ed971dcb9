package litellm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/modelinvoker"
	"github.com/agentic-work/openagenticwork-sub000/internal/resilience"
)

var rolePrompts = map[orchestration.RoleName]string{
	orchestration.RoleReasoning:     "Analyse the request and produce a plan for answering it. Do not write the final answer.",
	orchestration.RoleToolExecution: "Carry out the plan from the previous step and report concrete results.",
	orchestration.RoleSynthesis:     "Combine the prior results into a single final answer for the user.",
	orchestration.RoleFallback:      "Answer the request as well as you can.",
}

// Invoker implements modelinvoker.Invoker on top of the LiteLLM chat
// completions endpoint. Each model gets its own circuit breaker.
type Invoker struct {
	client   *Client
	breakers *resilience.BreakerSet
	now      func() time.Time
}

// NewInvoker creates an invoker. breakers may be nil.
func NewInvoker(client *Client, breakers *resilience.BreakerSet) *Invoker {
	return &Invoker{client: client, breakers: breakers, now: time.Now}
}

// Invoke sends the role's context to req.Model.
func (inv *Invoker) Invoke(ctx context.Context, req modelinvoker.Request) (modelinvoker.Result, error) {
	chat := buildChatRequest(req)
	start := inv.now()

	var resp *ChatResponse
	call := func() error {
		r, err := inv.client.ChatCompletion(ctx, chat)
		if err != nil {
			return classify(ctx, err, req)
		}
		resp = r
		return nil
	}

	var err error
	if inv.breakers != nil {
		err = inv.breakers.For(string(req.Model)).Execute(call)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = &orchestration.RoleInvocationError{
				Kind: orchestration.KindProviderUnavailable, Role: req.Role, Model: req.Model, Err: err,
			}
		}
	} else {
		err = call()
	}
	if err != nil {
		return modelinvoker.Result{}, err
	}

	return modelinvoker.Result{
		Output:     resp.Content(),
		TokensUsed: resp.Usage.TotalTokens,
		Cost:       resp.Cost,
		DurationMs: inv.now().Sub(start).Milliseconds(),
	}, nil
}

// BreakerCountable reports whether an invocation error should count
// against a model's breaker. Rejected requests and caller cancellation say
// nothing about the provider's health.
func BreakerCountable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rie *orchestration.RoleInvocationError
	if errors.As(err, &rie) && rie.Kind == orchestration.KindInvalidRequest {
		return false
	}
	return true
}

func classify(ctx context.Context, err error, req modelinvoker.Request) error {
	kind := orchestration.KindProviderUnavailable

	var apiErr *APIError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = orchestration.KindTimeout
	case errors.Is(err, context.Canceled):
		kind = orchestration.KindProviderUnavailable
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			kind = orchestration.KindTimeout
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			kind = orchestration.KindProviderUnavailable
		default:
			kind = orchestration.KindInvalidRequest
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = orchestration.KindTimeout
	}
	if ctx.Err() != nil && kind != orchestration.KindTimeout {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return &orchestration.RoleInvocationError{Kind: kind, Role: req.Role, Model: req.Model, Err: err}
}

func buildChatRequest(req modelinvoker.Request) ChatRequest {
	system := rolePrompts[req.Role]
	if req.Context.Degraded {
		system += " Earlier steps failed; give a best-effort answer."
	}
	msgs := []Message{{Role: "system", Content: system}}

	var b strings.Builder
	b.WriteString(req.Context.Message)
	if req.Context.Seed != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(req.Context.Seed)
	}
	msgs = append(msgs, Message{Role: "user", Content: b.String()})

	for _, p := range req.Context.Prior {
		msgs = append(msgs, Message{
			Role:    "user",
			Content: fmt.Sprintf("Output of the %s step (%s):\n%s", p.Role, p.Model, p.Output),
		})
	}

	chat := ChatRequest{
		Model:       string(req.Model),
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Metadata: map[string]string{
			"orchestration_id": req.OrchestrationID,
			"role":             string(req.Role),
		},
	}
	if ro, ok := req.Options.(orchestration.ReasoningOptions); ok && ro.EnableThinking {
		chat.Thinking = &Thinking{Type: "enabled", BudgetTokens: ro.ThinkingBudget}
	}
	return chat
}

var _ modelinvoker.Invoker = (*Invoker)(nil)
