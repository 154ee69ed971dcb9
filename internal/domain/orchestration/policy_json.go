package orchestration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
)

// Wire shape of a policy. Role options are flattened into a single "options"
// object plus the reasoning-only "thinkingBudget" and the tool_execution-only
// "cheaperModel"; decoding rejects fields outside the role's variant.

type policyWire struct {
	Enabled        bool                         `json:"enabled"`
	Roles          map[RoleName]json.RawMessage `json:"roles"`
	Routing        Routing                      `json:"routing"`
	SliderOverride SliderOverride               `json:"sliderOverride"`
}

type roleConfigWire struct {
	Role           RoleName     `json:"role"`
	Enabled        bool         `json:"enabled"`
	PrimaryModel   ModelRef     `json:"primaryModel"`
	FallbackModel  ModelRef     `json:"fallbackModel,omitempty"`
	Provider       string       `json:"provider,omitempty"`
	MaxTokens      int          `json:"maxTokens,omitempty"`
	Temperature    *float64     `json:"temperature,omitempty"`
	TimeoutMs      int64        `json:"timeoutMs,omitempty"`
	ThinkingBudget *int         `json:"thinkingBudget,omitempty"`
	CheaperModel   ModelRef     `json:"cheaperModel,omitempty"`
	Options        *optionsWire `json:"options,omitempty"`
}

type optionsWire struct {
	EnableThinking      *bool `json:"enableThinking,omitempty"`
	StreamTools         *bool `json:"streamTools,omitempty"`
	PreserveToolContext *bool `json:"preserveToolContext,omitempty"`
}

// MarshalJSON encodes the policy with role keys reasoning, tool_execution,
// synthesis and fallback.
func (p Policy) MarshalJSON() ([]byte, error) {
	w := policyWire{
		Enabled:        p.Enabled,
		Roles:          make(map[RoleName]json.RawMessage, len(p.Roles)),
		Routing:        p.Routing,
		SliderOverride: p.SliderOverride,
	}
	if w.Routing.AlwaysMultiModelPatterns == nil {
		w.Routing.AlwaysMultiModelPatterns = []string{}
	}
	for name, rc := range p.Roles {
		b, err := json.Marshal(rc)
		if err != nil {
			return nil, err
		}
		w.Roles[name] = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a policy. Unknown fields are rejected.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var w policyWire
	if err := decodeStrict(data, &w); err != nil {
		return fmt.Errorf("%w: policy: %v", domain.ErrValidation, err)
	}
	out := Policy{
		Enabled:        w.Enabled,
		Routing:        w.Routing,
		SliderOverride: w.SliderOverride,
	}
	if len(out.Routing.AlwaysMultiModelPatterns) == 0 {
		out.Routing.AlwaysMultiModelPatterns = nil
	}
	if w.Roles != nil {
		out.Roles = make(map[RoleName]RoleConfig, len(w.Roles))
	}
	for name, raw := range w.Roles {
		var rw roleConfigWire
		if err := decodeStrict(raw, &rw); err != nil {
			return fmt.Errorf("%w: roles.%s: %v", domain.ErrValidation, name, err)
		}
		if rw.Role == "" {
			rw.Role = name
		}
		if rw.Role != name {
			return fmt.Errorf("%w: roles.%s: role field %q does not match key", domain.ErrValidation, name, rw.Role)
		}
		rc, err := rw.toConfig()
		if err != nil {
			return err
		}
		out.Roles[name] = rc
	}
	*p = out
	return nil
}

// MarshalJSON encodes a single role config in the policy wire shape.
func (c RoleConfig) MarshalJSON() ([]byte, error) {
	w := roleConfigWire{
		Role:          c.Role,
		Enabled:       c.Enabled,
		PrimaryModel:  c.PrimaryModel,
		FallbackModel: c.FallbackModel,
		Provider:      c.Provider,
		MaxTokens:     c.MaxTokens,
		Temperature:   c.Temperature,
		TimeoutMs:     c.Timeout.Milliseconds(),
	}
	switch o := c.Options.(type) {
	case ReasoningOptions:
		w.Options = &optionsWire{EnableThinking: &o.EnableThinking}
		if o.ThinkingBudget > 0 {
			w.ThinkingBudget = &o.ThinkingBudget
		}
	case ToolExecutionOptions:
		w.Options = &optionsWire{StreamTools: &o.StreamTools, PreserveToolContext: &o.PreserveToolContext}
		w.CheaperModel = o.CheaperModel
	case SynthesisOptions:
		w.Options = &optionsWire{PreserveToolContext: &o.PreserveToolContext}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a single role config; the "role" field is required.
func (c *RoleConfig) UnmarshalJSON(data []byte) error {
	var w roleConfigWire
	if err := decodeStrict(data, &w); err != nil {
		return fmt.Errorf("%w: role config: %v", domain.ErrValidation, err)
	}
	rc, err := w.toConfig()
	if err != nil {
		return err
	}
	*c = rc
	return nil
}

// maxTimeoutMs is the largest timeoutMs representable as a time.Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

func (w *roleConfigWire) toConfig() (RoleConfig, error) {
	if !w.Role.IsValid() {
		return RoleConfig{}, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, w.Role)
	}
	if w.TimeoutMs > maxTimeoutMs {
		return RoleConfig{}, fmt.Errorf("%w: roles.%s: timeoutMs %d exceeds %d", domain.ErrValidation, w.Role, w.TimeoutMs, maxTimeoutMs)
	}
	rc := RoleConfig{
		Role:          w.Role,
		Enabled:       w.Enabled,
		PrimaryModel:  w.PrimaryModel,
		FallbackModel: w.FallbackModel,
		Provider:      w.Provider,
		MaxTokens:     w.MaxTokens,
		Temperature:   w.Temperature,
		Timeout:       time.Duration(w.TimeoutMs) * time.Millisecond,
	}
	opts := w.Options
	if opts == nil {
		opts = &optionsWire{}
	}
	reject := func(field string) error {
		return fmt.Errorf("%w: roles.%s: %s is not supported for this role", domain.ErrValidation, w.Role, field)
	}
	if w.ThinkingBudget != nil && w.Role != RoleReasoning {
		return RoleConfig{}, reject("thinkingBudget")
	}
	if w.CheaperModel != "" && w.Role != RoleToolExecution {
		return RoleConfig{}, reject("cheaperModel")
	}
	if opts.EnableThinking != nil && w.Role != RoleReasoning {
		return RoleConfig{}, reject("options.enableThinking")
	}
	if opts.StreamTools != nil && w.Role != RoleToolExecution {
		return RoleConfig{}, reject("options.streamTools")
	}
	if opts.PreserveToolContext != nil && w.Role != RoleToolExecution && w.Role != RoleSynthesis {
		return RoleConfig{}, reject("options.preserveToolContext")
	}

	switch w.Role {
	case RoleReasoning:
		o := ReasoningOptions{EnableThinking: deref(opts.EnableThinking)}
		if w.ThinkingBudget != nil {
			o.ThinkingBudget = *w.ThinkingBudget
		}
		rc.Options = o
	case RoleToolExecution:
		rc.Options = ToolExecutionOptions{
			StreamTools:         deref(opts.StreamTools),
			PreserveToolContext: deref(opts.PreserveToolContext),
			CheaperModel:        w.CheaperModel,
		}
	case RoleSynthesis:
		rc.Options = SynthesisOptions{PreserveToolContext: deref(opts.PreserveToolContext)}
	case RoleFallback:
		rc.Options = FallbackOptions{}
	}
	return rc, nil
}

func deref(b *bool) bool {
	return b != nil && *b
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
