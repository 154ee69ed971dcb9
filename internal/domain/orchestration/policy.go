package orchestration

import (
	"slices"
	"time"
)

// ModelRef names a model as understood by the model-invocation capability,
// e.g. "anthropic/claude-sonnet-4" or "openai/gpt-4o-mini".
type ModelRef string

// RoleOptions is the per-role option variant. Each role has exactly one
// variant type, so fields that are meaningless for a role cannot be set on it.
type RoleOptions interface {
	optionsRole() RoleName
}

// ReasoningOptions configures the reasoning role.
type ReasoningOptions struct {
	EnableThinking bool
	ThinkingBudget int // tokens; 0 lets the provider decide
}

// ToolExecutionOptions configures the tool_execution role.
type ToolExecutionOptions struct {
	StreamTools         bool
	PreserveToolContext bool
	// CheaperModel is used instead of the primary model when the policy
	// prefers cheaper tool models.
	CheaperModel ModelRef
}

// SynthesisOptions configures the synthesis role.
type SynthesisOptions struct {
	PreserveToolContext bool
}

// FallbackOptions configures the fallback role. It carries no fields.
type FallbackOptions struct{}

func (ReasoningOptions) optionsRole() RoleName     { return RoleReasoning }
func (ToolExecutionOptions) optionsRole() RoleName { return RoleToolExecution }
func (SynthesisOptions) optionsRole() RoleName     { return RoleSynthesis }
func (FallbackOptions) optionsRole() RoleName      { return RoleFallback }

// DefaultOptions returns the zero option variant for role.
func DefaultOptions(role RoleName) RoleOptions {
	switch role {
	case RoleReasoning:
		return ReasoningOptions{}
	case RoleToolExecution:
		return ToolExecutionOptions{}
	case RoleSynthesis:
		return SynthesisOptions{}
	default:
		return FallbackOptions{}
	}
}

// RoleConfig is the configuration of a single role.
type RoleConfig struct {
	Role          RoleName
	Enabled       bool
	PrimaryModel  ModelRef
	FallbackModel ModelRef // empty when no same-role fallback is configured
	Provider      string
	MaxTokens     int      // 0 = provider default
	Temperature   *float64 // nil = provider default
	Timeout       time.Duration
	Options       RoleOptions
}

// Reasoning returns the reasoning option variant, or the zero value when the
// config belongs to another role.
func (c RoleConfig) Reasoning() ReasoningOptions {
	o, _ := c.Options.(ReasoningOptions)
	return o
}

// ToolExecution returns the tool_execution option variant.
func (c RoleConfig) ToolExecution() ToolExecutionOptions {
	o, _ := c.Options.(ToolExecutionOptions)
	return o
}

// Synthesis returns the synthesis option variant.
func (c RoleConfig) Synthesis() SynthesisOptions {
	o, _ := c.Options.(SynthesisOptions)
	return o
}

// Routing holds the rules that decide between single- and multi-role handling.
type Routing struct {
	ComplexityThreshold      int      `json:"complexityThreshold"`
	AlwaysMultiModelPatterns []string `json:"alwaysMultiModelPatterns"`
	PreferCheaperToolModel   bool     `json:"preferCheaperToolModel"`
	MaxHandoffs              int      `json:"maxHandoffs"`
	DefaultRole              RoleName `json:"defaultRole,omitempty"`
}

// SliderOverride lets a per-request slider position force multi-role routing.
type SliderOverride struct {
	EnableAbovePosition int  `json:"enableAbovePosition"`
	ScaleBySlider       bool `json:"scaleBySlider"`
}

// Policy is the orchestration policy. Instances held by a PolicySnapshot are
// shared between orchestrations and must not be mutated; use Clone.
type Policy struct {
	Enabled        bool
	Roles          map[RoleName]RoleConfig
	Routing        Routing
	SliderOverride SliderOverride
}

// Role returns the configuration for role and whether it exists.
func (p *Policy) Role(role RoleName) (RoleConfig, bool) {
	rc, ok := p.Roles[role]
	return rc, ok
}

// SingleRole returns the role used when multi-role orchestration is not triggered.
func (p *Policy) SingleRole() RoleName {
	if p.Routing.DefaultRole != "" {
		return p.Routing.DefaultRole
	}
	return RoleReasoning
}

// Clone returns a deep copy of p.
func (p *Policy) Clone() Policy {
	c := *p
	c.Roles = make(map[RoleName]RoleConfig, len(p.Roles))
	for name, rc := range p.Roles {
		if rc.Temperature != nil {
			t := *rc.Temperature
			rc.Temperature = &t
		}
		c.Roles[name] = rc
	}
	c.Routing.AlwaysMultiModelPatterns = slices.Clone(p.Routing.AlwaysMultiModelPatterns)
	return c
}

// DefaultPolicy returns the built-in policy used when nothing is persisted and
// no seed file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Enabled: true,
		Roles: map[RoleName]RoleConfig{
			RoleReasoning: {
				Role: RoleReasoning, Enabled: true,
				PrimaryModel:  "anthropic/claude-sonnet-4",
				FallbackModel: "openai/gpt-4o",
				Options:       ReasoningOptions{EnableThinking: true, ThinkingBudget: 4096},
			},
			RoleToolExecution: {
				Role: RoleToolExecution, Enabled: true,
				PrimaryModel:  "openai/gpt-4o",
				FallbackModel: "anthropic/claude-sonnet-4",
				Options:       ToolExecutionOptions{PreserveToolContext: true, CheaperModel: "openai/gpt-4o-mini"},
			},
			RoleSynthesis: {
				Role: RoleSynthesis, Enabled: true,
				PrimaryModel:  "anthropic/claude-sonnet-4",
				FallbackModel: "openai/gpt-4o",
				Options:       SynthesisOptions{PreserveToolContext: true},
			},
			RoleFallback: {
				Role: RoleFallback, Enabled: true,
				PrimaryModel: "openai/gpt-4o-mini",
				Options:      FallbackOptions{},
			},
		},
		Routing: Routing{
			ComplexityThreshold: 60,
			MaxHandoffs:         3,
		},
		SliderOverride: SliderOverride{EnableAbovePosition: 80},
	}
}

// PolicySnapshot is an immutable, versioned policy as taken by an
// orchestration at classification time.
type PolicySnapshot struct {
	Version   int64     `json:"version"`
	Policy    Policy    `json:"policy"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// ChangeKind distinguishes full replacements from enable toggles.
type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeToggle  ChangeKind = "toggle"
)

// PolicyChanged is emitted after every successful policy write.
type PolicyChanged struct {
	Version         int64      `json:"version"`
	PreviousVersion int64      `json:"previousVersion"`
	Kind            ChangeKind `json:"kind"`
	Enabled         bool       `json:"enabled"`
	ChangedBy       string     `json:"changedBy,omitempty"`
	ChangedAt       time.Time  `json:"changedAt"`
}
