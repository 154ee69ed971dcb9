package orchestration

import (
	"fmt"
	"regexp"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
)

// Validate checks that a Policy is well-formed. Errors wrap domain.ErrValidation.
func (p *Policy) Validate() error {
	if len(p.Roles) != len(AllRoles) {
		for _, role := range AllRoles {
			if _, ok := p.Roles[role]; !ok {
				return invalid("missing role %q", role)
			}
		}
		return invalid("exactly %d roles are required, got %d", len(AllRoles), len(p.Roles))
	}
	for _, role := range AllRoles {
		rc, ok := p.Roles[role]
		if !ok {
			return invalid("missing role %q", role)
		}
		if err := rc.validate(role); err != nil {
			return err
		}
	}

	r := p.Routing
	if r.MaxHandoffs < 1 {
		return invalid("routing.maxHandoffs must be >= 1")
	}
	if r.ComplexityThreshold < 0 || r.ComplexityThreshold > 100 {
		return invalid("routing.complexityThreshold must be within [0,100]")
	}
	if r.DefaultRole != "" && !r.DefaultRole.IsPlannable() {
		return invalid("routing.defaultRole %q is not a plannable role", r.DefaultRole)
	}
	for i, pat := range r.AlwaysMultiModelPatterns {
		if pat == "" {
			return invalid("routing.alwaysMultiModelPatterns[%d] is empty", i)
		}
		if _, err := CompilePattern(pat); err != nil {
			return invalid("routing.alwaysMultiModelPatterns[%d]: %v", i, err)
		}
	}

	if s := p.SliderOverride.EnableAbovePosition; s < 0 || s > 100 {
		return invalid("sliderOverride.enableAbovePosition must be within [0,100]")
	}
	return nil
}

func (c *RoleConfig) validate(key RoleName) error {
	if c.Role != key {
		return invalid("roles.%s: role field %q does not match key", key, c.Role)
	}
	if c.Options == nil {
		return invalid("roles.%s: options variant is required", key)
	}
	if c.Options.optionsRole() != key {
		return invalid("roles.%s: options belong to role %q", key, c.Options.optionsRole())
	}
	if c.Enabled && c.PrimaryModel == "" {
		return invalid("roles.%s: primaryModel is required for an enabled role", key)
	}
	if c.MaxTokens < 0 {
		return invalid("roles.%s: maxTokens must be >= 0", key)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 1) {
		return invalid("roles.%s: temperature must be within [0,1]", key)
	}
	if c.Timeout < 0 {
		return invalid("roles.%s: timeoutMs must be >= 0", key)
	}
	if o, ok := c.Options.(ReasoningOptions); ok && o.ThinkingBudget < 0 {
		return invalid("roles.%s: thinkingBudget must be >= 0", key)
	}
	return nil
}

// CompilePattern compiles an alwaysMultiModelPatterns entry. Matching is
// case-insensitive.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: policy: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}
