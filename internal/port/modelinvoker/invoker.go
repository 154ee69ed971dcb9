// Package modelinvoker defines the port to the external model-invocation
// capability: send a role's context to a named model and get a response back.
package modelinvoker

import (
	"context"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// Prior is the output of a role that already ran in the same orchestration.
type Prior struct {
	Role   orchestration.RoleName `json:"role"`
	Model  orchestration.ModelRef `json:"model"`
	Output string                 `json:"output"`
}

// Context is the opaque material handed to a role. Prompt assembly is the
// provider's concern; the engine only sequences it.
type Context struct {
	Message string  `json:"message"`
	Seed    string  `json:"seed,omitempty"`
	Prior   []Prior `json:"prior,omitempty"`
	// Degraded is set when the fallback role is asked for a best-effort answer.
	Degraded bool `json:"degraded,omitempty"`
}

// Request is a single model invocation.
type Request struct {
	OrchestrationID string
	Role            orchestration.RoleName
	Model           orchestration.ModelRef
	Provider        string
	Context         Context
	MaxTokens       int
	Temperature     *float64
	Options         orchestration.RoleOptions
}

// Result is a successful invocation.
type Result struct {
	Output     string
	TokensUsed int
	Cost       float64
	DurationMs int64
}

// Invoker calls a model. Implementations return *orchestration.RoleInvocationError
// with kind timeout, provider_unavailable or invalid_request on failure and
// must honour ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}
