package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/modelinvoker"
	"github.com/agentic-work/openagenticwork-sub000/internal/resilience"
)

// RoleInvoker runs single model invocations under the system-wide pool and
// the per-role timeout. The timeout covers time spent queued for a slot.
type RoleInvoker struct {
	invoker        modelinvoker.Invoker
	pool           *resilience.Pool
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewRoleInvoker creates a RoleInvoker. pool may be nil (no limit).
func NewRoleInvoker(invoker modelinvoker.Invoker, pool *resilience.Pool, defaultTimeout time.Duration) *RoleInvoker {
	return &RoleInvoker{invoker: invoker, pool: pool, defaultTimeout: defaultTimeout, now: time.Now}
}

// Invoke calls req.Model for req.Role. Errors are *RoleInvocationError,
// except when ctx itself ends, which yields an error wrapping ErrCancelled.
func (ri *RoleInvoker) Invoke(ctx context.Context, req modelinvoker.Request, timeout time.Duration) (modelinvoker.Result, error) {
	if timeout <= 0 {
		timeout = ri.defaultTimeout
	}
	roleCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		roleCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := ri.now()
	var res modelinvoker.Result
	err := ri.pool.Run(roleCtx, func() error {
		var ierr error
		res, ierr = ri.invoker.Invoke(roleCtx, req)
		return ierr
	})

	if ctx.Err() != nil {
		return modelinvoker.Result{}, fmt.Errorf("%w: role %s: %w", orchestration.ErrCancelled, req.Role, context.Cause(ctx))
	}
	if err != nil {
		if errors.Is(roleCtx.Err(), context.DeadlineExceeded) {
			return modelinvoker.Result{}, &orchestration.RoleInvocationError{
				Kind: orchestration.KindTimeout, Role: req.Role, Model: req.Model,
				Err: fmt.Errorf("no response within %s: %w", timeout, err),
			}
		}
		return modelinvoker.Result{}, orchestration.AsRoleInvocationError(err, req.Role, req.Model)
	}
	if res.DurationMs == 0 {
		res.DurationMs = ri.now().Sub(start).Milliseconds()
	}
	return res, nil
}
