package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentic-work/openagenticwork-sub000/internal/middleware"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/cache"
)

// RouteOptions configures the protection applied to admin writes.
type RouteOptions struct {
	// AdminKey returns the key protecting policy writes and metric resets.
	// Nil or an empty key disables the check.
	AdminKey func() string
	// Idempotency stores replayable responses of keyed writes; nil disables it.
	Idempotency    cache.Cache
	IdempotencyTTL time.Duration
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"1"}`))
		})

		var idem chi.Middlewares
		if opts.Idempotency != nil {
			idem = chi.Chain(middleware.Idempotency(opts.Idempotency, opts.IdempotencyTTL))
		}
		writes := append(chi.Chain(middleware.APIKeyFunc(opts.AdminKey)), idem...)

		r.Route("/orchestration", func(r chi.Router) {
			r.Get("/policy", h.GetPolicy)
			r.With(writes...).Put("/policy", h.ReplacePolicy)
			r.Get("/policy/versions", h.ListPolicyVersions)
			r.Get("/policy/versions/{version}", h.GetPolicyVersion)
			r.With(writes...).Post("/toggle", h.TogglePolicy)

			r.Get("/metrics", h.GetMetrics)
			r.With(writes...).Post("/metrics/reset", h.ResetMetrics)
		})

		r.Get("/orchestrations", h.ListOrchestrations)
		r.With(idem...).Post("/orchestrations", h.RunOrchestration)
	})
}
