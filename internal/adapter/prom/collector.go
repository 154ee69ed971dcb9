// Package prom exposes orchestration metrics in the Prometheus text format.
// Values are read from the collector snapshot at scrape time, so the
// exported counters follow the rolling window and drop back on reset.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/metrics"
)

const namespace = "orchestrator"

// SnapshotSource supplies the current metrics window.
type SnapshotSource interface {
	Snapshot() metrics.Aggregate
}

// PoolStats reports the model-invocation pool.
type PoolStats interface {
	Limit() int
	InFlight() int64
	Waiting() int64
	Abandoned() int64
}

// BreakerStates reports circuit-breaker state per model.
type BreakerStates interface {
	States() map[string]string
}

// Collector implements prometheus.Collector over a metrics snapshot.
type Collector struct {
	source   SnapshotSource
	pool     PoolStats
	breakers BreakerStates

	orchestrations *prometheus.Desc
	outcomes       *prometheus.Desc
	handoffs       *prometheus.Desc
	recoveries     *prometheus.Desc
	multiRole      *prometheus.Desc
	roleUsage      *prometheus.Desc
	roleCalls      *prometheus.Desc
	roleFailures   *prometheus.Desc
	roleDuration   *prometheus.Desc
	roleCost       *prometheus.Desc
	roleTokens     *prometheus.Desc
	poolLimit      *prometheus.Desc
	poolInFlight   *prometheus.Desc
	poolWaiting    *prometheus.Desc
	poolAbandoned  *prometheus.Desc
	breakerOpen    *prometheus.Desc
}

// NewCollector creates a Collector. pool and breakers may be nil.
func NewCollector(source SnapshotSource, pool PoolStats, breakers BreakerStates) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:   source,
		pool:     pool,
		breakers: breakers,

		orchestrations: desc("orchestrations", "Orchestrations terminated in the current window."),
		outcomes:       desc("orchestration_outcomes", "Terminated orchestrations by outcome.", "outcome"),
		handoffs:       desc("handoffs", "Planned role handoffs by reason.", "reason"),
		recoveries:     desc("recoveries", "Fallback-model retries and fallback-role entries."),
		multiRole:      desc("multi_role_orchestrations", "Orchestrations that triggered multi-role routing."),
		roleUsage:      desc("role_usage", "Orchestrations that invoked the role.", "role"),
		roleCalls:      desc("role_invocations", "Model invocations per role.", "role"),
		roleFailures:   desc("role_invocation_failures", "Failed model invocations per role.", "role"),
		roleDuration:   desc("role_duration_milliseconds", "Summed invocation duration per role.", "role"),
		roleCost:       desc("role_cost_usd", "Summed invocation cost per role.", "role"),
		roleTokens:     desc("role_tokens", "Summed tokens per role.", "role"),
		poolLimit:      desc("invocation_pool_limit", "Maximum concurrent model invocations."),
		poolInFlight:   desc("invocation_pool_in_flight", "Running model invocations."),
		poolWaiting:    desc("invocation_pool_waiting", "Model invocations queued for a slot."),
		poolAbandoned:  desc("invocation_pool_abandoned", "Model invocations whose deadline passed while queued."),
		breakerOpen:    desc("circuit_breaker_open", "1 when the breaker for a model is not closed.", "model", "state"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.orchestrations, c.outcomes, c.handoffs, c.recoveries, c.multiRole,
		c.roleUsage, c.roleCalls, c.roleFailures, c.roleDuration, c.roleCost, c.roleTokens,
		c.poolLimit, c.poolInFlight, c.poolWaiting, c.poolAbandoned, c.breakerOpen,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.orchestrations, float64(snap.TotalOrchestrations))
	counter(c.recoveries, float64(snap.TotalRecoveries))
	counter(c.multiRole, float64(snap.MultiRoleCount))
	for outcome, n := range snap.Breakdown {
		counter(c.outcomes, float64(n), string(outcome))
	}
	for reason, n := range snap.HandoffReasons {
		counter(c.handoffs, float64(n), string(reason))
	}
	for role, st := range snap.PerRole {
		r := string(role)
		counter(c.roleUsage, float64(st.UsageCount), r)
		counter(c.roleCalls, float64(st.Invocations), r)
		counter(c.roleFailures, float64(st.Failures), r)
		counter(c.roleDuration, float64(st.TotalDurationMs), r)
		counter(c.roleCost, st.TotalCost, r)
		counter(c.roleTokens, float64(st.TotalTokens), r)
	}

	if c.pool != nil {
		gauge(c.poolLimit, float64(c.pool.Limit()))
		gauge(c.poolInFlight, float64(c.pool.InFlight()))
		gauge(c.poolWaiting, float64(c.pool.Waiting()))
		counter(c.poolAbandoned, float64(c.pool.Abandoned()))
	}
	if c.breakers != nil {
		for model, state := range c.breakers.States() {
			open := 0.0
			if state != "closed" {
				open = 1
			}
			gauge(c.breakerOpen, open, model, state)
		}
	}
}

// Handler returns a scrape handler serving c plus the Go runtime and process
// collectors from a dedicated registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
