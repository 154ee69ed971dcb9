package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/metrics"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/archive"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/messagequeue"
)

type roleCounters struct {
	usage       atomic.Int64
	invocations atomic.Int64
	failures    atomic.Int64
	durationMs  atomic.Int64
	tokens      atomic.Int64
	costBits    atomic.Uint64
}

// window is one rolling metrics window. Its maps are built once and only
// the counters they point to change, so readers never take a lock.
type window struct {
	startedAt  time.Time
	roles      map[orchestration.RoleName]*roleCounters
	total      atomic.Int64
	success    atomic.Int64
	failure    atomic.Int64
	handoffs   atomic.Int64
	recoveries atomic.Int64
	multiRole  atomic.Int64
	outcomes   map[orchestration.Outcome]*atomic.Int64
	reasons    map[orchestration.HandoffReason]*atomic.Int64
}

var handoffReasons = []orchestration.HandoffReason{
	orchestration.ReasonNormal, orchestration.ReasonTimeout,
	orchestration.ReasonProviderError, orchestration.ReasonBudgetExceeded,
}

func newWindow(now time.Time) *window {
	w := &window{
		startedAt: now,
		roles:     make(map[orchestration.RoleName]*roleCounters, len(orchestration.AllRoles)),
		outcomes:  make(map[orchestration.Outcome]*atomic.Int64, len(orchestration.Outcomes)),
		reasons:   make(map[orchestration.HandoffReason]*atomic.Int64, len(handoffReasons)),
	}
	for _, r := range orchestration.AllRoles {
		w.roles[r] = &roleCounters{}
	}
	for _, o := range orchestration.Outcomes {
		w.outcomes[o] = &atomic.Int64{}
	}
	for _, r := range handoffReasons {
		w.reasons[r] = &atomic.Int64{}
	}
	return w
}

func addFloat(u *atomic.Uint64, delta float64) {
	for {
		old := u.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if u.CompareAndSwap(old, next) {
			return
		}
	}
}

// MetricsCollector aggregates terminated orchestrations. Record and Snapshot
// never block each other; all mutation is atomic increments.
type MetricsCollector struct {
	win       atomic.Pointer[window]
	seen      sync.Map // orchestration id -> time.Time recorded
	dedupeTTL time.Duration

	archive   archive.Archive
	queue     messagequeue.Queue
	archiveCh chan *orchestration.Orchestration
	dropped   atomic.Int64

	now func() time.Time
}

const defaultDedupeTTL = time.Hour

// NewMetricsCollector creates a collector. arch and q may be nil. Recorded
// ids are remembered for dedupeTTL; a non-positive value uses an hour so
// the dedupe set stays bounded.
func NewMetricsCollector(arch archive.Archive, q messagequeue.Queue, archiveBuffer int, dedupeTTL time.Duration) *MetricsCollector {
	if archiveBuffer < 1 {
		archiveBuffer = 1
	}
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}
	m := &MetricsCollector{
		dedupeTTL: dedupeTTL,
		archive:   arch,
		queue:     q,
		archiveCh: make(chan *orchestration.Orchestration, archiveBuffer),
		now:       time.Now,
	}
	m.win.Store(newWindow(m.now().UTC()))
	return m
}

// Record adds a terminated orchestration to the current window. A second
// call for the same id is a no-op. Returns whether o was counted.
func (m *MetricsCollector) Record(o *orchestration.Orchestration) bool {
	if o.Outcome == "" {
		return false
	}
	if _, dup := m.seen.LoadOrStore(o.ID, m.now()); dup {
		return false
	}

	w := m.win.Load()
	w.total.Add(1)
	if o.Outcome.IsSuccess() {
		w.success.Add(1)
	} else {
		w.failure.Add(1)
	}
	if c, ok := w.outcomes[o.Outcome]; ok {
		c.Add(1)
	}
	if o.TriggeredMultiRole {
		w.multiRole.Add(1)
	}
	w.handoffs.Add(int64(len(o.Handoffs)))
	w.recoveries.Add(int64(len(o.Recoveries)))
	for i := range o.Handoffs {
		if c, ok := w.reasons[o.Handoffs[i].Reason]; ok {
			c.Add(1)
		}
	}

	for _, role := range o.RolesUsed() {
		if rc, ok := w.roles[role]; ok {
			rc.usage.Add(1)
		}
	}
	for i := range o.Steps {
		s := &o.Steps[i]
		rc, ok := w.roles[s.Role]
		if !ok {
			continue
		}
		rc.invocations.Add(1)
		if s.Result != orchestration.StepSucceeded {
			rc.failures.Add(1)
		}
		rc.durationMs.Add(s.DurationMs)
		rc.tokens.Add(int64(s.Tokens))
		if s.Cost != 0 {
			addFloat(&rc.costBits, s.Cost)
		}
	}

	m.enqueueArchive(o)
	return true
}

func (m *MetricsCollector) enqueueArchive(o *orchestration.Orchestration) {
	if m.archive == nil && m.queue == nil {
		return
	}
	select {
	case m.archiveCh <- o:
	default:
		n := m.dropped.Add(1)
		slog.Warn("archive queue full, orchestration not archived", "orchestration_id", o.ID, "dropped_total", n)
	}
}

// Snapshot returns the current window's aggregate.
func (m *MetricsCollector) Snapshot() metrics.Aggregate {
	w := m.win.Load()
	agg := metrics.Aggregate{
		WindowStartedAt:     w.startedAt,
		PerRole:             make(map[orchestration.RoleName]metrics.RoleStats, len(w.roles)),
		TotalOrchestrations: w.total.Load(),
		SuccessCount:        w.success.Load(),
		FailureCount:        w.failure.Load(),
		TotalHandoffs:       w.handoffs.Load(),
		TotalRecoveries:     w.recoveries.Load(),
		MultiRoleCount:      w.multiRole.Load(),
		Breakdown:           make(map[orchestration.Outcome]int64, len(w.outcomes)),
		HandoffReasons:      make(map[orchestration.HandoffReason]int64, len(w.reasons)),
	}
	for role, c := range w.roles {
		st := metrics.RoleStats{
			UsageCount:      c.usage.Load(),
			Invocations:     c.invocations.Load(),
			Failures:        c.failures.Load(),
			TotalDurationMs: c.durationMs.Load(),
			TotalCost:       math.Float64frombits(c.costBits.Load()),
			TotalTokens:     c.tokens.Load(),
		}
		if st.Invocations > 0 {
			st.AvgDurationMs = float64(st.TotalDurationMs) / float64(st.Invocations)
		}
		agg.PerRole[role] = st
	}
	for o, c := range w.outcomes {
		agg.Breakdown[o] = c.Load()
	}
	for r, c := range w.reasons {
		agg.HandoffReasons[r] = c.Load()
	}
	return agg
}

// Reset starts a new window. Recorded ids stay remembered, so a late
// duplicate is still ignored.
func (m *MetricsCollector) Reset() {
	m.win.Store(newWindow(m.now().UTC()))
	slog.Info("orchestration metrics reset")
}

// ArchiveDropped returns how many orchestrations were not archived because
// the queue was full.
func (m *MetricsCollector) ArchiveDropped() int64 {
	return m.dropped.Load()
}

// Run drives the archive worker, periodic resets (when resetInterval > 0)
// and dedupe pruning until ctx ends. Pending archive writes are flushed
// before it returns.
func (m *MetricsCollector) Run(ctx context.Context, resetInterval time.Duration) error {
	var resetC <-chan time.Time
	if resetInterval > 0 {
		t := time.NewTicker(resetInterval)
		defer t.Stop()
		resetC = t.C
	}
	prune := time.NewTicker(max(m.dedupeTTL/2, time.Second))
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			return nil
		case o := <-m.archiveCh:
			m.store(ctx, o)
		case <-resetC:
			m.Reset()
		case <-prune.C:
			m.pruneSeen()
		}
	}
}

func (m *MetricsCollector) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case o := <-m.archiveCh:
			m.store(ctx, o)
		default:
			return
		}
	}
}

func (m *MetricsCollector) store(ctx context.Context, o *orchestration.Orchestration) {
	if m.archive != nil {
		if err := m.archive.Store(ctx, o); err != nil {
			slog.Error("archive orchestration", "orchestration_id", o.ID, "error", err)
		}
	}
	if m.queue == nil {
		return
	}
	payload := completedPayload(o)
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	subject := messagequeue.CompletedSubject(string(o.Outcome))
	if err := m.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish orchestration completed", "orchestration_id", o.ID, "error", err)
	}
}

func completedPayload(o *orchestration.Orchestration) messagequeue.OrchestrationCompletedPayload {
	p := messagequeue.OrchestrationCompletedPayload{
		OrchestrationID: o.ID,
		RequestID:       o.RequestID,
		UserID:          o.UserID,
		PolicyVersion:   o.PolicyVersion,
		Outcome:         string(o.Outcome),
		Degraded:        o.Degraded,
		Handoffs:        len(o.Handoffs),
		Recoveries:      len(o.Recoveries),
		DurationMs:      o.DurationMs(),
	}
	for _, r := range o.Pipeline {
		p.Pipeline = append(p.Pipeline, string(r))
	}
	for i := range o.Steps {
		p.Tokens += int64(o.Steps[i].Tokens)
		p.CostUSD += o.Steps[i].Cost
	}
	return p
}

func (m *MetricsCollector) pruneSeen() {
	cutoff := m.now().Add(-m.dedupeTTL)
	m.seen.Range(func(k, v any) bool {
		if t, ok := v.(time.Time); ok && t.Before(cutoff) {
			m.seen.Delete(k)
		}
		return true
	})
}
