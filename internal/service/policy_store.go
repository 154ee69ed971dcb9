package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/broadcast"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/cache"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/messagequeue"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/policyrepo"
)

// versionCacheTTL bounds how long historical snapshots stay cached.
// Versions are immutable, so the TTL only limits memory.
const versionCacheTTL = time.Hour

// PolicyStore holds the current orchestration policy as an immutable,
// versioned snapshot. Reads are lock-free; writes are serialized, persisted
// through the repository, then published to subscribers.
type PolicyStore struct {
	repo    policyrepo.Repository
	cache   cache.Cache
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	origin  string
	current atomic.Pointer[orchestration.PolicySnapshot]
	writeMu sync.Mutex

	subsMu    sync.Mutex
	subs      map[int]chan orchestration.PolicyChanged
	nextSub   int
	subBuffer int

	now func() time.Time
}

// NewPolicyStore creates a PolicyStore. cache, queue and hub may be nil.
func NewPolicyStore(repo policyrepo.Repository, c cache.Cache, q messagequeue.Queue, hub broadcast.Broadcaster, subBuffer int) *PolicyStore {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if subBuffer < 1 {
		subBuffer = 16
	}
	return &PolicyStore{
		repo:      repo,
		cache:     c,
		queue:     q,
		hub:       hub,
		origin:    uuid.NewString(),
		subs:      make(map[int]chan orchestration.PolicyChanged),
		subBuffer: subBuffer,
		now:       time.Now,
	}
}

// Load restores the newest persisted snapshot. When nothing is persisted it
// seeds version 1 from seedFile, or from the built-in default when seedFile
// is empty.
func (s *PolicyStore) Load(ctx context.Context, seedFile string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	latest, err := s.repo.Latest(ctx)
	switch {
	case err == nil:
		if verr := latest.Policy.Validate(); verr != nil {
			return fmt.Errorf("persisted policy v%d: %w", latest.Version, verr)
		}
		s.current.Store(latest)
		slog.Info("policy loaded", "version", latest.Version, "enabled", latest.Policy.Enabled)
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("load policy: %w", err)
	}

	p := orchestration.DefaultPolicy()
	source := "default"
	if seedFile != "" {
		seeded, err := orchestration.LoadPolicyFile(seedFile)
		if err != nil {
			return fmt.Errorf("seed policy: %w", err)
		}
		p = *seeded
		source = seedFile
	}

	snap := &orchestration.PolicySnapshot{Version: 1, Policy: p, UpdatedAt: s.now().UTC(), UpdatedBy: "system"}
	if err := s.repo.Save(ctx, snap); err != nil {
		return fmt.Errorf("save seed policy: %w", err)
	}
	s.current.Store(snap)
	slog.Info("policy seeded", "version", 1, "source", source)
	return nil
}

// Snapshot returns the current snapshot. The snapshot is shared and must
// not be mutated.
func (s *PolicyStore) Snapshot() *orchestration.PolicySnapshot {
	snap := s.current.Load()
	if snap == nil {
		// Not loaded yet: serve the default without persisting it.
		return &orchestration.PolicySnapshot{Policy: orchestration.DefaultPolicy()}
	}
	return snap
}

// Get returns a copy of the current policy.
func (s *PolicyStore) Get() orchestration.Policy {
	return s.Snapshot().Policy.Clone()
}

// Replace validates p and installs it as the new current policy. An invalid
// policy, or a failed write, leaves the current policy untouched.
func (s *PolicyStore) Replace(ctx context.Context, p orchestration.Policy, actor string) (*orchestration.PolicySnapshot, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s.write(ctx, p.Clone(), orchestration.ChangeReplace, actor)
}

// SetEnabled flips the global switch without touching roles or routing.
func (s *PolicyStore) SetEnabled(ctx context.Context, enabled bool, actor string) (*orchestration.PolicySnapshot, error) {
	return s.write(ctx, orchestration.Policy{Enabled: enabled}, orchestration.ChangeToggle, actor)
}

func (s *PolicyStore) write(ctx context.Context, p orchestration.Policy, kind orchestration.ChangeKind, actor string) (*orchestration.PolicySnapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.Snapshot()
	if kind == orchestration.ChangeToggle {
		// Toggles apply to the policy current at write time.
		enabled := p.Enabled
		p = prev.Policy.Clone()
		p.Enabled = enabled
	}

	next := &orchestration.PolicySnapshot{
		Version:   prev.Version + 1,
		Policy:    p,
		UpdatedAt: s.now().UTC(),
		UpdatedBy: actor,
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("persist policy v%d: %w", next.Version, err)
	}
	s.current.Store(next)
	s.cacheVersion(ctx, next)

	ev := orchestration.PolicyChanged{
		Version:         next.Version,
		PreviousVersion: prev.Version,
		Kind:            kind,
		Enabled:         next.Policy.Enabled,
		ChangedBy:       actor,
		ChangedAt:       next.UpdatedAt,
	}
	slog.InfoContext(ctx, "policy changed", "version", ev.Version, "kind", ev.Kind, "enabled", ev.Enabled, "actor", actor)
	s.emit(ctx, ev)
	s.publish(ctx, ev)
	return next, nil
}

// Subscribe returns a channel of change events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind.
func (s *PolicyStore) Subscribe() (<-chan orchestration.PolicyChanged, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan orchestration.PolicyChanged, s.subBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *PolicyStore) emit(ctx context.Context, ev orchestration.PolicyChanged) {
	s.subsMu.Lock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("policy subscriber lagging, event dropped", "subscriber", id, "version", ev.Version)
		}
	}
	s.subsMu.Unlock()

	s.hub.BroadcastEvent(ctx, broadcast.EventPolicyChanged, ev)
}

func (s *PolicyStore) publish(ctx context.Context, ev orchestration.PolicyChanged) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.PolicyChangedPayload{
		Version:         ev.Version,
		PreviousVersion: ev.PreviousVersion,
		Kind:            string(ev.Kind),
		Enabled:         ev.Enabled,
		ChangedBy:       ev.ChangedBy,
		ChangedAt:       ev.ChangedAt,
		Origin:          s.origin,
	})
	if err != nil {
		slog.Error("marshal policy change", "error", err)
		return
	}
	// The write is already durable; replicas catch up on their next event.
	if err := s.queue.Publish(ctx, messagequeue.SubjectPolicyChanged, data); err != nil {
		slog.Error("publish policy change", "version", ev.Version, "error", err)
	}
}

// Version returns a historical snapshot, served from the cache when possible.
func (s *PolicyStore) Version(ctx context.Context, version int64) (*orchestration.PolicySnapshot, error) {
	if cur := s.current.Load(); cur != nil && cur.Version == version {
		return cur, nil
	}

	key := versionKey(version)
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var snap orchestration.PolicySnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
			_ = s.cache.Delete(ctx, key)
		}
	}

	snap, err := s.repo.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	s.cacheVersion(ctx, snap)
	return snap, nil
}

// History returns up to limit snapshots, newest first.
func (s *PolicyStore) History(ctx context.Context, limit int) ([]orchestration.PolicySnapshot, error) {
	return s.repo.List(ctx, limit)
}

func (s *PolicyStore) cacheVersion(ctx context.Context, snap *orchestration.PolicySnapshot) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, versionKey(snap.Version), data, versionCacheTTL); err != nil {
		slog.Debug("cache policy version", "version", snap.Version, "error", err)
	}
}

func versionKey(v int64) string {
	return fmt.Sprintf("policy:v:%d", v)
}

// StartSync follows policy changes written by other replicas and installs
// newer versions locally. The returned function stops following.
func (s *PolicyStore) StartSync(ctx context.Context) (func(), error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectPolicyChanged, func(ctx context.Context, _ string, data []byte) error {
		var p messagequeue.PolicyChangedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode policy change: %w", err)
		}
		if p.Origin == s.origin {
			return nil
		}
		return s.syncTo(ctx, p)
	})
}

// syncTo installs the latest persisted version if it is newer than ours.
// The peer's change kind is kept when the installed version is the one it
// announced; a version that absorbed several writes is reported as replace.
func (s *PolicyStore) syncTo(ctx context.Context, p messagequeue.PolicyChangedPayload) error {
	version := p.Version
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.Snapshot()
	if version <= prev.Version {
		return nil
	}
	snap, err := s.repo.Latest(ctx)
	if err != nil {
		return fmt.Errorf("reload policy: %w", err)
	}
	if snap.Version <= prev.Version {
		return nil
	}
	s.current.Store(snap)
	s.cacheVersion(ctx, snap)

	kind := orchestration.ChangeReplace
	if k := orchestration.ChangeKind(p.Kind); k == orchestration.ChangeToggle && snap.Version == version && prev.Version == p.PreviousVersion {
		kind = k
	}
	ev := orchestration.PolicyChanged{
		Version:         snap.Version,
		PreviousVersion: prev.Version,
		Kind:            kind,
		Enabled:         snap.Policy.Enabled,
		ChangedBy:       snap.UpdatedBy,
		ChangedAt:       snap.UpdatedAt,
	}
	slog.Info("policy synced from peer", "version", snap.Version, "previous", prev.Version, "kind", kind)
	s.emit(ctx, ev)
	return nil
}
