// Package memory provides in-process implementations of the storage ports,
// used when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// PolicyRepo implements policyrepo.Repository in memory.
type PolicyRepo struct {
	mu        sync.RWMutex
	snapshots map[int64]orchestration.PolicySnapshot
}

// NewPolicyRepo creates an empty repository.
func NewPolicyRepo() *PolicyRepo {
	return &PolicyRepo{snapshots: make(map[int64]orchestration.PolicySnapshot)}
}

func (r *PolicyRepo) Latest(_ context.Context) (*orchestration.PolicySnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *orchestration.PolicySnapshot
	for v := range r.snapshots {
		if latest == nil || v > latest.Version {
			s := r.snapshots[v]
			latest = &s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest policy: %w", domain.ErrNotFound)
	}
	return cloneSnapshot(latest), nil
}

func (r *PolicyRepo) Get(_ context.Context, version int64) (*orchestration.PolicySnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.snapshots[version]
	if !ok {
		return nil, fmt.Errorf("get policy version %d: %w", version, domain.ErrNotFound)
	}
	return cloneSnapshot(&s), nil
}

func (r *PolicyRepo) Save(_ context.Context, snap *orchestration.PolicySnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshots[snap.Version]; ok {
		return fmt.Errorf("save policy version %d: %w", snap.Version, domain.ErrConflict)
	}
	r.snapshots[snap.Version] = *cloneSnapshot(snap)
	return nil
}

func (r *PolicyRepo) List(_ context.Context, limit int) ([]orchestration.PolicySnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]int64, 0, len(r.snapshots))
	for v := range r.snapshots {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}

	out := make([]orchestration.PolicySnapshot, 0, len(versions))
	for _, v := range versions {
		s := r.snapshots[v]
		out = append(out, *cloneSnapshot(&s))
	}
	return out, nil
}

func cloneSnapshot(s *orchestration.PolicySnapshot) *orchestration.PolicySnapshot {
	c := *s
	c.Policy = s.Policy.Clone()
	return &c
}
