package memory

import (
	"context"
	"sync"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
)

// Archive keeps the most recent terminated orchestrations in a ring buffer.
type Archive struct {
	mu    sync.Mutex
	items []orchestration.Orchestration
	next  int
	full  bool
	seen  map[string]struct{}
}

// NewArchive creates an archive holding at most capacity orchestrations.
func NewArchive(capacity int) *Archive {
	if capacity < 1 {
		capacity = 1
	}
	return &Archive{
		items: make([]orchestration.Orchestration, capacity),
		seen:  make(map[string]struct{}, capacity),
	}
}

// Store appends o, evicting the oldest entry when full. Re-storing an ID
// that is still held is a no-op.
func (a *Archive) Store(_ context.Context, o *orchestration.Orchestration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[o.ID]; ok {
		return nil
	}
	if a.full {
		delete(a.seen, a.items[a.next].ID)
	}
	a.items[a.next] = *o
	a.seen[o.ID] = struct{}{}
	a.next = (a.next + 1) % len(a.items)
	if a.next == 0 {
		a.full = true
	}
	return nil
}

// Recent returns up to limit orchestrations, newest first.
func (a *Archive) Recent(_ context.Context, limit int) ([]orchestration.Orchestration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next
	if a.full {
		n = len(a.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]orchestration.Orchestration, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (a.next - 1 - i + len(a.items)) % len(a.items)
		out = append(out, a.items[idx])
	}
	return out, nil
}
