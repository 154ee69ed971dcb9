// Package resilience holds the reliability primitives wrapped around model
// calls: per-model circuit breakers and the bounded invocation pool.
package resilience

import (
	"errors"
	"maps"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling through while a breaker is open
// or its single half-open probe is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states as reported by State and OnTransition.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker opens after maxFailures consecutive counted failures and rejects
// calls for cooldown. The first call after cooldown is a probe: success
// closes the breaker, a counted failure reopens it, and an uncounted error
// leaves it half open for the next probe.
//
// Each transition starts a new generation. Results that arrive for an older
// generation are ignored so a slow call started before the breaker opened
// cannot close it again.
type Breaker struct {
	mu          sync.Mutex
	state       string
	generation  uint64
	failures    int
	probing     bool
	openedAt    time.Time
	maxFailures int
	cooldown    time.Duration
	countable   func(error) bool
	onChange    func(from, to string)
	now         func() time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: max(maxFailures, 1),
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Execute calls fn unless the breaker refuses it.
func (b *Breaker) Execute(fn func() error) error {
	gen, ok := b.admit()
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	b.settle(gen, err)
	return err
}

// State reports the breaker's state. An open breaker whose cooldown has
// elapsed reports half_open even before a probe is admitted.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) cooledDown() bool { return b.now().Sub(b.openedAt) >= b.cooldown }

func (b *Breaker) admit() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if !b.cooledDown() {
			return 0, false
		}
		b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probing {
			return 0, false
		}
		b.probing = true
	}
	return b.generation, true
}

func (b *Breaker) settle(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}

	switch {
	case err == nil:
		b.failures = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
	case b.countable != nil && !b.countable(err):
		// Says nothing about the model's health. A half-open breaker frees
		// the probe slot and waits for a call that does.
		b.probing = false
	case b.state == StateHalfOpen:
		b.transition(StateOpen)
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.transition(StateOpen)
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	b.generation++
	b.probing = false
	b.failures = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// BreakerSet lazily creates one Breaker per key, in practice per model.
type BreakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	cooldown    time.Duration
	countable   func(error) bool
	onChange    func(key, from, to string)
}

// NewBreakerSet creates breakers sharing these settings. countable decides
// which errors trip a breaker; nil counts every error.
func NewBreakerSet(maxFailures int, cooldown time.Duration, countable func(error) bool) *BreakerSet {
	return &BreakerSet{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		countable:   countable,
	}
}

// OnTransition registers fn to observe state changes of breakers created
// afterwards. fn runs with the breaker locked and must not call back into it.
func (s *BreakerSet) OnTransition(fn func(key, from, to string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// For returns key's breaker, creating it on first use.
func (s *BreakerSet) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := NewBreaker(s.maxFailures, s.cooldown)
	b.countable = s.countable
	if fn := s.onChange; fn != nil {
		b.onChange = func(from, to string) { fn(key, from, to) }
	}
	s.breakers[key] = b
	return b
}

// States returns every known breaker's state keyed by model.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	snapshot := maps.Clone(s.breakers)
	s.mu.Unlock()

	out := make(map[string]string, len(snapshot))
	for k, b := range snapshot {
		out[k] = b.State()
	}
	return out
}
