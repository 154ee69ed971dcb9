package resilience

import (
	"errors"
	"slices"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream unavailable")

func fail() error { return errUpstream }
func ok() error   { return nil }

// clockedBreaker returns a breaker on a manual clock and a func to move it.
func clockedBreaker(maxFailures int, cooldown time.Duration) (*Breaker, func(time.Duration)) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(maxFailures, cooldown)
	b.now = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func TestBreakerStateMachine(t *testing.T) {
	tests := []struct {
		name  string
		calls []func() error
		wait  time.Duration
		after []func() error
		want  string
	}{
		{"stays closed below threshold", []func() error{fail, fail}, 0, nil, StateClosed},
		{"opens at threshold", []func() error{fail, fail, fail}, 0, nil, StateOpen},
		{"success resets streak", []func() error{fail, fail, ok, fail, fail}, 0, nil, StateClosed},
		{"half open after cooldown", []func() error{fail, fail, fail}, time.Second, nil, StateHalfOpen},
		{"probe success closes", []func() error{fail, fail, fail}, time.Second, []func() error{ok}, StateClosed},
		{"probe failure reopens", []func() error{fail, fail, fail}, time.Second, []func() error{fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, advance := clockedBreaker(3, time.Second)
			for _, fn := range tt.calls {
				_ = b.Execute(fn)
			}
			advance(tt.wait)
			for _, fn := range tt.after {
				_ = b.Execute(fn)
			}
			if got := b.State(); got != tt.want {
				t.Fatalf("State() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, advance := clockedBreaker(1, time.Minute)
	_ = b.Execute(fail)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected rejection without calling through, got err=%v called=%v", err, called)
	}

	advance(59 * time.Second)
	if err := b.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("cooldown not over: got %v", err)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	b, advance := clockedBreaker(1, time.Second)
	_ = b.Execute(fail)
	advance(time.Second)

	inProbe, release := make(chan struct{}), make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("concurrent call during probe: got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %q after successful probe", got)
	}
}

func TestBreakerIgnoresStaleResults(t *testing.T) {
	b, _ := clockedBreaker(1, time.Minute)

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
		close(done)
	}()
	<-started

	_ = b.Execute(fail) // opens while the slow call is outstanding
	close(release)
	<-done

	if got := b.State(); got != StateOpen {
		t.Fatalf("slow success from before the trip closed the breaker: %q", got)
	}
}

func TestBreakerSetCountable(t *testing.T) {
	errBadRequest := errors.New("bad request")
	set := NewBreakerSet(2, time.Minute, func(err error) bool { return !errors.Is(err, errBadRequest) })
	b := set.For("openai/gpt-4o")

	for range 5 {
		if err := b.Execute(func() error { return errBadRequest }); !errors.Is(err, errBadRequest) {
			t.Fatalf("expected the caller's error back, got %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("uncounted errors tripped the breaker: %q", got)
	}
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want open", got)
	}
}

func TestBreakerUncountedProbeKeepsHalfOpen(t *testing.T) {
	errCanceled := errors.New("caller went away")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set := NewBreakerSet(1, time.Second, func(err error) bool { return !errors.Is(err, errCanceled) })
	b := set.For("anthropic/claude")
	b.now = func() time.Time { return now }

	_ = b.Execute(fail)
	now = now.Add(time.Second)

	if err := b.Execute(func() error { return errCanceled }); !errors.Is(err, errCanceled) {
		t.Fatalf("probe error = %v", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("after uncounted probe State() = %q, want half_open", got)
	}

	// The probe slot is free again; a counted failure reopens.
	if err := b.Execute(fail); !errors.Is(err, errUpstream) {
		t.Fatalf("second probe was not admitted: %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want open", got)
	}
}

func TestBreakerUncountedKeepsStreak(t *testing.T) {
	errBadRequest := errors.New("bad request")
	set := NewBreakerSet(2, time.Minute, func(err error) bool { return !errors.Is(err, errBadRequest) })
	b := set.For("openai/gpt-4o")

	_ = b.Execute(fail)
	_ = b.Execute(func() error { return errBadRequest })
	_ = b.Execute(fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("uncounted error reset the failure streak: %q", got)
	}
}

func TestBreakerSetPerKeyAndTransitions(t *testing.T) {
	set := NewBreakerSet(1, time.Minute, nil)
	var seen []string
	set.OnTransition(func(key, from, to string) { seen = append(seen, key+":"+from+"->"+to) })

	_ = set.For("a").Execute(fail)
	_ = set.For("b").Execute(ok)

	if set.For("a") != set.For("a") {
		t.Fatal("expected one breaker per key")
	}
	states := set.States()
	if states["a"] != StateOpen || states["b"] != StateClosed {
		t.Fatalf("States() = %v", states)
	}
	if want := []string{"a:closed->open"}; !slices.Equal(seen, want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
}
