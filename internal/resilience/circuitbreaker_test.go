package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct {
	from, to State
}

func newTestBreaker(clock *fakeClock, maxFailures, halfOpenMax int) (*CircuitBreaker, *[]transition) {
	var seen []transition
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clock.Now,
		OnStateChange: func(_ string, from, to State) {
			seen = append(seen, transition{from, to})
		},
	})
	return cb, &seen
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, seen := newTestBreaker(clock, 3, 1)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
	if len(*seen) != 1 || (*seen)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v, want [closed→open]", *seen)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(newFakeClock(), 3, 1)

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ContextErrorsDoNotCount(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(newFakeClock(), 2, 1)

	for i := 0; i < 5; i++ {
		err := cb.Execute(func() error { return context.DeadlineExceeded })
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Execute() error = %v, want DeadlineExceeded", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		probes     []error
		wantState  State
		wantChange []transition
	}{
		{
			name:      "successful probes close",
			probes:    []error{nil, nil},
			wantState: StateClosed,
			wantChange: []transition{
				{StateClosed, StateOpen},
				{StateOpen, StateHalfOpen},
				{StateHalfOpen, StateClosed},
			},
		},
		{
			name:      "failing probe reopens",
			probes:    []error{errTest},
			wantState: StateOpen,
			wantChange: []transition{
				{StateClosed, StateOpen},
				{StateOpen, StateHalfOpen},
				{StateHalfOpen, StateOpen},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := newFakeClock()
			cb, seen := newTestBreaker(clock, 2, 2)
			_ = cb.Execute(func() error { return errTest })
			_ = cb.Execute(func() error { return errTest })

			clock.Advance(5 * time.Second)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before reset timeout, want open", cb.State())
			}
			clock.Advance(5 * time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v after reset timeout, want half-open", cb.State())
			}

			for _, probeErr := range tt.probes {
				_ = cb.Execute(func() error { return probeErr })
			}

			cb.mu.Lock()
			got := cb.state
			cb.mu.Unlock()
			if got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
			if len(*seen) != len(tt.wantChange) {
				t.Fatalf("transitions = %v, want %v", *seen, tt.wantChange)
			}
			for i := range tt.wantChange {
				if (*seen)[i] != tt.wantChange[i] {
					t.Errorf("transition[%d] = %v, want %v", i, (*seen)[i], tt.wantChange[i])
				}
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb, _ := newTestBreaker(clock, 1, 1)
	_ = cb.Execute(func() error { return errTest })
	clock.Advance(10 * time.Second)

	var inner error
	err := cb.Execute(func() error {
		inner = cb.Execute(func() error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !errors.Is(inner, ErrCircuitOpen) {
		t.Errorf("concurrent probe error = %v, want ErrCircuitOpen", inner)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, seen := newTestBreaker(newFakeClock(), 2, 1)
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	last := (*seen)[len(*seen)-1]
	if last != (transition{StateOpen, StateClosed}) {
		t.Errorf("last transition = %v, want open→closed", last)
	}
}

func TestCall(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(newFakeClock(), 1, 1)

	got, err := Call(cb, func() (string, error) { return "record-1", nil })
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if got != "record-1" {
		t.Errorf("Call() = %q, want record-1", got)
	}

	got, err = Call(cb, func() (string, error) { return "partial", errTest })
	if !errors.Is(err, errTest) {
		t.Fatalf("Call() error = %v, want errTest", err)
	}
	if got != "" {
		t.Errorf("Call() = %q on error, want zero value", got)
	}

	if _, err := Call(cb, func() (string, error) { return "x", nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() error = %v, want ErrCircuitOpen", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
