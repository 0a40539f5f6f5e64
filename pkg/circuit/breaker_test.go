package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	poolErrors "github.com/bardlex/stratumpool/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg *Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = clock.now
	cb.lastResetTime = clock.t
	return cb, clock
}

var errNode = errors.New("connection refused")

func fail() error { return errNode }
func ok() error   { return nil }

func TestPresets(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		failures int
		timeout  time.Duration
	}{
		{"default", DefaultConfig(), 5, 30 * time.Second},
		{"bitcoind", NodeConfig(), 3, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.Name != tt.name {
				t.Errorf("Name = %q, want %q", tt.config.Name, tt.name)
			}
			if tt.config.MaxFailures != tt.failures {
				t.Errorf("MaxFailures = %d, want %d", tt.config.MaxFailures, tt.failures)
			}
			if tt.config.Timeout != tt.timeout {
				t.Errorf("Timeout = %v, want %v", tt.config.Timeout, tt.timeout)
			}
		})
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)
	if breaker.config == nil {
		t.Fatal("expected default config when nil is passed")
	}
	if breaker.GetState() != StateClosed {
		t.Error("expected initial state to be closed")
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{Name: "bitcoind", MaxFailures: 2, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	for range 2 {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errNode) {
			t.Fatalf("Execute() = %v, want the call's own error", err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if called {
		t.Error("function ran while circuit was open")
	}
	if !poolErrors.IsType(err, poolErrors.ErrorTypeInternal) {
		t.Errorf("open circuit error = %v, want internal error", err)
	}
	if got := poolErrors.GetContext(err)["dependency"]; got != "bitcoind" {
		t.Errorf("dependency context = %v", got)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Second)

	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("probe Execute() = %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state after one probe = %s, want half-open", cb.GetState())
	}
	_ = cb.Execute(ctx, ok)
	if cb.GetState() != StateClosed {
		t.Fatalf("state after recovery = %s, want closed", cb.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: time.Second, ResetTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
}

func TestBreaker_ResetTimeoutClearsFailures(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Second, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(11 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, failures outside the reset window should not open", cb.GetState())
	}
	if got := cb.GetStats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cfg := &Config{
		Name:            "redis",
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Second,
		ResetTimeout:    time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Second)
	_ = cb.Execute(ctx, ok)

	want := []string{"redis:closed->open", "redis:open->half-open", "redis:half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})
	ctx := context.Background()

	got, err := ExecuteWithResult(ctx, cb, func() (int64, error) { return 840000, nil })
	if err != nil || got != 840000 {
		t.Fatalf("ExecuteWithResult() = %d, %v", got, err)
	}

	_, _ = ExecuteWithResult(ctx, cb, func() (int64, error) { return 0, errNode })
	got, err = ExecuteWithResult(ctx, cb, func() (int64, error) { return 1, nil })
	if err == nil || got != 0 {
		t.Errorf("ExecuteWithResult on open circuit = %d, %v", got, err)
	}
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Minute})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	stats := cb.GetStats()
	if stats.State != StateClosed || stats.Failures != 0 {
		t.Errorf("after Reset stats = %+v", stats)
	}
}
