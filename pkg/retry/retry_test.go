package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	poolErrors "github.com/bardlex/stratumpool/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		maxAttempts int
		baseDelay   time.Duration
		jitter      bool
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond, true},
		{"rpc", RPCConfig(), 5, 50 * time.Millisecond, true},
		{"storage", StorageConfig(), 3, 200 * time.Millisecond, true},
		{"submit", SubmitConfig(), 2, 50 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.maxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", tt.config.MaxAttempts, tt.maxAttempts)
			}
			if tt.config.BaseDelay != tt.baseDelay {
				t.Errorf("BaseDelay = %v, want %v", tt.config.BaseDelay, tt.baseDelay)
			}
			if tt.config.Jitter != tt.jitter {
				t.Errorf("Jitter = %v, want %v", tt.config.Jitter, tt.jitter)
			}
		})
	}
}

func TestDo_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls == 1 {
			return poolErrors.New(poolErrors.ErrorTypeNetwork, "get_block_template", "connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return poolErrors.New(poolErrors.ErrorTypeStorage, "record_share", "postgres down")
	})
	if err == nil {
		t.Fatal("expected error after max attempts")
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if !poolErrors.IsType(err, poolErrors.ErrorTypeInternal) {
		t.Error("exhausted retries should surface as an internal error")
	}
	if got := poolErrors.GetContext(err)["max_attempts"]; got != 2 {
		t.Errorf("max_attempts context = %v", got)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	want := poolErrors.New(poolErrors.ErrorTypeValidation, "submit_block", "invalid block hex")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, config, func() error {
		calls++
		cancel()
		return poolErrors.New(poolErrors.ErrorTypeNetwork, "ping", "timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", poolErrors.New(poolErrors.ErrorTypeTimeout, "get_block_template", "slow node")
		}
		return "template", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult() error = %v", err)
	}
	if got != "template" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestDoWithResult_NilConfigUsesDefault(t *testing.T) {
	got, err := DoWithResult(context.Background(), nil, func() (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Errorf("DoWithResult(nil config) = %d, %v", got, err)
	}
}

func TestCalculateDelay(t *testing.T) {
	c := &Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := c.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	c.Jitter = true
	for range 20 {
		d := c.calculateDelay(0)
		if d < 100*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside [100ms, 110ms]", d)
		}
	}
}
