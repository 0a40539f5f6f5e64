// Package circuit guards calls into external dependencies (the node, storage,
// brokers) so a dead backend fails fast instead of stalling share handling.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/stratumpool/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every request through.
	StateClosed State = iota
	// StateOpen rejects requests until Timeout has elapsed.
	StateOpen
	// StateHalfOpen lets probe requests through.
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Dependency name reported in errors and state changes
	MaxFailures     int           // Failures before opening
	SuccessRequired int           // Successes in half-open before closing
	Timeout         time.Duration // Open duration before probing
	ResetTimeout    time.Duration // Failure counter window while closed

	// OnStateChange, when set, is called outside the lock after each transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// NodeConfig is used in front of bitcoind RPC.
func NodeConfig() *Config {
	return &Config{
		Name:            "bitcoind",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time
	mutex  sync.Mutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// Execute runs fn unless the circuit is open.
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}
	err := fn()
	cb.recordResult(err)
	return err
}

// ExecuteWithResult is Execute for functions that produce a value.
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}
	result, err := fn()
	cb.recordResult(err)
	return result, err
}

func (cb *Breaker) openError(state State) error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
		WithContext("state", state.String()).
		WithContext("dependency", cb.config.Name)
}

func (cb *Breaker) allowRequest() error {
	cb.mutex.Lock()
	now := cb.now()
	from := cb.state

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
	case StateOpen:
		if now.Sub(cb.lastFailTime) <= cb.config.Timeout {
			cb.mutex.Unlock()
			return cb.openError(from)
		}
		cb.state = StateHalfOpen
		cb.successes = 0
	}

	to := cb.state
	cb.mutex.Unlock()
	cb.notify(from, to)
	return nil
}

func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) || cb.state == StateHalfOpen {
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = cb.now()
		}
	}

	to := cb.state
	cb.mutex.Unlock()
	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
	cb.mutex.Unlock()
	cb.notify(from, StateClosed)
}
