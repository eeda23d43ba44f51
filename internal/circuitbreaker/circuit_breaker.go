// Package circuitbreaker stops calling an outbound collaborator (Pinata, the
// AVS, the generation endpoint, LlamaParse) after it keeps failing, and lets a
// few probe calls through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is in use
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// MinCalls is the number of calls observed before the failure rate counts
	MinCalls int
	// FailureThreshold is the failure rate (0.0-1.0) that opens the circuit
	FailureThreshold float64
	// ConsecutiveFailures opens the circuit regardless of rate
	ConsecutiveFailures int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenProbes successful probes close the circuit again
	HalfOpenProbes int
	// IsFailure decides which errors count against the collaborator.
	// Nil counts only system-side errors; a 4xx from the caller's own input does not trip the breaker.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		MinCalls:            10,
		FailureThreshold:    0.5,
		ConsecutiveFailures: 5,
		Cooldown:            30 * time.Second,
		HalfOpenProbes:      2,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu              sync.Mutex
	state           State
	calls           int
	failures        int
	consecutive     int
	inFlightProbes  int
	probeSuccesses  int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		cfg:             cfg,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

func defaultIsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !apperrors.IsUserError(err)
}

// Execute runs fn unless the circuit is open. The rejection is returned as a
// service-unavailable error so handlers map it to 503.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"state":          cb.State(),
		}).Debug("Call rejected by circuit breaker")
		unavailable := apperrors.NewServiceUnavailableError(cb.cfg.Name)
		unavailable.Cause = err
		return unavailable
	}

	err = fn(ctx)
	cb.afterRequest(probe, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.inFlightProbes >= cb.cfg.HalfOpenProbes {
			return false, ErrTooManyRequests
		}
		cb.inFlightProbes++
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.inFlightProbes--
	}
	failed := err != nil && cb.cfg.IsFailure(err)

	if cb.state == StateHalfOpen {
		if failed {
			cb.lastFailureTime = cb.now()
			cb.setState(StateOpen)
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.HalfOpenProbes {
			cb.setState(StateClosed)
		}
		return
	}

	cb.calls++
	if !failed {
		cb.consecutive = 0
		return
	}
	cb.failures++
	cb.consecutive++
	cb.lastFailureTime = cb.now()

	if cb.shouldOpen() {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.cfg.ConsecutiveFailures > 0 && cb.consecutive >= cb.cfg.ConsecutiveFailures {
		return true
	}
	if cb.calls < cb.cfg.MinCalls {
		return false
	}
	return cb.failureRate() >= cb.cfg.FailureThreshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.calls == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.calls)
}

// setState must be called with mu held; counters reset on every transition.
func (cb *CircuitBreaker) setState(state State) {
	if cb.state != state {
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.cfg.Name,
			"from":           cb.state,
			"to":             state,
		}).Warn("Circuit breaker state changed")
	}
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.calls = 0
	cb.failures = 0
	cb.consecutive = 0
	cb.probeSuccesses = 0
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	Calls           int       `json:"calls"`
	Failures        int       `json:"failures"`
	FailureRate     float64   `json:"failureRate"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	LastStateChange time.Time `json:"lastStateChange"`
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		Calls:           cb.calls,
		Failures:        cb.failures,
		FailureRate:     cb.failureRate(),
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}

// Registry hands out one breaker per collaborator name
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it with DefaultConfig on first use
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(DefaultConfig(name))
	r.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker, keyed by name
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
