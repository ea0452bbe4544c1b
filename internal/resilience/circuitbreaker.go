// Package resilience provides a circuit breaker for callers that must stop
// retrying a dependency that keeps failing.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). It
// can wrap a synchronous call with [CircuitBreaker.Execute], or bracket an
// asynchronous one with [CircuitBreaker.Allow] and [CircuitBreaker.Record],
// which is how playback queues use it: the outcome of a resource is only
// known when the player reports it.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// all succeed the breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is used in log messages, e.g. "queue:1234".
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before moving to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed in half-open. That
	// many successes close the breaker. Default: 1.
	HalfOpenMax int

	// OnStateChange, when set, is called outside the lock after every
	// transition.
	OnStateChange func(from, to State)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(from, to State)
	log           *slog.Logger
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		log:           log.With("breaker", cfg.Name),
		now:           time.Now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reserves a call. It returns [ErrCircuitOpen] when the breaker
// rejects it. Each nil return must be followed by exactly one
// [CircuitBreaker.Record].
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from State
	changed := false
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, changed = cb.setLocked(StateHalfOpen), true
		cb.probes = 0
		cb.probeSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(changed, from, StateHalfOpen)
			return ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(changed, from, StateHalfOpen)
	return nil
}

// Record reports the outcome of a call reserved with Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state
	to := from

	switch {
	case err != nil && from == StateHalfOpen:
		to = StateOpen
		cb.openedAt = cb.now()
		cb.log.Warn("resilience: breaker re-opened by failed probe", "err", err)
	case err != nil:
		cb.consecutiveFail++
		if from == StateClosed && cb.consecutiveFail >= cb.maxFailures {
			to = StateOpen
			cb.openedAt = cb.now()
			cb.log.Warn("resilience: breaker opened", "consecutive_failures", cb.consecutiveFail, "err", err)
		}
	case from == StateHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMax {
			to = StateClosed
			cb.consecutiveFail = 0
			cb.log.Info("resilience: breaker closed after successful probes")
		}
	default:
		cb.consecutiveFail = 0
	}
	if to != from {
		cb.setLocked(to)
	}
	cb.mu.Unlock()
	cb.notify(to != from, from, to)
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the current count of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFail
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.setLocked(StateClosed)
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.notify(from != StateClosed, from, StateClosed)
}

func (cb *CircuitBreaker) setLocked(to State) (from State) {
	from = cb.state
	cb.state = to
	return from
}

func (cb *CircuitBreaker) notify(changed bool, from, to State) {
	if changed && cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
