// Package resilience keeps provider outages from stalling conversations.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend once it fails repeatedly. [FallbackGroup] chains
// several backends of one kind behind per-backend breakers, so a dead primary
// is skipped in favour of whichever fallback is still healthy. The
// stage-specific wrappers (InferFallback, RecogFallback, SynthFallback) give
// the group the shape of the pipeline interfaces.
//
// Everything here is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the call while the breaker is
// open and its cooldown has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successes close the breaker; one failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is the open-state cooldown before probing resumes.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probe calls allowed per half-open episode.
	// Default 3.
	HalfOpenMax int
}

// CircuitBreaker tracks consecutive failures of one backend and short-circuits
// calls while the backend is considered down.
type CircuitBreaker struct {
	name     string
	trip     int
	cooldown time.Duration
	probeMax int

	mu         sync.Mutex
	state      State
	failStreak int
	openedAt   time.Time
	probes     int
	probeFails int
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:     cfg.Name,
		trip:     cfg.MaxFailures,
		cooldown: cfg.ResetTimeout,
		probeMax: cfg.HalfOpenMax,
	}
	if cb.trip <= 0 {
		cb.trip = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	if cb.probeMax <= 0 {
		cb.probeMax = 3
	}
	return cb
}

// Execute runs fn unless the breaker refuses it, and feeds the outcome back
// into the failure accounting.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.settle(err, probing)
	return err
}

// admit decides whether a call may proceed. The second return value is false
// when the call is refused; the first reports whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probing, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.cooldown {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("circuit breaker half-open", "name", cb.name)
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.probeMax {
			return false, false
		}
		cb.probes++
		return true, true
	}
	return false, true
}

// settle applies one call outcome.
func (cb *CircuitBreaker) settle(err error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && probing:
		// One failed probe is enough evidence the backend is still down.
		cb.openedAt = time.Now()
		cb.state = StateOpen
		cb.failStreak = cb.trip
		cb.probeFails++
		slog.Warn("circuit breaker re-opened", "name", cb.name)

	case err != nil:
		cb.openedAt = time.Now()
		cb.failStreak++
		if cb.failStreak >= cb.trip {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name, "consecutive_failures", cb.failStreak)
		}

	case probing:
		if cb.probes-cb.probeFails >= cb.probeMax {
			cb.state = StateClosed
			cb.failStreak = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}

	default:
		cb.failStreak = 0
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the stored state flips on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failStreak = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
