// Package circuitbreaker implements the circuit breaker guarding the Fabric
// gateway connection. Submissions fail fast while the peer is unreachable
// instead of piling up endorsement timeouts.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Probing if the peer recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies this circuit breaker
	Name string

	// FailureThreshold is the number of consecutive counted failures that
	// trips the breaker from closed to open
	FailureThreshold uint32

	// ResetTimeout is the period of open state before switching to half-open
	ResetTimeout time.Duration

	// HalfOpenProbes is the number of probe requests allowed in half-open
	// state; that many consecutive successes close the breaker again
	HalfOpenProbes uint32

	// Interval is the cyclic period in closed state for clearing counts.
	// Zero means counts are never cleared while closed.
	Interval time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Business rejections from the chaincode should not trip it; only
	// transport-level failures should. Defaults to err != nil.
	IsFailure func(err error) bool

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the breaker configuration used when none is supplied
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   3,
		Interval:         60 * time.Second,
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts holds request/response counts
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// Clear resets all counts
func (c *Counts) Clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
}

// OnSuccess records a successful request. Requests is bumped at admission
// time, not here, so half-open probe accounting stays exact.
func (c *Counts) OnSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

// OnFailure records a failed request
func (c *Counts) OnFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a new circuit breaker
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		cfg:           cfg,
		state:         StateClosed,
		lastStateTime: time.Now(),
	}
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs the given function if the circuit breaker allows.
// The function's error is returned unchanged; whether it counts as a
// breaker failure is decided by Config.IsFailure.
func (cb *CircuitBreaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	result, err := req()
	cb.afterRequest(generation, !cb.cfg.IsFailure(err))
	return result, err
}

// Allow checks if a request is allowed without executing anything.
// Stream reconnect loops use it to decide whether to dial at all.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrCircuitOpen
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.HalfOpenProbes {
		return ErrTooManyRequests
	}

	return nil
}

// RecordResult feeds an out-of-band outcome into the breaker, for callers
// that cannot wrap their work in Execute (the event stream's dial attempts).
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	now := time.Now()
	_, generation := cb.currentState(now)
	cb.counts.Requests++
	cb.mu.Unlock()

	cb.afterRequest(generation, !cb.cfg.IsFailure(err))
}

// beforeRequest checks if request is allowed and returns generation
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}

	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.HalfOpenProbes {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

// afterRequest records the result
func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)

	// Ignore stale results
	if generation != currentGeneration {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// onSuccess handles a successful request
func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnSuccess()
	case StateHalfOpen:
		cb.counts.OnSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.HalfOpenProbes {
			cb.setState(StateClosed, now)
		}
	}
}

// onFailure handles a failed request
func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnFailure()
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState returns the current state and possibly updates it
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prevState := cb.state
	cb.state = state
	cb.lastStateTime = now

	cb.toNewGeneration(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prevState, state)
	}
}

// toNewGeneration starts a new generation
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.ResetTimeout)
	}
	cb.expiry = expiry
}
