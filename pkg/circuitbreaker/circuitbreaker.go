package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast with ErrOpen
	StateHalfOpen              // a limited number of probe calls pass
)

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
	FailureThreshold    int           // consecutive failures that open the breaker
	SuccessThreshold    int           // probe successes that close it again
	OpenTimeout         time.Duration // time spent open before probing
	MaxHalfOpenRequests int           // probes allowed while half-open
}

// DefaultConfig suits a single backing service such as Redis
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         10 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

type Option func(*CircuitBreaker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateListener is called after every transition, outside the breaker lock
func WithStateListener(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenRequests int
	openedAt         time.Time

	onStateChange func(from, to State)
}

// Counts is a snapshot of the breaker counters
type Counts struct {
	State               State
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	OpenedAt            time.Time
}

func New(config Config, opts ...Option) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}

	cb := &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the breaker rejects the call. fn's error is returned as is.
// A cancelled ctx is neither a success nor a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return ErrOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.record(true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	default:
		cb.record(false)
	}
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	defer func() {
		cb.mu.Unlock()
		if changed {
			cb.notify(from, to)
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.OpenTimeout {
			return false
		}
		from, to, changed = cb.transition(StateHalfOpen)
		cb.halfOpenRequests++
		return true
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return false
		}
		cb.halfOpenRequests++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	var from, to State
	changed := false

	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}

	if success {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				from, to, changed = cb.transition(StateClosed)
			}
		}
	} else {
		cb.failures++
		switch {
		case cb.state == StateHalfOpen:
			from, to, changed = cb.transition(StateOpen)
		case cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold:
			from, to, changed = cb.transition(StateOpen)
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) (State, State, bool) {
	from := cb.state
	if from == to {
		return from, to, false
	}

	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	return from, to, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State reports the current state. An open breaker whose timeout has passed
// still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		HalfOpenSuccesses:   cb.successes,
		OpenedAt:            cb.openedAt,
	}
}

// Reset closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to, changed := cb.transition(StateClosed)
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
}
