// Package circuitbreaker stops calling a failing dependency for a while.
// The ledger uses it around the Redis balance cache: the cache is optional,
// and a dead Redis should cost each request nothing rather than a dial timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
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

var (
	// ErrCircuitOpen is returned without calling the dependency.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned while the single half-open probe is in flight.
	ErrTooManyRequests = errors.New("circuit breaker probe in flight")
)

type config struct {
	failureThreshold int
	successThreshold int
	openFor          time.Duration
	onStateChange    func(name string, from, to State)
	isFailure        func(error) bool
	now              func() time.Time
}

// Option tunes a breaker built by New.
type Option func(*config)

// WithFailureThreshold sets how many consecutive failures open the circuit (default 5).
func WithFailureThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many probe successes close it again (default 1).
func WithSuccessThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.successThreshold = n
		}
	}
}

// WithTimeout sets how long the circuit stays open before probing (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.openFor = d
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *config) { c.onStateChange = fn }
}

// WithIsFailure decides which errors count against the dependency.
func WithIsFailure(fn func(error) bool) Option {
	return func(c *config) {
		if fn != nil {
			c.isFailure = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(c *config) {
		if fn != nil {
			c.now = fn
		}
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

func New(name string, opts ...Option) *CircuitBreaker {
	cfg := config{
		failureThreshold: 5,
		successThreshold: 1,
		openFor:          30 * time.Second,
		isFailure:        func(err error) bool { return err != nil },
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CircuitBreaker{name: name, cfg: cfg}
}

// CacheBreaker guards the shared balance cache. It opens after three
// failures in a row and probes again after fifteen seconds. A cancelled
// request says nothing about Redis and is not counted.
func CacheBreaker(onStateChange func(name string, from, to State)) *CircuitBreaker {
	return New("balance-cache",
		WithFailureThreshold(3),
		WithTimeout(15*time.Second),
		WithOnStateChange(onStateChange),
		WithIsFailure(func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}),
	)
}

// Execute calls fn unless the circuit is open and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(probe, cb.cfg.isFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.now().Sub(cb.openedAt) < cb.cfg.openFor {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			return false, ErrTooManyRequests
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}

	if failed {
		cb.successes = 0
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.failureThreshold {
			cb.openedAt = cb.cfg.now()
			cb.transition(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.cfg.successThreshold {
			cb.transition(StateClosed)
		}
	}
}

// transition resets the counters; callers hold mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.failures, cb.successes = 0, 0
	if cb.cfg.onStateChange != nil {
		cb.cfg.onStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool { return cb.State() == StateOpen }

func (cb *CircuitBreaker) Name() string { return cb.name }
