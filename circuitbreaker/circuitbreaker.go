// Package circuitbreaker fails fast on upstream hosts that keep failing.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means requests flow normally
	StateClosed State = iota
	// StateOpen means requests are rejected without being attempted
	StateOpen
	// StateHalfOpen means a limited number of probe requests are let through
	StateHalfOpen
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned without running the call while the breaker is open
// or while its half-open probe slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config contains the configuration shared by every breaker of a Registry
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	Timeout          time.Duration // Time spent OPEN before probing
	HalfOpenRequests int           // Probe requests allowed while HALF-OPEN

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// Breaker guards calls to one upstream host
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu                sync.Mutex
	state             State
	failures          int
	halfOpenInFlight  int
	halfOpenSuccesses int
	openedAt          time.Time
}

// New creates a closed breaker
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:   name,
		config: cfg.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	var change func()
	defer func() {
		b.mu.Unlock()
		if change != nil {
			change()
		}
	}()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Timeout {
		change = b.transitionTo(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenRequests {
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
	}
	return nil
}

func (b *Breaker) record(err error) {
	failed := b.config.IsFailure(err)

	b.mu.Lock()
	var change func()
	switch b.state {
	case StateHalfOpen:
		if failed {
			change = b.transitionTo(StateOpen)
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenRequests {
			change = b.transitionTo(StateClosed)
		}
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			change = b.transitionTo(StateOpen)
		}
	}
	b.mu.Unlock()

	if change != nil {
		change()
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transitionTo(StateClosed)
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// transitionTo changes state and returns the notification to run once the
// lock is released. Must be called with lock held.
func (b *Breaker) transitionTo(newState State) func() {
	if b.state == newState {
		return nil
	}
	oldState := b.state
	b.state = newState
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0

	switch newState {
	case StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	case StateOpen:
		b.openedAt = b.now()
	}

	name, cfg := b.name, b.config
	return func() {
		if cfg.Logger != nil {
			cfg.Logger.Warn("circuit breaker state changed", "host", name, "from", oldState.String(), "to", newState.String())
		}
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, oldState, newState)
		}
	}
}

// Registry hands out one breaker per name, typically an upstream host
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry whose breakers share cfg
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		config:   cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.config)
		r.breakers[name] = b
	}
	return b
}
