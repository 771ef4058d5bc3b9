package reliability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// StateChangeListener is notified of circuit breaker state changes
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// CircuitBreaker stops calling a failing dependency for a while. It is a
// thin layer over gobreaker that reports rejections as *CircuitBreakerError.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	halfOpenRequests int
	interval         time.Duration
	timeout          time.Duration
	isFailure        func(error) bool
	logger           *slog.Logger

	cb *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	openedAt  time.Time
	listeners []StateChangeListener
}

// CircuitBreakerOption configures a circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithHalfOpenRequests sets how many trial calls are allowed while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithInterval sets the cyclic period after which closed-state counts reset.
// Zero never resets them.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.interval = interval
	}
}

// WithName sets the breaker name used in logs and errors
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailurePredicate decides which errors count against the circuit
func WithFailurePredicate(isFailure func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = isFailure
	}
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		halfOpenRequests: 1,
		timeout:          30 * time.Second,
		isFailure:        func(err error) bool { return err != nil },
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(cb)
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 1
	}
	if cb.halfOpenRequests < 1 {
		cb.halfOpenRequests = 1
	}

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cb.name,
		MaxRequests: uint32(cb.halfOpenRequests),
		Interval:    cb.interval,
		Timeout:     cb.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cb.failureThreshold)
		},
		OnStateChange: cb.onStateChange,
		IsSuccessful: func(err error) bool {
			return !cb.isFailure(err)
		},
	})

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return &CircuitBreakerError{
			Name:             cb.name,
			State:            StateOpen,
			FailureThreshold: cb.failureThreshold,
			NextRetry:        cb.NextRetry(),
		}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return &CircuitBreakerError{
			Name:             cb.name,
			State:            StateHalfOpen,
			FailureThreshold: cb.failureThreshold,
		}
	}
	return err
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	return stateOf(cb.cb.State())
}

// NextRetry returns when an open circuit lets the next trial call through.
// It is the zero time unless the circuit is open.
func (cb *CircuitBreaker) NextRetry() time.Time {
	if cb.GetState() != StateOpen {
		return time.Time{}
	}
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.openedAt.Add(cb.timeout)
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

func (cb *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	cb.mu.Lock()
	if to == gobreaker.StateOpen {
		cb.openedAt = time.Now()
	}
	listeners := append([]StateChangeListener(nil), cb.listeners...)
	cb.mu.Unlock()

	cb.logger.Warn("circuit breaker state changed",
		"breaker", name,
		"from", stateOf(from).String(),
		"to", stateOf(to).String(),
	)

	for _, l := range listeners {
		l.OnStateChange(name, stateOf(from), stateOf(to))
	}
}
