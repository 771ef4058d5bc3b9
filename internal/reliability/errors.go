package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches any *CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrNonRetryable marks errors that Retry must not repeat
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError reports a call rejected by an open or saturated breaker
type CircuitBreakerError struct {
	Name             string
	State            State
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open after %d consecutive failures: call blocked (retry in %v)",
			e.Name, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: trial call limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s error in state %v", e.Name, e.State)
	}
}

// Is makes errors.Is(err, ErrCircuitOpen) match
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError reports an operation that failed after retrying
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: failed after %d/%d attempts: %v", e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
