// Package reliability provides the failure handling used around listener
// dispatch.
//
//   - CircuitBreaker: stops invoking a failing listener for a while (gobreaker underneath)
//   - Retry policies: exponential backoff and fixed delay for in-process redelivery
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return handle(ctx, delivery)
//	})
package reliability
