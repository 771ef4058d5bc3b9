package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-listeners/listener"
)

var (
	ErrTimeout  = errors.New("interceptors: listener timed out")
	ErrPanicked = errors.New("interceptors: listener panicked")
)

// Interceptor processes a delivery before it reaches the listener
type Interceptor interface {
	// Intercept handles delivery and calls next to continue the chain
	Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptFunc is the signature of a function-based interceptor
type InterceptFunc func(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error)

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   InterceptFunc
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn InterceptFunc) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error) {
	return i.fn(ctx, delivery, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	return names
}

// Execute runs delivery through the chain and then final
func (c *InterceptorChain) Execute(ctx context.Context, delivery amqp.Delivery, final listener.MessageListener) (*amqp.Publishing, error) {
	return c.Wrap(final).OnMessage(ctx, delivery)
}

// Wrap returns a listener that runs the chain in front of final. The chain
// is captured as it is now; interceptors added later do not apply.
func (c *InterceptorChain) Wrap(final listener.MessageListener) listener.MessageListener {
	if len(c.interceptors) == 0 {
		return final
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = listener.MessageListenerFunc(func(ctx context.Context, delivery amqp.Delivery) (*amqp.Publishing, error) {
			return interceptor.Intercept(ctx, delivery, next)
		})
	}

	c.logger.Debug("interceptor chain built", "interceptors", c.Names())
	return handler
}

// LoggingInterceptor logs each delivery with its processing time
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error) {
	start := time.Now()

	i.logger.Debug("processing delivery",
		"messageId", delivery.MessageId,
		"correlationId", delivery.CorrelationId,
		"routingKey", delivery.RoutingKey,
		"redelivered", delivery.Redelivered,
	)

	reply, err := next.OnMessage(ctx, delivery)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("delivery processing failed",
			"messageId", delivery.MessageId,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("delivery processed",
			"messageId", delivery.MessageId,
			"duration", duration,
			"replied", reply != nil,
		)
	}

	return reply, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the rest of the chain. The listener keeps the
// cancelled context; its result is discarded once the timeout fires.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type result struct {
	reply *amqp.Publishing
	err   error
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		reply, err := next.OnMessage(timeoutCtx, delivery)
		done <- result{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("%w after %v for message %s", ErrTimeout, i.timeout, delivery.MessageId)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// RecoveryInterceptor turns a listener panic into an error so the consumer
// goroutine survives and the delivery is rejected
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (reply *amqp.Publishing, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("listener panicked",
				"messageId", delivery.MessageId,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			reply, err = nil, fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()

	return next.OnMessage(ctx, delivery)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
