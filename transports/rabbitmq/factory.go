package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-listeners/interceptors"
	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/internal/reliability"
	"github.com/glimte/mmate-listeners/listener"
	"github.com/glimte/mmate-listeners/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ReplyPublisher sends listener replies
type ReplyPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ConnectionEvents lets containers follow connection loss and recovery
type ConnectionEvents interface {
	AddStateListener(listener rabbitmq.ConnectionStateListener)
	RemoveStateListener(listener rabbitmq.ConnectionStateListener)
}

// BreakerSettings configures the per-container dispatch circuit breaker
type BreakerSettings struct {
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenRequests int
}

// ContainerFactory creates ListenerContainers that share its settings
type ContainerFactory struct {
	source             rabbitmq.ChannelSource
	publisher          ReplyPublisher
	topology           *rabbitmq.TopologyManager
	events             ConnectionEvents
	concurrency        int
	prefetch           int
	ackMode            rabbitmq.AckMode
	requeueRejected    bool
	tagPrefix          string
	handlerTimeout     time.Duration
	shutdownTimeout    time.Duration
	missingQueuesFatal bool
	breaker            *BreakerSettings
	retry              reliability.RetryPolicy
	interceptors       []interceptors.Interceptor
	logDeliveries      bool
	instruments        *telemetry.Instruments
	logger             *slog.Logger
}

// FactoryOption configures a ContainerFactory
type FactoryOption func(*ContainerFactory)

// WithConcurrency sets the number of consumers per container. Exclusive
// endpoints always get one.
func WithConcurrency(n int) FactoryOption {
	return func(f *ContainerFactory) {
		f.concurrency = n
	}
}

// WithPrefetch sets the per-consumer prefetch count
func WithPrefetch(n int) FactoryOption {
	return func(f *ContainerFactory) {
		f.prefetch = n
	}
}

// WithAckMode sets how deliveries are acknowledged
func WithAckMode(mode rabbitmq.AckMode) FactoryOption {
	return func(f *ContainerFactory) {
		f.ackMode = mode
	}
}

// WithDefaultRequeueRejected controls whether failed deliveries are requeued
func WithDefaultRequeueRejected(requeue bool) FactoryOption {
	return func(f *ContainerFactory) {
		f.requeueRejected = requeue
	}
}

// WithConsumerTagPrefix sets the consumer tag prefix
func WithConsumerTagPrefix(prefix string) FactoryOption {
	return func(f *ContainerFactory) {
		f.tagPrefix = prefix
	}
}

// WithHandlerTimeout bounds each listener invocation
func WithHandlerTimeout(timeout time.Duration) FactoryOption {
	return func(f *ContainerFactory) {
		f.handlerTimeout = timeout
	}
}

// WithShutdownTimeout bounds the stop performed by Destroy
func WithShutdownTimeout(timeout time.Duration) FactoryOption {
	return func(f *ContainerFactory) {
		f.shutdownTimeout = timeout
	}
}

// WithMissingQueuesFatal makes Start fail when a queue does not exist.
// Requires WithTopology.
func WithMissingQueuesFatal(fatal bool) FactoryOption {
	return func(f *ContainerFactory) {
		f.missingQueuesFatal = fatal
	}
}

// WithCircuitBreaker guards every container's listener with a breaker
func WithCircuitBreaker(settings BreakerSettings) FactoryOption {
	return func(f *ContainerFactory) {
		f.breaker = &settings
	}
}

// WithRetryPolicy retries failed listener invocations in process before
// the delivery is rejected
func WithRetryPolicy(policy reliability.RetryPolicy) FactoryOption {
	return func(f *ContainerFactory) {
		f.retry = policy
	}
}

// WithInterceptors runs interceptors in front of every container's listener,
// in the order given
func WithInterceptors(list ...interceptors.Interceptor) FactoryOption {
	return func(f *ContainerFactory) {
		f.interceptors = append(f.interceptors, list...)
	}
}

// WithDeliveryLogging logs every delivery with the container's logger
// before any other interceptor runs
func WithDeliveryLogging(enabled bool) FactoryOption {
	return func(f *ContainerFactory) {
		f.logDeliveries = enabled
	}
}

// WithReplyPublisher sets the publisher used for listener replies
func WithReplyPublisher(publisher ReplyPublisher) FactoryOption {
	return func(f *ContainerFactory) {
		f.publisher = publisher
	}
}

// WithTopology sets the topology manager used for missing queue checks
func WithTopology(topology *rabbitmq.TopologyManager) FactoryOption {
	return func(f *ContainerFactory) {
		f.topology = topology
	}
}

// WithConnectionEvents resubscribes started containers after a reconnect
func WithConnectionEvents(events ConnectionEvents) FactoryOption {
	return func(f *ContainerFactory) {
		f.events = events
	}
}

// WithInstruments records dispatch spans and metrics
func WithInstruments(instruments *telemetry.Instruments) FactoryOption {
	return func(f *ContainerFactory) {
		f.instruments = instruments
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *ContainerFactory) {
		f.logger = logger
	}
}

// NewContainerFactory creates a factory whose containers open their
// channels from source
func NewContainerFactory(source rabbitmq.ChannelSource, options ...FactoryOption) *ContainerFactory {
	f := &ContainerFactory{
		source:             source,
		concurrency:        1,
		prefetch:           250,
		ackMode:            rabbitmq.AckAuto,
		requeueRejected:    true,
		tagPrefix:          "listener",
		handlerTimeout:     30 * time.Second,
		shutdownTimeout:    30 * time.Second,
		missingQueuesFatal: true,
		logger:             slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}
	if f.concurrency < 1 {
		f.concurrency = 1
	}

	return f
}

// CreateContainer implements listener.ContainerFactory
func (f *ContainerFactory) CreateContainer(endpoint listener.Endpoint) (listener.Container, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("%w: endpoint is nil", listener.ErrInvalidArgument)
	}

	id := endpoint.ID()
	handler, err := endpoint.Listener()
	if err != nil {
		return nil, err
	}

	queues := endpoint.Queues()
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: endpoint %s has no queues", listener.ErrInvalidArgument, id)
	}
	admin := endpoint.Admin()
	for _, q := range queues {
		switch {
		case q.Queue == nil && q.Name == "":
			return nil, fmt.Errorf("%w: endpoint %s has an empty queue name", listener.ErrInvalidArgument, id)
		case q.Queue != nil && q.Queue.Name == "" && admin == nil:
			return nil, fmt.Errorf("%w: endpoint %s declares an unnamed queue but has no admin", listener.ErrInvalidArgument, id)
		}
	}

	concurrency := f.concurrency
	if endpoint.Exclusive() {
		concurrency = 1
	}

	var args amqp.Table
	if priority, ok := endpoint.Priority(); ok {
		args = amqp.Table{"x-priority": int32(priority)}
	}

	logger := f.logger.With("endpointId", id)
	c := &ListenerContainer{
		factory:            f,
		id:                 id,
		listener:           f.intercept(handler, logger),
		queues:             append([]listener.QueueRef(nil), queues...),
		admin:              admin,
		responseRoutingKey: endpoint.ResponseRoutingKey(),
		exclusive:          endpoint.Exclusive(),
		concurrency:        concurrency,
		consumerArgs:       args,
		logger:             logger,
	}

	if f.breaker != nil {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName(id),
			reliability.WithFailureThreshold(f.breaker.FailureThreshold),
			reliability.WithTimeout(f.breaker.Timeout),
			reliability.WithHalfOpenRequests(f.breaker.HalfOpenRequests),
			reliability.WithFailurePredicate(countsAgainstBreaker),
			reliability.WithBreakerLogger(logger),
		)
	}

	return c, nil
}

func (f *ContainerFactory) intercept(handler listener.MessageListener, logger *slog.Logger) listener.MessageListener {
	if !f.logDeliveries && len(f.interceptors) == 0 {
		return handler
	}
	chain := interceptors.NewInterceptorChain(logger)
	if f.logDeliveries {
		chain.Add(interceptors.NewLoggingInterceptor(logger))
	}
	for _, i := range f.interceptors {
		chain.Add(i)
	}
	return chain.Wrap(handler)
}

var _ listener.ContainerFactory = (*ContainerFactory)(nil)
