package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/internal/reliability"
	"github.com/glimte/mmate-listeners/listener"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrRejectAndDontRequeue, returned by a listener, rejects the delivery
	// without requeueing it and without retrying
	ErrRejectAndDontRequeue = rabbitmq.ErrRejectAndDontRequeue

	ErrContainerDestroyed = errors.New("rabbitmq: container destroyed")
	ErrMissingQueues      = errors.New("rabbitmq: queues not found")
	ErrNoReplyDestination = errors.New("rabbitmq: reply has no destination")
	ErrNoReplyPublisher   = errors.New("rabbitmq: no reply publisher configured")
)

// ListenerContainer consumes an endpoint's queues and dispatches each
// delivery to the endpoint's listener
type ListenerContainer struct {
	factory            *ContainerFactory
	id                 string
	listener           listener.MessageListener
	queues             []listener.QueueRef
	admin              listener.Admin
	responseRoutingKey string
	exclusive          bool
	concurrency        int
	consumerArgs       amqp.Table
	breaker            *reliability.CircuitBreaker
	logger             *slog.Logger

	mu         sync.Mutex
	running    bool
	destroyed  bool
	watching   bool
	consumers  []*rabbitmq.Consumer
	queueNames []string
}

// ID returns the endpoint id the container was created for
func (c *ListenerContainer) ID() string {
	return c.id
}

// QueueNames returns the queue names resolved by the last Start
func (c *ListenerContainer) QueueNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queueNames...)
}

// Start declares the endpoint's queues through its admin, then subscribes
// every consumer to every queue. Starting a running container is a no-op.
func (c *ListenerContainer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrContainerDestroyed
	}
	if c.running {
		return nil
	}

	names, err := c.resolveQueues(ctx)
	if err != nil {
		return err
	}

	if c.factory.missingQueuesFatal && c.factory.topology != nil {
		missing, err := c.factory.topology.MissingQueues(ctx, names...)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingQueues, strings.Join(missing, ", "))
		}
	}

	consumers := make([]*rabbitmq.Consumer, 0, c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		consumer := c.newConsumer()
		consumers = append(consumers, consumer)
		if err := c.subscribe(ctx, consumer, names); err != nil {
			c.unsubscribe(ctx, consumers)
			return err
		}
	}

	c.consumers = consumers
	c.queueNames = names
	c.running = true

	if c.factory.events != nil && !c.watching {
		c.factory.events.AddStateListener(c)
		c.watching = true
	}

	c.logger.Info("listener container started",
		"queues", names,
		"consumers", c.concurrency,
		"exclusive", c.exclusive,
	)
	return nil
}

func (c *ListenerContainer) resolveQueues(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(c.queues))
	for _, ref := range c.queues {
		if ref.Queue == nil || c.admin == nil {
			names = append(names, ref.Resolved())
			continue
		}
		name, err := c.admin.DeclareQueue(ctx, ref.Queue)
		if err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", ref, err)
		}
		names = append(names, name)
	}
	return names, nil
}

func (c *ListenerContainer) newConsumer() *rabbitmq.Consumer {
	f := c.factory
	return rabbitmq.NewConsumer(f.source,
		rabbitmq.WithPrefetchCount(f.prefetch),
		rabbitmq.WithAckMode(f.ackMode),
		rabbitmq.WithExclusive(c.exclusive),
		rabbitmq.WithRequeueRejected(f.requeueRejected),
		rabbitmq.WithHandlerTimeout(f.handlerTimeout),
		rabbitmq.WithConsumerTagPrefix(f.tagPrefix),
		rabbitmq.WithConsumerArgs(c.consumerArgs),
		rabbitmq.WithConsumerLogger(c.logger),
	)
}

func (c *ListenerContainer) subscribe(ctx context.Context, consumer *rabbitmq.Consumer, names []string) error {
	active := make(map[string]bool)
	for _, q := range consumer.ActiveQueues() {
		active[q] = true
	}
	for _, name := range names {
		if active[name] {
			continue
		}
		if err := consumer.Subscribe(ctx, name, c.handler(name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListenerContainer) unsubscribe(ctx context.Context, consumers []*rabbitmq.Consumer) error {
	var errs []error
	for _, consumer := range consumers {
		if err := consumer.UnsubscribeAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop cancels every consumer and waits for in-flight deliveries or ctx.
// Stopping a stopped container is a no-op.
func (c *ListenerContainer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	err := c.unsubscribe(ctx, c.consumers)
	c.consumers = nil

	if err != nil {
		c.logger.Warn("listener container stopped with errors", "error", err)
		return err
	}
	c.logger.Info("listener container stopped")
	return nil
}

// IsRunning reports whether the container is started
func (c *ListenerContainer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Destroy stops the container for good and detaches it from connection events
func (c *ListenerContainer) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.factory.shutdownTimeout)
	defer cancel()
	err := c.Stop(ctx)

	c.mu.Lock()
	c.destroyed = true
	watching := c.watching
	c.watching = false
	c.mu.Unlock()

	if watching {
		c.factory.events.RemoveStateListener(c)
	}
	return err
}

// OnConnected resubscribes consumers whose channels died with the connection
func (c *ListenerContainer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	for _, consumer := range c.consumers {
		if err := c.subscribe(context.Background(), consumer, c.queueNames); err != nil {
			c.logger.Error("failed to resubscribe after reconnect", "error", err)
			return
		}
	}
	c.logger.Info("listener container resubscribed after reconnect")
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *ListenerContainer) OnDisconnected(err error) {
	if c.IsRunning() {
		c.logger.Warn("connection lost, consumers will resubscribe on reconnect", "error", err)
	}
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *ListenerContainer) OnReconnecting(attempt int) {}

func (c *ListenerContainer) handler(queue string) rabbitmq.MessageHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		ctx, done := c.factory.instruments.StartDispatch(ctx, c.id, queue)
		err := c.dispatch(ctx, delivery)
		done(err)
		return err
	}
}

func (c *ListenerContainer) dispatch(ctx context.Context, delivery amqp.Delivery) error {
	var reply *amqp.Publishing
	invoke := func() error {
		var err error
		reply, err = c.listener.OnMessage(ctx, delivery)
		if errors.Is(err, ErrRejectAndDontRequeue) {
			return reliability.Permanent(err)
		}
		return err
	}

	call := invoke
	if c.breaker != nil {
		call = func() error { return c.breaker.Execute(ctx, invoke) }
	}

	if err := reliability.Retry(ctx, c.factory.retry, call); err != nil {
		if errors.Is(err, reliability.ErrCircuitOpen) {
			c.waitForBreaker(ctx)
		}
		return err
	}

	if reply == nil {
		return nil
	}
	return c.sendReply(ctx, delivery, reply)
}

// waitForBreaker holds a rejected delivery until the breaker lets trial calls
// through, so requeued deliveries do not spin against an open circuit
func (c *ListenerContainer) waitForBreaker(ctx context.Context) {
	wait := time.Until(c.breaker.NextRetry())
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *ListenerContainer) sendReply(ctx context.Context, delivery amqp.Delivery, reply *amqp.Publishing) error {
	exchange, routingKey, ok := c.replyDestination(delivery)
	if !ok {
		return errors.Join(ErrNoReplyDestination, ErrRejectAndDontRequeue)
	}
	if c.factory.publisher == nil {
		return errors.Join(ErrNoReplyPublisher, ErrRejectAndDontRequeue)
	}

	msg := *reply
	if msg.CorrelationId == "" {
		msg.CorrelationId = delivery.CorrelationId
		if msg.CorrelationId == "" {
			msg.CorrelationId = delivery.MessageId
		}
	}

	if err := c.factory.publisher.Publish(ctx, exchange, routingKey, msg); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

// replyDestination prefers the request's ReplyTo, written either as a
// routing key on the default exchange or as "exchange/routingKey", then the
// endpoint's response routing key
func (c *ListenerContainer) replyDestination(delivery amqp.Delivery) (exchange, routingKey string, ok bool) {
	if delivery.ReplyTo != "" {
		if ex, key, found := strings.Cut(delivery.ReplyTo, "/"); found {
			return ex, key, true
		}
		return "", delivery.ReplyTo, true
	}
	if c.responseRoutingKey != "" {
		return "", c.responseRoutingKey, true
	}
	return "", "", false
}

func countsAgainstBreaker(err error) bool {
	return err != nil && !errors.Is(err, ErrRejectAndDontRequeue)
}

func (c *ListenerContainer) String() string {
	return fmt.Sprintf("ListenerContainer[id=%q queues=%v concurrency=%d]", c.id, c.queues, c.concurrency)
}

var (
	_ listener.Container               = (*ListenerContainer)(nil)
	_ listener.Destroyer               = (*ListenerContainer)(nil)
	_ rabbitmq.ConnectionStateListener = (*ListenerContainer)(nil)
)
