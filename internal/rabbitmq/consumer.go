package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AckMode defines how deliveries are acknowledged
type AckMode int

const (
	// AckAuto acks on success and nacks when the handler fails
	AckAuto AckMode = iota
	// AckManual leaves acknowledgment to the handler
	AckManual
	// AckNone consumes in auto-ack mode
	AckNone
)

func (m AckMode) String() string {
	switch m {
	case AckAuto:
		return "auto"
	case AckManual:
		return "manual"
	case AckNone:
		return "none"
	}
	return fmt.Sprintf("AckMode(%d)", int(m))
}

// ParseAckMode parses auto, manual or none
func ParseAckMode(s string) (AckMode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return AckAuto, nil
	case "manual":
		return AckManual, nil
	case "none":
		return AckNone, nil
	}
	return AckAuto, fmt.Errorf("%w: unknown ack mode %q", ErrInvalidConfiguration, s)
}

// Consumer consumes queues on dedicated channels, one per subscription
type Consumer struct {
	source          ChannelSource
	prefetchCount   int
	ackMode         AckMode
	exclusive       bool
	requeueRejected bool
	handlerTimeout  time.Duration
	tagPrefix       string
	args            amqp.Table
	logger          *slog.Logger

	mu     sync.Mutex
	active map[string]*ConsumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAckMode sets the acknowledgment mode
func WithAckMode(mode AckMode) ConsumerOption {
	return func(c *Consumer) {
		c.ackMode = mode
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithRequeueRejected controls whether failed deliveries are requeued
func WithRequeueRejected(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueRejected = requeue
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero disables the bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerArgs sets basic.consume arguments such as x-priority
func WithConsumerArgs(args amqp.Table) ConsumerOption {
	return func(c *Consumer) {
		c.args = args
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(source ChannelSource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:          source,
		prefetchCount:   250,
		ackMode:         AckAuto,
		requeueRejected: true,
		handlerTimeout:  30 * time.Second,
		tagPrefix:       "mmate",
		logger:          slog.Default(),
		active:          make(map[string]*ConsumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks an active subscription
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     Channel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming messages from a queue
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	_, exists := c.active[queue]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("already consuming from queue: %s", queue)
	}

	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())

	ch, err := c.source.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if c.ackMode != AckNone {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			ch.Close()
			return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		c.ackMode == AckNone,
		c.exclusive,
		false, // no-local
		false, // no-wait
		c.args,
	)
	if err != nil {
		ch.Close()
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.active[queue] = info
	c.mu.Unlock()

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"ackMode", c.ackMode.String(),
	)

	return nil
}

// processMessages handles incoming messages
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		info.Channel.Close()
		c.mu.Lock()
		if c.active[info.Queue] == info {
			delete(c.active, info.Queue)
		}
		c.mu.Unlock()
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", info.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// handleMessage processes a single message. In-flight handlers are not
// interrupted by Unsubscribe.
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx := context.WithoutCancel(ctx)
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(msgCtx, c.handlerTimeout)
		defer cancel()
	}

	err := invoke(msgCtx, handler, delivery)

	if c.ackMode != AckAuto {
		return err
	}

	if err != nil {
		requeue := c.requeueRejected && !errors.Is(err, ErrRejectAndDontRequeue)
		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}

func invoke(ctx context.Context, handler MessageHandler, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(ctx, delivery)
}

// Unsubscribe cancels the subscription on queue and waits for the in-flight
// message to finish or ctx to expire
func (c *Consumer) Unsubscribe(ctx context.Context, queue string) error {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for queue: %s", ErrNoActiveConsumer, queue)
	}

	if err := info.Channel.Cancel(info.ConsumerTag, false); err != nil {
		c.logger.Debug("basic.cancel failed", "queue", queue, "error", err)
	}
	info.Cancel()

	select {
	case <-info.Done:
		return nil
	case <-ctx.Done():
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: info.ConsumerTag,
			Op:          "unsubscribe",
			Err:         ctx.Err(),
			Timestamp:   time.Now(),
		}
	}
}

// UnsubscribeAll stops all active subscriptions
func (c *Consumer) UnsubscribeAll(ctx context.Context) error {
	queues := c.ActiveQueues()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, queue := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(ctx, queue); err != nil && !errors.Is(err, ErrNoActiveConsumer) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(queue)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// ActiveQueues returns the queues with a live subscription
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
