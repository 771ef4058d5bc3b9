package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on a single dedicated channel. Publishes are
// serialized so each confirmation matches the message that produced it.
type Publisher struct {
	source         ChannelSource
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	confirmMode    bool
	mandatory      bool
	logger         *slog.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closed   bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout used when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithRetryDelay sets the base delay between retries; attempt n waits n times it
func WithRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithMandatory publishes with the mandatory flag. Only honored in confirm
// mode, where returned messages fail with ErrMandatoryFailed.
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher creates a new publisher
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:         source,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     time.Second,
		confirmMode:    true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message, retrying failed attempts with linear backoff
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
			}
		}

		err := p.publishOnce(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPublisherClosed) {
			return err
		}

		lastErr = err
		p.logger.Warn("publish attempt failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr),
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	mandatory := p.mandatory && p.confirmMode
	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		p.discard()
		return err
	}

	if !p.confirmMode {
		return nil
	}

	// basic.return always precedes the matching basic.ack
	returned := false
	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()
	for {
		select {
		case ret := <-p.returns:
			p.logger.Debug("message returned", "replyCode", ret.ReplyCode, "replyText", ret.ReplyText)
			returned = true

		case confirm, ok := <-p.confirms:
			if !ok {
				p.discard()
				return ErrConnectionClosed
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			select {
			case <-p.returns:
				returned = true
			default:
			}
			if returned {
				return ErrMandatoryFailed
			}
			return nil

		case <-timeout.C:
			p.discard()
			return fmt.Errorf("%w: timeout waiting for confirmation", ErrPublishNotConfirmed)

		case <-ctx.Done():
			p.discard()
			return ctx.Err()
		}
	}
}

// channel returns the publishing channel, opening it if needed. Caller holds p.mu.
func (p *Publisher) channel() (Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.source.Channel()
	if err != nil {
		return nil, err
	}

	if p.confirmMode {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "confirm", ChannelID: "publisher", Err: err, Timestamp: time.Now()}
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}

	p.ch = ch
	return ch, nil
}

// discard drops the channel so late confirmations cannot be matched to the
// next publish. Caller holds p.mu.
func (p *Publisher) discard() {
	if p.ch != nil {
		p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
	p.returns = nil
}

// Close closes the publishing channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
