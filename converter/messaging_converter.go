package converter

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessagingConverter converts between AMQP deliveries and Message.
//
// An inbound converter sits in front of a listener: incoming deliveries are
// parsed as requests and outgoing messages are built as replies. An outbound
// converter does the reverse.
type MessagingConverter struct {
	inbound bool
	payload PayloadConverter
	headers HeaderMapper
}

// Option configures a MessagingConverter.
type Option func(*MessagingConverter)

// WithInbound sets the direction.
func WithInbound(inbound bool) Option {
	return func(c *MessagingConverter) {
		c.inbound = inbound
	}
}

// WithPayloadConverter sets the payload converter.
func WithPayloadConverter(pc PayloadConverter) Option {
	return func(c *MessagingConverter) {
		c.payload = pc
	}
}

// WithHeaderMapper sets the header mapper.
func WithHeaderMapper(hm HeaderMapper) Option {
	return func(c *MessagingConverter) {
		c.headers = hm
	}
}

// NewMessagingConverter creates an inbound converter with a
// SimplePayloadConverter and a DefaultHeaderMapper unless overridden.
func NewMessagingConverter(options ...Option) *MessagingConverter {
	c := &MessagingConverter{
		inbound: true,
		payload: SimplePayloadConverter{},
		headers: NewDefaultHeaderMapper(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Inbound reports the converter direction.
func (c *MessagingConverter) Inbound() bool {
	return c.inbound
}

// ToWire converts msg into a publishing.
func (c *MessagingConverter) ToWire(msg *Message) (amqp.Publishing, error) {
	var p amqp.Publishing
	if msg == nil {
		return p, ErrNotAMessage
	}
	if err := c.payload.ToPublishing(msg.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to convert payload: %w", err)
	}
	if c.inbound {
		c.headers.FromHeadersToReply(msg.Headers, &p)
	} else {
		c.headers.FromHeadersToRequest(msg.Headers, &p)
	}
	return p, nil
}

// FromWire converts d into a message. A nil delivery yields a nil message.
func (c *MessagingConverter) FromWire(d *amqp.Delivery) (*Message, error) {
	if d == nil {
		return nil, nil
	}

	var mapped Headers
	if c.inbound {
		mapped = c.headers.ToHeadersFromRequest(d)
	} else {
		mapped = c.headers.ToHeadersFromReply(d)
	}

	payload, err := c.payload.FromDelivery(d)
	if err != nil {
		return nil, fmt.Errorf("failed to extract payload: %w", err)
	}

	msg, ok := payload.(*Message)
	if !ok {
		msg = NewMessage(payload)
	}
	msg.CopyHeadersIfAbsent(mapped)
	return msg, nil
}
