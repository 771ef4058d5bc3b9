package converter

import (
	"time"
)

// HeaderAccessor gives typed access to the standard headers of a Message.
type HeaderAccessor struct {
	headers Headers
}

// Wrap returns an accessor over msg's headers.
func Wrap(msg *Message) *HeaderAccessor {
	if msg == nil {
		return &HeaderAccessor{headers: Headers{}}
	}
	return &HeaderAccessor{headers: msg.Headers}
}

func (a *HeaderAccessor) str(name string) string {
	s, _ := a.headers[name].(string)
	return s
}

func (a *HeaderAccessor) AppID() string              { return a.str(HeaderAppID) }
func (a *HeaderAccessor) ClusterID() string          { return a.str(HeaderClusterID) }
func (a *HeaderAccessor) ContentEncoding() string    { return a.str(HeaderContentEncoding) }
func (a *HeaderAccessor) ContentType() string        { return a.str(HeaderContentType) }
func (a *HeaderAccessor) CorrelationID() string      { return a.str(HeaderCorrelationID) }
func (a *HeaderAccessor) Expiration() string         { return a.str(HeaderExpiration) }
func (a *HeaderAccessor) MessageID() string          { return a.str(HeaderMessageID) }
func (a *HeaderAccessor) ReceivedExchange() string   { return a.str(HeaderReceivedExchange) }
func (a *HeaderAccessor) ReceivedRoutingKey() string { return a.str(HeaderReceivedRoutingKey) }
func (a *HeaderAccessor) ReplyTo() string            { return a.str(HeaderReplyTo) }
func (a *HeaderAccessor) Type() string               { return a.str(HeaderType) }
func (a *HeaderAccessor) UserID() string             { return a.str(HeaderUserID) }
func (a *HeaderAccessor) ConsumerTag() string        { return a.str(HeaderConsumerTag) }

// ContentLength returns the body length recorded for an incoming message.
func (a *HeaderAccessor) ContentLength() (int64, bool) {
	n, ok := a.headers[HeaderContentLength].(int64)
	return n, ok
}

// DeliveryMode returns the AMQP delivery mode (1 transient, 2 persistent).
func (a *HeaderAccessor) DeliveryMode() (uint8, bool) {
	return uint8Value(a.headers[HeaderDeliveryMode])
}

// Priority returns the message priority.
func (a *HeaderAccessor) Priority() (uint8, bool) {
	return uint8Value(a.headers[HeaderPriority])
}

// DeliveryTag returns the broker delivery tag.
func (a *HeaderAccessor) DeliveryTag() (uint64, bool) {
	n, ok := a.headers[HeaderDeliveryTag].(uint64)
	return n, ok
}

// MessageCount returns the message count reported by basic.get.
func (a *HeaderAccessor) MessageCount() (uint32, bool) {
	n, ok := a.headers[HeaderMessageCount].(uint32)
	return n, ok
}

// Redelivered reports whether the broker flagged the delivery as redelivered.
func (a *HeaderAccessor) Redelivered() (bool, bool) {
	b, ok := a.headers[HeaderRedelivered].(bool)
	return b, ok
}

// Timestamp returns the AMQP timestamp, falling back to the message
// creation time.
func (a *HeaderAccessor) Timestamp() (time.Time, bool) {
	if t, ok := a.headers[HeaderTimestamp].(time.Time); ok {
		return t, true
	}
	if ms, ok := a.headers[HeaderMessageCreated].(int64); ok {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

// Header returns any header by name.
func (a *HeaderAccessor) Header(name string) (any, bool) {
	v, ok := a.headers[name]
	return v, ok
}
