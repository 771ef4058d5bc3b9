package converter

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderMapper maps between message headers and AMQP properties. Request
// and reply directions may use different sets of standard headers.
type HeaderMapper interface {
	FromHeadersToRequest(headers Headers, p *amqp.Publishing)
	FromHeadersToReply(headers Headers, p *amqp.Publishing)
	ToHeadersFromRequest(d *amqp.Delivery) Headers
	ToHeadersFromReply(d *amqp.Delivery) Headers
}

// property reads a standard header from a delivery and, when the property
// is writable, applies it to a publishing.
type property struct {
	get func(d *amqp.Delivery) (any, bool)
	set func(p *amqp.Publishing, v any) bool
}

func stringProperty(get func(d *amqp.Delivery) string, set func(p *amqp.Publishing, v string)) property {
	prop := property{
		get: func(d *amqp.Delivery) (any, bool) {
			v := get(d)
			return v, v != ""
		},
	}
	if set != nil {
		prop.set = func(p *amqp.Publishing, v any) bool {
			s, ok := v.(string)
			if ok {
				set(p, s)
			}
			return ok
		}
	}
	return prop
}

func uint8Value(v any) (uint8, bool) {
	switch n := v.(type) {
	case uint8:
		return n, true
	case int:
		return uint8(n), n >= 0 && n <= 255
	case int32:
		return uint8(n), n >= 0 && n <= 255
	case int64:
		return uint8(n), n >= 0 && n <= 255
	}
	return 0, false
}

var properties = map[string]property{
	HeaderAppID: stringProperty(
		func(d *amqp.Delivery) string { return d.AppId },
		func(p *amqp.Publishing, v string) { p.AppId = v }),
	HeaderContentEncoding: stringProperty(
		func(d *amqp.Delivery) string { return d.ContentEncoding },
		func(p *amqp.Publishing, v string) { p.ContentEncoding = v }),
	HeaderContentType: stringProperty(
		func(d *amqp.Delivery) string { return d.ContentType },
		func(p *amqp.Publishing, v string) { p.ContentType = v }),
	HeaderCorrelationID: stringProperty(
		func(d *amqp.Delivery) string { return d.CorrelationId },
		func(p *amqp.Publishing, v string) { p.CorrelationId = v }),
	HeaderExpiration: stringProperty(
		func(d *amqp.Delivery) string { return d.Expiration },
		func(p *amqp.Publishing, v string) { p.Expiration = v }),
	HeaderMessageID: stringProperty(
		func(d *amqp.Delivery) string { return d.MessageId },
		func(p *amqp.Publishing, v string) { p.MessageId = v }),
	HeaderReplyTo: stringProperty(
		func(d *amqp.Delivery) string { return d.ReplyTo },
		func(p *amqp.Publishing, v string) { p.ReplyTo = v }),
	HeaderType: stringProperty(
		func(d *amqp.Delivery) string { return d.Type },
		func(p *amqp.Publishing, v string) { p.Type = v }),
	HeaderUserID: stringProperty(
		func(d *amqp.Delivery) string { return d.UserId },
		func(p *amqp.Publishing, v string) { p.UserId = v }),
	HeaderConsumerTag: stringProperty(
		func(d *amqp.Delivery) string { return d.ConsumerTag }, nil),
	HeaderReceivedExchange: stringProperty(
		func(d *amqp.Delivery) string { return d.Exchange }, nil),
	HeaderReceivedRoutingKey: stringProperty(
		func(d *amqp.Delivery) string { return d.RoutingKey }, nil),
	HeaderContentLength: {
		get: func(d *amqp.Delivery) (any, bool) { return int64(len(d.Body)), len(d.Body) > 0 },
	},
	HeaderDeliveryTag: {
		get: func(d *amqp.Delivery) (any, bool) { return d.DeliveryTag, d.DeliveryTag != 0 },
	},
	HeaderMessageCount: {
		get: func(d *amqp.Delivery) (any, bool) { return d.MessageCount, d.MessageCount != 0 },
	},
	HeaderRedelivered: {
		get: func(d *amqp.Delivery) (any, bool) { return d.Redelivered, true },
	},
	HeaderDeliveryMode: {
		get: func(d *amqp.Delivery) (any, bool) { return d.DeliveryMode, d.DeliveryMode != 0 },
		set: func(p *amqp.Publishing, v any) bool {
			n, ok := uint8Value(v)
			if ok {
				p.DeliveryMode = n
			}
			return ok
		},
	},
	HeaderPriority: {
		get: func(d *amqp.Delivery) (any, bool) { return d.Priority, d.Priority != 0 },
		set: func(p *amqp.Publishing, v any) bool {
			n, ok := uint8Value(v)
			if ok {
				p.Priority = n
			}
			return ok
		},
	},
	HeaderTimestamp: {
		get: func(d *amqp.Delivery) (any, bool) { return d.Timestamp, !d.Timestamp.IsZero() },
		set: func(p *amqp.Publishing, v any) bool {
			t, ok := v.(time.Time)
			if ok {
				p.Timestamp = t
			}
			return ok
		},
	},
}

// DefaultHeaderMapper maps a configurable set of standard headers in each
// direction. User headers are always mapped.
type DefaultHeaderMapper struct {
	requestNames map[string]struct{}
	replyNames   map[string]struct{}
}

// HeaderMapperOption configures a DefaultHeaderMapper.
type HeaderMapperOption func(*DefaultHeaderMapper)

// WithRequestHeaderNames restricts the standard headers mapped for requests.
func WithRequestHeaderNames(names ...string) HeaderMapperOption {
	return func(m *DefaultHeaderMapper) {
		m.requestNames = nameSet(names)
	}
}

// WithReplyHeaderNames restricts the standard headers mapped for replies.
func WithReplyHeaderNames(names ...string) HeaderMapperOption {
	return func(m *DefaultHeaderMapper) {
		m.replyNames = nameSet(names)
	}
}

// NewDefaultHeaderMapper creates a mapper that maps every standard header
// in both directions unless restricted by options.
func NewDefaultHeaderMapper(options ...HeaderMapperOption) *DefaultHeaderMapper {
	m := &DefaultHeaderMapper{
		requestNames: nameSet(StandardHeaderNames),
		replyNames:   nameSet(StandardHeaderNames),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// FromHeadersToRequest applies headers to an outgoing request.
func (m *DefaultHeaderMapper) FromHeadersToRequest(headers Headers, p *amqp.Publishing) {
	fromHeaders(headers, p, m.requestNames)
}

// FromHeadersToReply applies headers to an outgoing reply.
func (m *DefaultHeaderMapper) FromHeadersToReply(headers Headers, p *amqp.Publishing) {
	fromHeaders(headers, p, m.replyNames)
}

// ToHeadersFromRequest extracts headers from an incoming request.
func (m *DefaultHeaderMapper) ToHeadersFromRequest(d *amqp.Delivery) Headers {
	return toHeaders(d, m.requestNames)
}

// ToHeadersFromReply extracts headers from an incoming reply.
func (m *DefaultHeaderMapper) ToHeadersFromReply(d *amqp.Delivery) Headers {
	return toHeaders(d, m.replyNames)
}

func fromHeaders(headers Headers, p *amqp.Publishing, allowed map[string]struct{}) {
	for name, value := range headers {
		if IsUserHeader(name) {
			if p.Headers == nil {
				p.Headers = amqp.Table{}
			}
			p.Headers[name] = value
			continue
		}
		if _, ok := allowed[name]; !ok {
			continue
		}
		if prop, ok := properties[name]; ok && prop.set != nil {
			prop.set(p, value)
		}
	}
}

func toHeaders(d *amqp.Delivery, allowed map[string]struct{}) Headers {
	headers := Headers{}
	for name := range allowed {
		prop, ok := properties[name]
		if !ok {
			continue
		}
		if v, present := prop.get(d); present {
			headers[name] = v
		}
	}
	for name, value := range d.Headers {
		if IsUserHeader(name) {
			headers[name] = value
		}
	}
	return headers
}
