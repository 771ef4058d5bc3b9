package converter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Content types produced by SimplePayloadConverter.
const (
	ContentTypeTextPlain   = "text/plain"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeJSON        = "application/json"
)

var (
	ErrNotAMessage        = errors.New("converter: only *converter.Message is handled by this converter")
	ErrUnsupportedPayload = errors.New("converter: unsupported payload")
)

// PayloadConverter converts message bodies.
type PayloadConverter interface {
	// FromDelivery extracts the payload of d. Returning a *Message is
	// allowed; its headers take precedence over the mapped ones.
	FromDelivery(d *amqp.Delivery) (any, error)
	// ToPublishing writes payload into p's body and content type.
	ToPublishing(payload any, p *amqp.Publishing) error
}

// SimplePayloadConverter handles text, raw bytes and JSON.
//
// Incoming text/* bodies become strings, anything else stays []byte.
// Outgoing strings are sent as text/plain, []byte as
// application/octet-stream and any other value is JSON encoded.
type SimplePayloadConverter struct{}

// FromDelivery implements PayloadConverter.
func (SimplePayloadConverter) FromDelivery(d *amqp.Delivery) (any, error) {
	if strings.HasPrefix(d.ContentType, "text/") {
		return string(d.Body), nil
	}
	return d.Body, nil
}

// ToPublishing implements PayloadConverter.
func (SimplePayloadConverter) ToPublishing(payload any, p *amqp.Publishing) error {
	switch v := payload.(type) {
	case nil:
		return fmt.Errorf("%w: nil", ErrUnsupportedPayload)
	case string:
		p.Body = []byte(v)
		p.ContentType = ContentTypeTextPlain
		p.ContentEncoding = "UTF-8"
	case json.RawMessage:
		p.Body = v
		p.ContentType = ContentTypeJSON
	case []byte:
		p.Body = v
		p.ContentType = ContentTypeOctetStream
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedPayload, err)
		}
		p.Body = body
		p.ContentType = ContentTypeJSON
	}
	return nil
}
