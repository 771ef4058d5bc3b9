package converter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the transport-neutral message handed to handlers.
type Message struct {
	Payload any
	Headers Headers
}

// NewMessage creates a message with a fresh id and creation timestamp.
func NewMessage(payload any) *Message {
	return &Message{
		Payload: payload,
		Headers: Headers{
			HeaderID:             uuid.New().String(),
			HeaderMessageCreated: time.Now().UnixMilli(),
		},
	}
}

// SetHeader sets a header and returns the message for chaining.
func (m *Message) SetHeader(name string, value any) *Message {
	if m.Headers == nil {
		m.Headers = Headers{}
	}
	m.Headers[name] = value
	return m
}

// Header returns a header value.
func (m *Message) Header(name string) (any, bool) {
	v, ok := m.Headers[name]
	return v, ok
}

// CopyHeadersIfAbsent copies every header in h that m does not already carry.
func (m *Message) CopyHeadersIfAbsent(h Headers) {
	if m.Headers == nil {
		m.Headers = Headers{}
	}
	for k, v := range h {
		if _, exists := m.Headers[k]; !exists {
			m.Headers[k] = v
		}
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message[payload=%v, headers=%v]", m.Payload, m.Headers)
}
