package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-listeners/converter"
)

// ErrPayloadBinding is returned when a delivery cannot be bound to a
// handler method's argument type.
var ErrPayloadBinding = errors.New("listener: cannot bind payload to handler argument")

// HandlerMethod is a callable bound to a converted message. A nil result
// means no reply.
type HandlerMethod interface {
	Invoke(ctx context.Context, msg *converter.Message) (any, error)
}

type typedMethod[T, R any] struct {
	fn func(ctx context.Context, arg T) (R, error)
}

// NewHandlerMethod binds fn. The argument is filled from the converted
// message: *converter.Message receives the message itself, string and
// []byte receive the raw payload and any other type is decoded from JSON.
func NewHandlerMethod[T, R any](fn func(ctx context.Context, arg T) (R, error)) HandlerMethod {
	return &typedMethod[T, R]{fn: fn}
}

// NewConsumerMethod binds a handler that never replies.
func NewConsumerMethod[T any](fn func(ctx context.Context, arg T) error) HandlerMethod {
	return &typedMethod[T, any]{fn: func(ctx context.Context, arg T) (any, error) {
		return nil, fn(ctx, arg)
	}}
}

func (m *typedMethod[T, R]) Invoke(ctx context.Context, msg *converter.Message) (any, error) {
	arg, err := bindArgument[T](msg)
	if err != nil {
		return nil, err
	}
	result, err := m.fn(ctx, arg)
	if err != nil {
		return nil, err
	}
	if isNil(result) {
		return nil, nil
	}
	return result, nil
}

func bindArgument[T any](msg *converter.Message) (T, error) {
	var arg T
	switch p := any(&arg).(type) {
	case **converter.Message:
		*p = msg
	case *string:
		switch v := msg.Payload.(type) {
		case string:
			*p = v
		case []byte:
			*p = string(v)
		default:
			return arg, fmt.Errorf("%w: %T to string", ErrPayloadBinding, msg.Payload)
		}
	case *[]byte:
		switch v := msg.Payload.(type) {
		case []byte:
			*p = v
		case string:
			*p = []byte(v)
		default:
			return arg, fmt.Errorf("%w: %T to []byte", ErrPayloadBinding, msg.Payload)
		}
	default:
		if v, ok := msg.Payload.(T); ok {
			return v, nil
		}
		var data []byte
		switch v := msg.Payload.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		default:
			return arg, fmt.Errorf("%w: %T to %T", ErrPayloadBinding, msg.Payload, arg)
		}
		if err := json.Unmarshal(data, &arg); err != nil {
			return arg, fmt.Errorf("%w: %v", ErrPayloadBinding, err)
		}
	}
	return arg, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// MethodEndpoint wraps a HandlerMethod. Deliveries are converted with an
// inbound MessagingConverter before the method runs and non-nil results are
// converted back into the reply.
type MethodEndpoint struct {
	BaseEndpoint
	method    HandlerMethod
	converter *converter.MessagingConverter
}

// NewMethodEndpoint creates an endpoint for method.
func NewMethodEndpoint(method HandlerMethod, options ...EndpointOption) *MethodEndpoint {
	e := &MethodEndpoint{
		method:    method,
		converter: converter.NewMessagingConverter(),
	}
	e.init(options)
	return e
}

// SetMessageConverter replaces the converter. Ignored once the endpoint is
// bound.
func (e *MethodEndpoint) SetMessageConverter(c *converter.MessagingConverter) {
	e.mutate("messageConverter", func() { e.converter = c })
}

// Listener adapts the method to a MessageListener.
func (e *MethodEndpoint) Listener() (MessageListener, error) {
	if e.method == nil {
		return nil, fmt.Errorf("%w: endpoint %q has no handler method", ErrInvalidArgument, e.ID())
	}
	e.mu.RLock()
	conv := e.converter
	e.mu.RUnlock()
	return &methodListener{method: e.method, converter: conv}, nil
}

// CreateContainer asks factory to build a container for this endpoint.
func (e *MethodEndpoint) CreateContainer(factory ContainerFactory) (Container, error) {
	return factory.CreateContainer(e)
}

func (e *MethodEndpoint) String() string {
	return e.describe("MethodEndpoint")
}

type methodListener struct {
	method    HandlerMethod
	converter *converter.MessagingConverter
}

func (l *methodListener) OnMessage(ctx context.Context, delivery amqp.Delivery) (*amqp.Publishing, error) {
	msg, err := l.converter.FromWire(&delivery)
	if err != nil {
		return nil, err
	}

	result, err := l.method.Invoke(ctx, msg)
	if err != nil || result == nil {
		return nil, err
	}

	reply, ok := result.(*converter.Message)
	if !ok {
		reply = converter.NewMessage(result)
	}
	p, err := l.converter.ToWire(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to convert reply: %w", err)
	}
	if p.CorrelationId == "" {
		p.CorrelationId = delivery.CorrelationId
		if p.CorrelationId == "" {
			p.CorrelationId = delivery.MessageId
		}
	}
	return &p, nil
}
