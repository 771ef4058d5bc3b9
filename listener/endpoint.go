package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageListener handles a single delivery. A non-nil publishing is sent
// back as the reply.
type MessageListener interface {
	OnMessage(ctx context.Context, delivery amqp.Delivery) (*amqp.Publishing, error)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(ctx context.Context, delivery amqp.Delivery) (*amqp.Publishing, error)

// OnMessage calls f.
func (f MessageListenerFunc) OnMessage(ctx context.Context, delivery amqp.Delivery) (*amqp.Publishing, error) {
	return f(ctx, delivery)
}

// Queue is a queue declaration an endpoint can consume from. An Admin
// declares it when the container starts; an empty Name asks the broker to
// generate one.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// QueueRef references a queue either by literal name or by declaration.
type QueueRef struct {
	Name  string
	Queue *Queue
}

// QueueName references an existing queue by name.
func QueueName(name string) QueueRef {
	return QueueRef{Name: name}
}

// QueueObject references a queue declaration.
func QueueObject(q *Queue) QueueRef {
	return QueueRef{Queue: q}
}

// Resolved returns the queue name the reference currently points to.
func (r QueueRef) Resolved() string {
	if r.Queue != nil {
		return r.Queue.Name
	}
	return r.Name
}

func (r QueueRef) String() string {
	if r.Queue != nil {
		return "queue(" + r.Queue.Name + ")"
	}
	return r.Name
}

// Admin declares queues on behalf of a container.
type Admin interface {
	DeclareQueue(ctx context.Context, q *Queue) (string, error)
}

// Endpoint describes what to consume and how to handle it.
type Endpoint interface {
	ID() string
	SetID(id string)
	Queues() []QueueRef
	Exclusive() bool
	Priority() (int, bool)
	ResponseRoutingKey() string
	Admin() Admin
	Listener() (MessageListener, error)
	CreateContainer(factory ContainerFactory) (Container, error)
}

// Freezer is implemented by endpoints that become read-only once bound.
type Freezer interface {
	Freeze()
}

// EndpointOption configures the shared endpoint attributes.
type EndpointOption func(*BaseEndpoint)

// WithID sets the endpoint id.
func WithID(id string) EndpointOption {
	return func(e *BaseEndpoint) {
		e.id = id
	}
}

// WithQueueNames appends literal queue names.
func WithQueueNames(names ...string) EndpointOption {
	return func(e *BaseEndpoint) {
		for _, n := range names {
			e.queues = append(e.queues, QueueName(n))
		}
	}
}

// WithQueues appends queue declarations.
func WithQueues(queues ...*Queue) EndpointOption {
	return func(e *BaseEndpoint) {
		for _, q := range queues {
			e.queues = append(e.queues, QueueObject(q))
		}
	}
}

// WithExclusive marks the endpoint as an exclusive consumer.
func WithExclusive(exclusive bool) EndpointOption {
	return func(e *BaseEndpoint) {
		e.exclusive = exclusive
	}
}

// WithPriority sets the consumer priority.
func WithPriority(priority int) EndpointOption {
	return func(e *BaseEndpoint) {
		e.priority = &priority
	}
}

// WithResponseRoutingKey sets the routing key used for replies when the
// request carries no reply-to address.
func WithResponseRoutingKey(key string) EndpointOption {
	return func(e *BaseEndpoint) {
		e.responseRoutingKey = key
	}
}

// WithAdmin sets the admin used to declare queue objects.
func WithAdmin(admin Admin) EndpointOption {
	return func(e *BaseEndpoint) {
		e.admin = admin
	}
}

// WithEndpointLogger sets the logger.
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(e *BaseEndpoint) {
		e.logger = logger
	}
}

// BaseEndpoint carries the attributes shared by every endpoint variant.
type BaseEndpoint struct {
	mu                 sync.RWMutex
	id                 string
	queues             []QueueRef
	exclusive          bool
	priority           *int
	responseRoutingKey string
	admin              Admin
	frozen             bool
	logger             *slog.Logger
}

func (e *BaseEndpoint) init(options []EndpointOption) {
	e.logger = slog.Default()
	for _, opt := range options {
		opt(e)
	}
}

// ID returns the endpoint id.
func (e *BaseEndpoint) ID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// SetID sets the endpoint id. Ignored once the endpoint is bound.
func (e *BaseEndpoint) SetID(id string) {
	e.mutate("id", func() { e.id = id })
}

// SetQueues replaces the queue references. Ignored once the endpoint is bound.
func (e *BaseEndpoint) SetQueues(queues ...QueueRef) {
	e.mutate("queues", func() { e.queues = append([]QueueRef(nil), queues...) })
}

// SetExclusive sets the exclusive flag. Ignored once the endpoint is bound.
func (e *BaseEndpoint) SetExclusive(exclusive bool) {
	e.mutate("exclusive", func() { e.exclusive = exclusive })
}

// SetPriority sets the consumer priority. Ignored once the endpoint is bound.
func (e *BaseEndpoint) SetPriority(priority int) {
	e.mutate("priority", func() { e.priority = &priority })
}

// SetResponseRoutingKey sets the reply routing key. Ignored once the
// endpoint is bound.
func (e *BaseEndpoint) SetResponseRoutingKey(key string) {
	e.mutate("responseRoutingKey", func() { e.responseRoutingKey = key })
}

// SetAdmin sets the admin. Ignored once the endpoint is bound.
func (e *BaseEndpoint) SetAdmin(admin Admin) {
	e.mutate("admin", func() { e.admin = admin })
}

func (e *BaseEndpoint) mutate(field string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		e.logger.Warn("ignoring change to bound endpoint", "endpointId", e.id, "field", field)
		return
	}
	fn()
}

// Queues returns a copy of the queue references.
func (e *BaseEndpoint) Queues() []QueueRef {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]QueueRef(nil), e.queues...)
}

// Exclusive reports whether the endpoint wants a single exclusive consumer.
func (e *BaseEndpoint) Exclusive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.exclusive
}

// Priority returns the consumer priority and whether one was set.
func (e *BaseEndpoint) Priority() (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.priority == nil {
		return 0, false
	}
	return *e.priority, true
}

// ResponseRoutingKey returns the reply routing key.
func (e *BaseEndpoint) ResponseRoutingKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.responseRoutingKey
}

// Admin returns the admin, if any.
func (e *BaseEndpoint) Admin() Admin {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admin
}

// Freeze makes the endpoint read-only.
func (e *BaseEndpoint) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frozen = true
}

// Frozen reports whether the endpoint has been bound.
func (e *BaseEndpoint) Frozen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frozen
}

func (e *BaseEndpoint) describe(kind string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.queues))
	for _, q := range e.queues {
		names = append(names, q.String())
	}
	return fmt.Sprintf("%s[id=%q queues=[%s]]", kind, e.id, strings.Join(names, ","))
}

// SimpleEndpoint wraps a ready-made MessageListener.
type SimpleEndpoint struct {
	BaseEndpoint
	listener MessageListener
}

// NewSimpleEndpoint creates an endpoint for listener.
func NewSimpleEndpoint(listener MessageListener, options ...EndpointOption) *SimpleEndpoint {
	e := &SimpleEndpoint{listener: listener}
	e.init(options)
	return e
}

// Listener returns the wrapped listener.
func (e *SimpleEndpoint) Listener() (MessageListener, error) {
	if e.listener == nil {
		return nil, fmt.Errorf("%w: endpoint %q has no message listener", ErrInvalidArgument, e.ID())
	}
	return e.listener, nil
}

// CreateContainer asks factory to build a container for this endpoint.
func (e *SimpleEndpoint) CreateContainer(factory ContainerFactory) (Container, error) {
	return factory.CreateContainer(e)
}

func (e *SimpleEndpoint) String() string {
	return e.describe("SimpleEndpoint")
}
