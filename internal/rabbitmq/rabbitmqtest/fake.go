// Package rabbitmqtest provides in-memory channel fakes for tests that
// exercise consumers, publishers and topology without a broker.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is an in-memory stand-in for *amqp.Channel.
type Channel struct {
	mu sync.Mutex

	closed bool

	Prefetch       int
	QosCalls       int
	ConsumeErr     error
	ConsumedQueue  string
	ConsumerTag    string
	AutoAck        bool
	Exclusive      bool
	ConsumeArgs    amqp.Table
	deliveries     chan amqp.Delivery
	deliveriesDone bool
	Cancelled      []string

	DeclareErr error
	Declared   []string
	Exchanges  []string
	Bindings   []string
	Missing    map[string]bool

	Confirmed   bool
	confirms    chan amqp.Confirmation
	returns     chan amqp.Return
	deliveryTag uint64
	published   []Published

	// OnPublish replaces the default publish behavior, which acks every
	// message when confirms are enabled.
	OnPublish func(ch *Channel, p Published) error
}

// Published records a single publish.
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

// NewChannel returns an open channel.
func NewChannel() *Channel {
	return &Channel{Missing: make(map[string]bool)}
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prefetch = prefetchCount
	c.QosCalls++
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	c.ConsumedQueue = queue
	c.ConsumerTag = consumer
	c.AutoAck = autoAck
	c.Exclusive = exclusive
	c.ConsumeArgs = args
	c.deliveries = make(chan amqp.Delivery, 16)
	c.deliveriesDone = false
	return c.deliveries, nil
}

// Deliver pushes d to the active consumer.
func (c *Channel) Deliver(d amqp.Delivery) {
	c.mu.Lock()
	ch := c.deliveries
	c.mu.Unlock()
	if ch != nil {
		ch <- d
	}
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cancelled = append(c.Cancelled, consumer)
	c.closeDeliveries()
	return nil
}

func (c *Channel) closeDeliveries() {
	if c.deliveries != nil && !c.deliveriesDone {
		close(c.deliveries)
		c.deliveriesDone = true
	}
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(c.Declared)+1)
	}
	c.Declared = append(c.Declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Missing[name] {
		c.closed = true
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return c.DeclareErr
	}
	c.Exchanges = append(c.Exchanges, name)
	return nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Bindings = append(c.Bindings, exchange+"->"+name+":"+key)
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Confirmed = true
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *Channel) NotifyReturn(r chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returns = r
	return r
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p := Published{Exchange: exchange, RoutingKey: key, Mandatory: mandatory, Msg: msg}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.published = append(c.published, p)
	hook := c.OnPublish
	c.mu.Unlock()

	if hook != nil {
		return hook(c, p)
	}
	c.Ack(true)
	return nil
}

// Ack sends the next publisher confirmation when confirms are enabled.
func (c *Channel) Ack(ack bool) {
	c.mu.Lock()
	confirms := c.confirms
	c.deliveryTag++
	tag := c.deliveryTag
	c.mu.Unlock()
	if confirms != nil {
		confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	}
}

// Return sends a basic.return for p.
func (c *Channel) Return(p Published) {
	c.mu.Lock()
	returns := c.returns
	c.mu.Unlock()
	if returns != nil {
		returns <- amqp.Return{ReplyCode: amqp.NoRoute, ReplyText: "NO_ROUTE", Exchange: p.Exchange, RoutingKey: p.RoutingKey}
	}
}

// Published returns a copy of every publish so far.
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeDeliveries()
	return nil
}

// Source opens fake channels and remembers them.
type Source struct {
	mu     sync.Mutex
	opened []*Channel
	Err    error
	// Setup customizes each channel before it is handed out.
	Setup func(*Channel)
}

// Open returns a new channel or Err.
func (s *Source) Open() (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	ch := NewChannel()
	if s.Setup != nil {
		s.Setup(ch)
	}
	s.opened = append(s.opened, ch)
	return ch, nil
}

// Opened returns every channel handed out so far.
func (s *Source) Opened() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel(nil), s.opened...)
}

// Last returns the most recently opened channel, or nil.
func (s *Source) Last() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

// Acknowledger records acks and nacks on deliveries.
type Acknowledger struct {
	mu      sync.Mutex
	Acks    []uint64
	Nacks   []Nack
	settled chan struct{}
}

// Nack records a negative acknowledgment.
type Nack struct {
	Tag     uint64
	Requeue bool
}

// NewAcknowledger returns an Acknowledger.
func NewAcknowledger() *Acknowledger {
	return &Acknowledger{settled: make(chan struct{}, 64)}
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.Acks = append(a.Acks, tag)
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.Nacks = append(a.Nacks, Nack{Tag: tag, Requeue: requeue})
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// Settled is signaled once per ack, nack or reject.
func (a *Acknowledger) Settled() <-chan struct{} {
	return a.settled
}

// Snapshot returns copies of the recorded acks and nacks.
func (a *Acknowledger) Snapshot() ([]uint64, []Nack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.Acks...), append([]Nack(nil), a.Nacks...)
}

// Delivery builds a delivery settled through a.
func (a *Acknowledger) Delivery(tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
		MessageId:    fmt.Sprintf("msg-%d", tag),
		ContentType:  "text/plain",
		Body:         []byte(body),
	}
}
