package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-listeners/listener"
)

type stubContainer struct {
	mu       sync.Mutex
	endpoint listener.Endpoint
	running  bool
}

func (c *stubContainer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *stubContainer) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *stubContainer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type recordingFactory struct {
	mu        sync.Mutex
	endpoints []listener.Endpoint
}

func (f *recordingFactory) CreateContainer(endpoint listener.Endpoint) (listener.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
	return &stubContainer{endpoint: endpoint}, nil
}

func (f *recordingFactory) created() []listener.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]listener.Endpoint(nil), f.endpoints...)
}

type stubAdmin struct{}

func (stubAdmin) DeclareQueue(_ context.Context, q *listener.Queue) (string, error) {
	return q.Name, nil
}

var echo = listener.MessageListenerFunc(func(_ context.Context, d amqp.Delivery) (*amqp.Publishing, error) {
	return &amqp.Publishing{Body: d.Body}, nil
})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(options ...ProcessorOption) (*Processor, *recordingFactory) {
	factory := &recordingFactory{}
	p := NewProcessor(append([]ProcessorOption{WithLogger(quietLogger())}, options...)...)
	if err := p.Catalog().RegisterFactory(DefaultContainerFactoryName, factory); err != nil {
		panic(err)
	}
	return p, factory
}
