package listener

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct {
	mu        sync.Mutex
	endpoint  Endpoint
	factory   *fakeFactory
	running   bool
	starts    int
	stops     int
	destroyed bool
	startErr  error
	stopErr   error
}

func (c *fakeContainer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeContainer) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if c.stopErr != nil {
		return c.stopErr
	}
	c.running = false
	return nil
}

func (c *fakeContainer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeContainer) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	return nil
}

type fakeFactory struct {
	name    string
	mu      sync.Mutex
	created []*fakeContainer
	err     error
}

func newFakeFactory(name string) *fakeFactory {
	return &fakeFactory{name: name}
}

func (f *fakeFactory) CreateContainer(endpoint Endpoint) (Container, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeContainer{endpoint: endpoint, factory: f}
	f.mu.Lock()
	f.created = append(f.created, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) ResolveFactory(name string) (ContainerFactory, error) {
	args := m.Called(name)
	f, _ := args.Get(0).(ContainerFactory)
	return f, args.Error(1)
}

func noopListener() MessageListener {
	return MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
		return nil, nil
	})
}

func endpoint(id string, queues ...string) *SimpleEndpoint {
	if len(queues) == 0 {
		queues = []string{"queue"}
	}
	return NewSimpleEndpoint(noopListener(), WithID(id), WithQueueNames(queues...))
}

func containerOf(t *testing.T, r *Registry, id string) *fakeContainer {
	t.Helper()
	c, err := r.Lookup(id)
	require.NoError(t, err)
	return c.(*fakeContainer)
}
