package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-listeners/listener"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func sourceOf(src *rabbitmqtest.Source) rabbitmq.ChannelSource {
	return rabbitmq.ChannelSourceFunc(func() (rabbitmq.Channel, error) {
		ch, err := src.Open()
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return m.Called(exchange, routingKey, msg).Error(0)
}

type fakeAdmin struct {
	mu       sync.Mutex
	declared []string
	counter  int
	err      error
}

func (a *fakeAdmin) DeclareQueue(_ context.Context, q *listener.Queue) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	name := q.Name
	if name == "" {
		a.counter++
		name = "amq.gen-" + string(rune('0'+a.counter))
	}
	a.declared = append(a.declared, name)
	return name, nil
}

type fakeEvents struct {
	mu        sync.Mutex
	listeners []rabbitmq.ConnectionStateListener
}

func (e *fakeEvents) AddStateListener(l rabbitmq.ConnectionStateListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *fakeEvents) RemoveStateListener(l rabbitmq.ConnectionStateListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *fakeEvents) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func replyWith(body string) listener.MessageListener {
	return listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
		return &amqp.Publishing{Body: []byte(body)}, nil
	})
}

func noReply() listener.MessageListener {
	return listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
		return nil, nil
	})
}

// startContainer creates and starts a container for endpoint
func startContainer(t *testing.T, f *ContainerFactory, endpoint listener.Endpoint) *ListenerContainer {
	t.Helper()
	c, err := f.CreateContainer(endpoint)
	require.NoError(t, err)
	lc := c.(*ListenerContainer)
	require.NoError(t, lc.Start(context.Background()))
	t.Cleanup(func() { lc.Destroy() })
	return lc
}

func waitSettled(t *testing.T, ack *rabbitmqtest.Acknowledger) {
	t.Helper()
	select {
	case <-ack.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never acked or nacked")
	}
}
