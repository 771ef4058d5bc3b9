package rabbitmq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-listeners/interceptors"
	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-listeners/internal/reliability"
	"github.com/glimte/mmate-listeners/listener"
	"github.com/glimte/mmate-listeners/telemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestListenerContainer_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Start subscribes every consumer to every queue", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src), WithConcurrency(2), WithPrefetch(7), WithLogger(quietLogger()))

		lc := startContainer(t, f, listener.NewSimpleEndpoint(noReply(),
			listener.WithID("orders"),
			listener.WithQueueNames("a", "b"),
			listener.WithPriority(3),
		))

		assert.True(t, lc.IsRunning())
		assert.Equal(t, []string{"a", "b"}, lc.QueueNames())

		opened := src.Opened()
		require.Len(t, opened, 4)
		consumed := map[string]int{}
		for _, ch := range opened {
			consumed[ch.ConsumedQueue]++
			assert.Equal(t, 7, ch.Prefetch)
			assert.Equal(t, amqp.Table{"x-priority": int32(3)}, ch.ConsumeArgs)
		}
		assert.Equal(t, map[string]int{"a": 2, "b": 2}, consumed)
	})

	t.Run("exclusive endpoints consume exclusively", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src), WithConcurrency(5), WithLogger(quietLogger()))

		startContainer(t, f, listener.NewSimpleEndpoint(noReply(),
			listener.WithID("solo"),
			listener.WithQueueNames("q"),
			listener.WithExclusive(true),
		))

		require.Len(t, src.Opened(), 1)
		assert.True(t, src.Last().Exclusive)
		assert.Nil(t, src.Last().ConsumeArgs)
	})

	t.Run("Start and Stop are idempotent and restart works", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src), WithLogger(quietLogger()))
		lc := startContainer(t, f, listener.NewSimpleEndpoint(noReply(), listener.WithID("x"), listener.WithQueueNames("q")))

		require.NoError(t, lc.Start(ctx))
		assert.Len(t, src.Opened(), 1)

		require.NoError(t, lc.Stop(ctx))
		require.NoError(t, lc.Stop(ctx))
		assert.False(t, lc.IsRunning())
		assert.True(t, src.Last().IsClosed())

		require.NoError(t, lc.Start(ctx))
		assert.True(t, lc.IsRunning())
		assert.Len(t, src.Opened(), 2)
	})

	t.Run("Destroy prevents further starts and detaches from connection events", func(t *testing.T) {
		events := &fakeEvents{}
		f := NewContainerFactory(sourceOf(&rabbitmqtest.Source{}), WithConnectionEvents(events), WithLogger(quietLogger()))
		lc := startContainer(t, f, listener.NewSimpleEndpoint(noReply(), listener.WithID("x"), listener.WithQueueNames("q")))
		assert.Equal(t, 1, events.count())

		require.NoError(t, lc.Destroy())

		assert.False(t, lc.IsRunning())
		assert.Zero(t, events.count())
		assert.ErrorIs(t, lc.Start(ctx), ErrContainerDestroyed)
	})

	t.Run("admin declares queue objects before consuming", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		admin := &fakeAdmin{}
		f := NewContainerFactory(sourceOf(src), WithLogger(quietLogger()))

		lc := startContainer(t, f, listener.NewSimpleEndpoint(noReply(),
			listener.WithID("anon"),
			listener.WithQueues(&listener.Queue{AutoDelete: true, Exclusive: true}),
			listener.WithQueueNames("named"),
			listener.WithAdmin(admin),
		))

		assert.Equal(t, []string{"amq.gen-1", "named"}, lc.QueueNames())
		assert.Equal(t, []string{"amq.gen-1"}, admin.declared)
	})

	t.Run("admin failures abort Start", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src), WithLogger(quietLogger()))
		c, err := f.CreateContainer(listener.NewSimpleEndpoint(noReply(),
			listener.WithID("broken"),
			listener.WithQueues(&listener.Queue{Name: "q"}),
			listener.WithAdmin(&fakeAdmin{err: errors.New("access refused")}),
		))
		require.NoError(t, err)

		assert.ErrorContains(t, c.Start(ctx), "access refused")
		assert.False(t, c.IsRunning())
		assert.Empty(t, src.Opened())
	})

	t.Run("missing queues are fatal by default", func(t *testing.T) {
		topoSrc := &rabbitmqtest.Source{Setup: func(ch *rabbitmqtest.Channel) { ch.Missing["ghost"] = true }}
		pool, err := rabbitmq.NewChannelPool(sourceOf(topoSrc))
		require.NoError(t, err)
		defer pool.Close()
		topology := rabbitmq.NewTopologyManager(pool)
		endpoint := func() listener.Endpoint {
			return listener.NewSimpleEndpoint(noReply(), listener.WithID("ghostly"), listener.WithQueueNames("real", "ghost"))
		}

		fatal := NewContainerFactory(sourceOf(&rabbitmqtest.Source{}), WithTopology(topology), WithLogger(quietLogger()))
		c, err := fatal.CreateContainer(endpoint())
		require.NoError(t, err)
		err = c.Start(ctx)
		assert.ErrorIs(t, err, ErrMissingQueues)
		assert.ErrorContains(t, err, "ghost")

		lenient := NewContainerFactory(sourceOf(&rabbitmqtest.Source{}),
			WithTopology(topology),
			WithMissingQueuesFatal(false),
			WithLogger(quietLogger()),
		)
		startContainer(t, lenient, endpoint())
	})

	t.Run("subscribe failures roll back started consumers", func(t *testing.T) {
		var opened atomic.Int32
		src := &rabbitmqtest.Source{}
		source := rabbitmq.ChannelSourceFunc(func() (rabbitmq.Channel, error) {
			if opened.Add(1) > 1 {
				return nil, errors.New("channel limit")
			}
			return src.Open()
		})
		f := NewContainerFactory(source, WithLogger(quietLogger()))
		c, err := f.CreateContainer(listener.NewSimpleEndpoint(noReply(), listener.WithID("x"), listener.WithQueueNames("a", "b")))
		require.NoError(t, err)

		assert.ErrorContains(t, c.Start(ctx), "channel limit")
		assert.False(t, c.IsRunning())
		require.Len(t, src.Opened(), 1)
		assert.True(t, src.Last().IsClosed())
	})

	t.Run("reconnect resubscribes dropped consumers", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src), WithLogger(quietLogger()))
		lc := startContainer(t, f, listener.NewSimpleEndpoint(noReply(), listener.WithID("x"), listener.WithQueueNames("q")))

		src.Last().Close()
		consumer := lc.consumers[0]
		require.Eventually(t, func() bool { return len(consumer.ActiveQueues()) == 0 }, time.Second, 5*time.Millisecond)

		lc.OnConnected()

		require.Len(t, src.Opened(), 2)
		assert.Equal(t, "q", src.Last().ConsumedQueue)
		assert.Equal(t, []string{"q"}, consumer.ActiveQueues())
	})
}

func TestListenerContainer_Dispatch(t *testing.T) {
	t.Run("replies go to the request's reply-to", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		pub := &mockPublisher{}
		pub.On("Publish", "", "replies", mock.MatchedBy(func(m amqp.Publishing) bool {
			return string(m.Body) == "pong" && m.CorrelationId == "corr-1"
		})).Return(nil)
		f := NewContainerFactory(sourceOf(src), WithReplyPublisher(pub), WithLogger(quietLogger()))
		startContainer(t, f, listener.NewSimpleEndpoint(replyWith("pong"), listener.WithID("x"), listener.WithQueueNames("q")))

		ack := rabbitmqtest.NewAcknowledger()
		d := ack.Delivery(1, "ping")
		d.ReplyTo = "replies"
		d.CorrelationId = "corr-1"
		src.Last().Deliver(d)
		waitSettled(t, ack)

		pub.AssertExpectations(t)
		acks, _ := ack.Snapshot()
		assert.Equal(t, []uint64{1}, acks)
	})

	t.Run("exchange/routingKey reply addresses are split", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		pub := &mockPublisher{}
		pub.On("Publish", "rpc", "answers", mock.MatchedBy(func(m amqp.Publishing) bool {
			return m.CorrelationId == "msg-1"
		})).Return(nil)
		f := NewContainerFactory(sourceOf(src), WithReplyPublisher(pub), WithLogger(quietLogger()))
		startContainer(t, f, listener.NewSimpleEndpoint(replyWith("pong"), listener.WithID("x"), listener.WithQueueNames("q")))

		ack := rabbitmqtest.NewAcknowledger()
		d := ack.Delivery(1, "ping")
		d.ReplyTo = "rpc/answers"
		src.Last().Deliver(d)
		waitSettled(t, ack)

		pub.AssertExpectations(t)
	})

	t.Run("the response routing key is the fallback", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		pub := &mockPublisher{}
		pub.On("Publish", "", "orders.replies", mock.Anything).Return(nil)
		f := NewContainerFactory(sourceOf(src), WithReplyPublisher(pub), WithLogger(quietLogger()))
		startContainer(t, f, listener.NewSimpleEndpoint(replyWith("pong"),
			listener.WithID("x"),
			listener.WithQueueNames("q"),
			listener.WithResponseRoutingKey("orders.replies"),
		))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "ping"))
		waitSettled(t, ack)

		pub.AssertExpectations(t)
	})

	t.Run("replies without a destination are rejected", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		pub := &mockPublisher{}
		f := NewContainerFactory(sourceOf(src), WithReplyPublisher(pub), WithLogger(quietLogger()))
		startContainer(t, f, listener.NewSimpleEndpoint(replyWith("pong"), listener.WithID("x"), listener.WithQueueNames("q")))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "ping"))
		waitSettled(t, ack)

		_, nacks := ack.Snapshot()
		assert.Equal(t, []rabbitmqtest.Nack{{Tag: 1, Requeue: false}}, nacks)
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed reply publishes requeue the request", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		pub := &mockPublisher{}
		pub.On("Publish", "", "replies", mock.Anything).Return(errors.New("channel closed"))
		f := NewContainerFactory(sourceOf(src), WithReplyPublisher(pub), WithLogger(quietLogger()))
		startContainer(t, f, listener.NewSimpleEndpoint(replyWith("pong"), listener.WithID("x"), listener.WithQueueNames("q")))

		ack := rabbitmqtest.NewAcknowledger()
		d := ack.Delivery(1, "ping")
		d.ReplyTo = "replies"
		src.Last().Deliver(d)
		waitSettled(t, ack)

		_, nacks := ack.Snapshot()
		assert.Equal(t, []rabbitmqtest.Nack{{Tag: 1, Requeue: true}}, nacks)
	})

	t.Run("listener errors decide requeueing", func(t *testing.T) {
		tests := []struct {
			name        string
			err         error
			wantRequeue bool
		}{
			{"plain error requeues", errors.New("db down"), true},
			{"reject and don't requeue", ErrRejectAndDontRequeue, false},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				src := &rabbitmqtest.Source{}
				f := NewContainerFactory(sourceOf(src), WithLogger(quietLogger()))
				startContainer(t, f, listener.NewSimpleEndpoint(
					listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
						return nil, tt.err
					}),
					listener.WithID("x"),
					listener.WithQueueNames("q"),
				))

				ack := rabbitmqtest.NewAcknowledger()
				src.Last().Deliver(ack.Delivery(1, "ping"))
				waitSettled(t, ack)

				_, nacks := ack.Snapshot()
				require.Len(t, nacks, 1)
				assert.Equal(t, tt.wantRequeue, nacks[0].Requeue)
			})
		}
	})

	t.Run("interceptors run in front of the listener", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		var called atomic.Int32
		f := NewContainerFactory(sourceOf(src),
			WithLogger(quietLogger()),
			WithDeliveryLogging(true),
			WithInterceptors(interceptors.NewFilteringInterceptor(
				interceptors.NewContentTypeFilter("application/json"),
				interceptors.SkipWithError,
				quietLogger(),
			)),
		)
		startContainer(t, f, listener.NewSimpleEndpoint(
			listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
				called.Add(1)
				return nil, nil
			}),
			listener.WithID("x"),
			listener.WithQueueNames("q"),
		))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "plain text"))
		waitSettled(t, ack)

		json := ack.Delivery(2, `{}`)
		json.ContentType = "application/json"
		src.Last().Deliver(json)
		waitSettled(t, ack)

		acks, nacks := ack.Snapshot()
		assert.Equal(t, []uint64{2}, acks)
		require.Len(t, nacks, 1)
		assert.Equal(t, rabbitmqtest.Nack{Tag: 1, Requeue: false}, nacks[0])
		assert.Equal(t, int32(1), called.Load())
	})

	t.Run("listener panics are recovered", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src),
			WithLogger(quietLogger()),
			WithInterceptors(interceptors.NewRecoveryInterceptor(quietLogger())),
		)
		startContainer(t, f, listener.NewSimpleEndpoint(
			listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
				panic("boom")
			}),
			listener.WithID("x"),
			listener.WithQueueNames("q"),
		))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "ping"))
		waitSettled(t, ack)

		_, nacks := ack.Snapshot()
		require.Len(t, nacks, 1)
		assert.True(t, nacks[0].Requeue)
	})

	t.Run("retry policy redelivers in process", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		var calls atomic.Int32
		f := NewContainerFactory(sourceOf(src),
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
			WithLogger(quietLogger()),
		)
		startContainer(t, f, listener.NewSimpleEndpoint(
			listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
				if calls.Add(1) < 3 {
					return nil, errors.New("transient")
				}
				return nil, nil
			}),
			listener.WithID("x"),
			listener.WithQueueNames("q"),
		))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "ping"))
		waitSettled(t, ack)

		acks, _ := ack.Snapshot()
		assert.Equal(t, []uint64{1}, acks)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("an open breaker stops calling the listener", func(t *testing.T) {
		src := &rabbitmqtest.Source{}
		var calls atomic.Int32
		f := NewContainerFactory(sourceOf(src),
			WithCircuitBreaker(BreakerSettings{FailureThreshold: 1, Timeout: 100 * time.Millisecond}),
			WithLogger(quietLogger()),
		)
		startContainer(t, f, listener.NewSimpleEndpoint(
			listener.MessageListenerFunc(func(context.Context, amqp.Delivery) (*amqp.Publishing, error) {
				calls.Add(1)
				return nil, errors.New("downstream unavailable")
			}),
			listener.WithID("x"),
			listener.WithQueueNames("q"),
		))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "first"))
		waitSettled(t, ack)

		started := time.Now()
		src.Last().Deliver(ack.Delivery(2, "second"))
		waitSettled(t, ack)

		assert.Equal(t, int32(1), calls.Load())
		assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
		_, nacks := ack.Snapshot()
		assert.Equal(t, []rabbitmqtest.Nack{{Tag: 1, Requeue: true}, {Tag: 2, Requeue: true}}, nacks)
	})

	t.Run("dispatches are counted", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		instruments, err := telemetry.New(telemetry.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
		require.NoError(t, err)

		src := &rabbitmqtest.Source{}
		f := NewContainerFactory(sourceOf(src), WithInstruments(instruments), WithLogger(quietLogger()))
		startContainer(t, f, listener.NewSimpleEndpoint(noReply(), listener.WithID("x"), listener.WithQueueNames("q")))

		ack := rabbitmqtest.NewAcknowledger()
		src.Last().Deliver(ack.Delivery(1, "ping"))
		waitSettled(t, ack)

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		assert.Equal(t, int64(1), counterValue(rm, "listener.messages.received"))
	})
}

func counterValue(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
