package config

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-listeners/bootstrap"
	"github.com/glimte/mmate-listeners/interceptors"
	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/internal/reliability"
	"github.com/glimte/mmate-listeners/listener"
	transport "github.com/glimte/mmate-listeners/transports/rabbitmq"
)

func duration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}

// TransportOptions returns the connection, pool and publisher options for
// the configured connection
func (c ConnectionConfig) TransportOptions() []transport.TransportOption {
	var conn []rabbitmq.ConnectionOption
	if d, ok := duration(c.ReconnectDelay); ok {
		conn = append(conn, rabbitmq.WithReconnectDelay(d))
	}
	if d, ok := duration(c.ConnectTimeout); ok {
		conn = append(conn, rabbitmq.WithConnectTimeout(d))
	}
	if c.MaxRetries != nil {
		conn = append(conn, rabbitmq.WithMaxRetries(*c.MaxRetries))
	}

	opts := []transport.TransportOption{transport.WithConnectionOptions(conn...)}
	if c.PoolSize > 0 {
		opts = append(opts, transport.WithPoolOptions(rabbitmq.WithMaxSize(c.PoolSize)))
	}
	if d, ok := duration(c.ConfirmTimeout); ok {
		opts = append(opts, transport.WithPublisherOptions(rabbitmq.WithConfirmTimeout(d)))
	}
	return opts
}

// FactoryOptions returns the container factory options for f
func (f FactoryConfig) FactoryOptions() ([]transport.FactoryOption, error) {
	var opts []transport.FactoryOption

	if f.Concurrency > 0 {
		opts = append(opts, transport.WithConcurrency(f.Concurrency))
	}
	if f.Prefetch > 0 {
		opts = append(opts, transport.WithPrefetch(f.Prefetch))
	}
	if f.AckMode != "" {
		mode, err := rabbitmq.ParseAckMode(f.AckMode)
		if err != nil {
			return nil, fmt.Errorf("factory %q: %w", f.Name, err)
		}
		opts = append(opts, transport.WithAckMode(mode))
	}
	if f.RequeueRejected != nil {
		opts = append(opts, transport.WithDefaultRequeueRejected(*f.RequeueRejected))
	}
	if f.ConsumerTagPrefix != "" {
		opts = append(opts, transport.WithConsumerTagPrefix(f.ConsumerTagPrefix))
	}
	if d, ok := duration(f.HandlerTimeout); ok {
		opts = append(opts, transport.WithHandlerTimeout(d))
	}
	if d, ok := duration(f.ShutdownTimeout); ok {
		opts = append(opts, transport.WithShutdownTimeout(d))
	}
	if f.MissingQueuesFatal != nil {
		opts = append(opts, transport.WithMissingQueuesFatal(*f.MissingQueuesFatal))
	}

	if f.LogDeliveries {
		opts = append(opts, transport.WithDeliveryLogging(true))
	}
	if len(f.AcceptContentTypes) > 0 {
		opts = append(opts, transport.WithInterceptors(interceptors.NewFilteringInterceptor(
			interceptors.NewContentTypeFilter(f.AcceptContentTypes...),
			interceptors.SkipWithError,
			nil,
		)))
	}

	if r := f.RateLimit; r != nil {
		burst := r.Burst
		if burst == 0 {
			burst = 1
		}
		opts = append(opts, transport.WithInterceptors(interceptors.NewRateLimitInterceptor(r.PerSecond, burst)))
	}

	if b := f.CircuitBreaker; b != nil {
		settings := transport.BreakerSettings{
			FailureThreshold: b.FailureThreshold,
			Timeout:          30 * time.Second,
			HalfOpenRequests: 1,
		}
		if d, ok := duration(b.Timeout); ok {
			settings.Timeout = d
		}
		if b.HalfOpenRequests > 0 {
			settings.HalfOpenRequests = b.HalfOpenRequests
		}
		opts = append(opts, transport.WithCircuitBreaker(settings))
	}

	if r := f.Retry; r != nil {
		initial, maxDelay, multiplier := 100*time.Millisecond, 10*time.Second, 2.0
		if d, ok := duration(r.InitialDelay); ok {
			initial = d
		}
		if d, ok := duration(r.MaxDelay); ok {
			maxDelay = d
		}
		if r.Multiplier > 0 {
			multiplier = r.Multiplier
		}
		// MaxAttempts counts the first delivery
		policy := reliability.NewExponentialBackoff(initial, maxDelay, multiplier, r.MaxAttempts-1)
		opts = append(opts, transport.WithRetryPolicy(policy))
	}

	return opts, nil
}

// Queue returns the listener queue declaration for q
func (q QueueConfig) Queue() *listener.Queue {
	return &listener.Queue{
		Name:       q.brokerName(),
		Durable:    boolOr(q.Durable, true),
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
		Arguments:  toTable(q.Arguments),
	}
}

// Topology returns the exchanges, named queues and bindings to declare
// before listeners start. Anonymous queues are declared by their listeners.
func (c *Config) Topology() rabbitmq.Topology {
	var t rabbitmq.Topology
	for _, e := range c.Exchanges {
		kind := e.Type
		if kind == "" {
			kind = "topic"
		}
		t.Exchanges = append(t.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:       e.Name,
			Type:       kind,
			Durable:    boolOr(e.Durable, true),
			AutoDelete: e.AutoDelete,
			Arguments:  toTable(e.Arguments),
		})
	}
	for _, qc := range c.Queues {
		if qc.Anonymous {
			continue
		}
		q := qc.Queue()
		t.Queues = append(t.Queues, rabbitmq.QueueDeclaration{
			Name:       q.Name,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
			Arguments:  q.Arguments,
		})
	}
	for _, b := range c.Bindings {
		t.Bindings = append(t.Bindings, rabbitmq.Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			RoutingKey: b.RoutingKey,
		})
	}
	return t
}

// Declarations returns one bootstrap declaration per listener. Handlers and
// queue references are resolved by name when the declarations are processed.
func (c *Config) Declarations() []bootstrap.Declaration {
	decls := make([]bootstrap.Declaration, 0, len(c.Listeners))
	for i, l := range c.Listeners {
		source := fmt.Sprintf("listeners[%d]", i)
		if c.Source != "" {
			source = c.Source + ": " + source
		}
		decls = append(decls, bootstrap.Declaration{
			ID:                 l.ID,
			ContainerFactory:   l.Factory,
			Queues:             l.Queues,
			QueueReferences:    l.QueueRefs,
			Exclusive:          l.Exclusive,
			Priority:           l.Priority,
			ResponseRoutingKey: l.ResponseRoutingKey,
			Admin:              l.Admin,
			Handler:            l.Handler,
			Source:             source,
		})
	}
	return decls
}

// toTable converts decoded arguments to an AMQP table
func toTable(m map[string]any) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	t := make(amqp.Table, len(m))
	for k, v := range m {
		t[k] = tableValue(v)
	}
	return t
}

func tableValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return toTable(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = tableValue(e)
		}
		return out
	case int:
		return int64(val)
	}
	return v
}
