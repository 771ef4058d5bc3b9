package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-listeners/internal/rabbitmq"
)

// Transport owns the broker connection and the shared resources listener
// containers need: a channel pool for topology work and a reply publisher.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	topology  *rabbitmq.TopologyManager
	admin     *Admin
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets reply publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithTransportLogger sets the logger shared by the transport's components
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to RabbitMQ
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	topology := rabbitmq.NewTopologyManager(pool)

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(manager, pubOpts...),
		topology:  topology,
		admin:     NewAdmin(topology),
		logger:    cfg.Logger,
	}, nil
}

// NewContainerFactory returns a factory wired to this transport. Options
// are applied after the transport's own wiring.
func (t *Transport) NewContainerFactory(options ...FactoryOption) *ContainerFactory {
	opts := append([]FactoryOption{
		WithReplyPublisher(t.publisher),
		WithTopology(t.topology),
		WithConnectionEvents(t.manager),
		WithLogger(t.logger),
	}, options...)
	return NewContainerFactory(t.manager, opts...)
}

// Admin returns the transport's queue admin
func (t *Transport) Admin() *Admin {
	return t.admin
}

// IsConnected returns the connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close releases the publisher, the channel pool and the connection
func (t *Transport) Close() error {
	return errors.Join(
		t.publisher.Close(),
		t.pool.Close(),
		t.manager.Close(),
	)
}
