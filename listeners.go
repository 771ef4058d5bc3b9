// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-listeners/bootstrap"
	"github.com/glimte/mmate-listeners/config"
	"github.com/glimte/mmate-listeners/converter"
	"github.com/glimte/mmate-listeners/health"
	"github.com/glimte/mmate-listeners/interceptors"
	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/listener"
	"github.com/glimte/mmate-listeners/telemetry"
	rabbitmqTransport "github.com/glimte/mmate-listeners/transports/rabbitmq"
)

var (
	ErrHostStarted = errors.New("listeners: host already started")
	ErrHostClosed  = errors.New("listeners: host is closed")
)

// broker is the part of the RabbitMQ transport the host uses
type broker interface {
	NewContainerFactory(options ...rabbitmqTransport.FactoryOption) *rabbitmqTransport.ContainerFactory
	Admin() *rabbitmqTransport.Admin
	IsConnected() bool
	Close() error
}

// Host wires a RabbitMQ connection to a listener registry. Listeners are
// declared first; Start commits them, declares the configured topology and
// starts every container.
type Host struct {
	broker      broker
	processor   *bootstrap.Processor
	registry    *listener.Registry
	instruments *telemetry.Instruments
	health      *health.Registry
	logger      *slog.Logger

	mu       sync.Mutex
	topology rabbitmq.Topology
	started  bool
	closed   bool
}

// hostConfig holds host configuration
type hostConfig struct {
	logger           *slog.Logger
	transportOptions []rabbitmqTransport.TransportOption
	factoryOptions   []rabbitmqTransport.FactoryOption
	telemetryOptions []telemetry.Option
	configurers      []bootstrap.Configurer
	converter        *converter.MessagingConverter
}

// HostOption configures the host
type HostOption func(*hostConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) HostOption {
	return func(cfg *hostConfig) {
		cfg.logger = logger
	}
}

// WithTransportOptions adds options for the RabbitMQ transport
func WithTransportOptions(options ...rabbitmqTransport.TransportOption) HostOption {
	return func(cfg *hostConfig) {
		cfg.transportOptions = append(cfg.transportOptions, options...)
	}
}

// WithDefaultFactoryOptions adds options for the default container factory
func WithDefaultFactoryOptions(options ...rabbitmqTransport.FactoryOption) HostOption {
	return func(cfg *hostConfig) {
		cfg.factoryOptions = append(cfg.factoryOptions, options...)
	}
}

// WithMeterProvider sets the meter provider for listener metrics
func WithMeterProvider(mp metric.MeterProvider) HostOption {
	return func(cfg *hostConfig) {
		cfg.telemetryOptions = append(cfg.telemetryOptions, telemetry.WithMeterProvider(mp))
	}
}

// WithTracerProvider sets the tracer provider for dispatch spans
func WithTracerProvider(tp trace.TracerProvider) HostOption {
	return func(cfg *hostConfig) {
		cfg.telemetryOptions = append(cfg.telemetryOptions, telemetry.WithTracerProvider(tp))
	}
}

// WithConfigurers adds registrar configurers applied on Start
func WithConfigurers(configurers ...bootstrap.Configurer) HostOption {
	return func(cfg *hostConfig) {
		cfg.configurers = append(cfg.configurers, configurers...)
	}
}

// WithMessageConverter sets the converter used by handler methods
func WithMessageConverter(c *converter.MessagingConverter) HostOption {
	return func(cfg *hostConfig) {
		cfg.converter = c
	}
}

// NewHost connects to RabbitMQ and creates a host
func NewHost(ctx context.Context, connectionString string, options ...HostOption) (*Host, error) {
	cfg := newHostConfig(options)

	transportOpts := append([]rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithTransportLogger(cfg.logger),
	}, cfg.transportOptions...)

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	h, err := newHost(transport, cfg)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return h, nil
}

// NewHostFromConfig connects using the file's connection settings and
// applies the rest of the file to the new host
func NewHostFromConfig(ctx context.Context, cfg *config.Config, options ...HostOption) (*Host, error) {
	opts := append([]HostOption{WithTransportOptions(cfg.Connection.TransportOptions()...)}, options...)
	h, err := NewHost(ctx, cfg.Connection.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := h.ApplyConfig(cfg); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

func newHostConfig(options []HostOption) *hostConfig {
	cfg := &hostConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func newHost(b broker, cfg *hostConfig) (*Host, error) {
	instruments, err := telemetry.New(cfg.telemetryOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	registry := listener.NewRegistry(
		listener.WithRegistryLogger(cfg.logger),
		listener.WithRegistryInstruments(instruments),
	)

	procOpts := []bootstrap.ProcessorOption{
		bootstrap.WithRegistry(registry),
		bootstrap.WithConfigurers(cfg.configurers...),
		bootstrap.WithLogger(cfg.logger),
	}
	if cfg.converter != nil {
		procOpts = append(procOpts, bootstrap.WithMessageConverter(cfg.converter))
	}
	processor := bootstrap.NewProcessor(procOpts...)

	h := &Host{
		broker:      b,
		processor:   processor,
		registry:    registry,
		instruments: instruments,
		health:      health.NewRegistry(),
		logger:      cfg.logger,
	}

	catalog := processor.Catalog()
	if err := catalog.RegisterFactory(bootstrap.DefaultContainerFactoryName, h.newFactory(cfg.factoryOptions...)); err != nil {
		return nil, err
	}
	if err := catalog.RegisterAdmin(bootstrap.DefaultAdminName, b.Admin()); err != nil {
		return nil, err
	}

	h.health.Register(health.NewConnectionChecker(b))
	h.health.Register(health.NewListenerChecker(registry))

	return h, nil
}

// newFactory wires a factory to the host's connection and instruments.
// Listener panics are recovered before any configured interceptor runs.
func (h *Host) newFactory(options ...rabbitmqTransport.FactoryOption) *rabbitmqTransport.ContainerFactory {
	opts := append([]rabbitmqTransport.FactoryOption{
		rabbitmqTransport.WithInstruments(h.instruments),
		rabbitmqTransport.WithInterceptors(interceptors.NewRecoveryInterceptor(h.logger)),
	}, options...)
	return h.broker.NewContainerFactory(opts...)
}

// RegisterFactory registers a container factory under name, wired to the
// host's connection
func (h *Host) RegisterFactory(name string, options ...rabbitmqTransport.FactoryOption) error {
	return h.processor.Catalog().RegisterFactory(name, h.newFactory(options...))
}

// RegisterListener makes l available to declarations as a named handler
func (h *Host) RegisterListener(name string, l listener.MessageListener) error {
	return h.processor.Catalog().RegisterListener(name, l)
}

// RegisterMethod makes m available to declarations as a named handler
func (h *Host) RegisterMethod(name string, m listener.HandlerMethod) error {
	return h.processor.Catalog().RegisterMethod(name, m)
}

// Declare registers listener declarations. They are bound on Start.
func (h *Host) Declare(declarations ...bootstrap.Declaration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}
	return h.processor.DeclareAll(declarations...)
}

// ApplyConfig registers the file's factories, queues and topology and
// declares its listeners. Handlers must be registered first.
func (h *Host) ApplyConfig(cfg *config.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}

	catalog := h.processor.Catalog()
	for _, f := range cfg.Factories {
		opts, err := f.FactoryOptions()
		if err != nil {
			return err
		}
		if err := catalog.RegisterFactory(f.Name, h.newFactory(opts...)); err != nil {
			return err
		}
	}
	for _, q := range cfg.Queues {
		if err := catalog.RegisterQueue(q.Name, q.Queue()); err != nil {
			return err
		}
	}
	if cfg.DefaultFactory != "" {
		h.processor.Registrar().SetDefaultFactoryKey(cfg.DefaultFactory)
	}

	t := cfg.Topology()
	h.topology.Exchanges = append(h.topology.Exchanges, t.Exchanges...)
	h.topology.Queues = append(h.topology.Queues, t.Queues...)
	h.topology.Bindings = append(h.topology.Bindings, t.Bindings...)

	return h.processor.DeclareAll(cfg.Declarations()...)
}

func (h *Host) checkOpen() error {
	switch {
	case h.closed:
		return ErrHostClosed
	case h.started:
		return ErrHostStarted
	}
	return nil
}

// Start commits the declared listeners, declares the configured topology
// and starts every container. Start failures are returned as a
// *listener.LifecycleError; containers that did start keep running.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen(); err != nil {
		return err
	}

	if err := h.processor.Complete(); err != nil {
		return err
	}
	h.started = true

	if len(h.topology.Exchanges)+len(h.topology.Queues)+len(h.topology.Bindings) > 0 {
		if err := h.broker.Admin().DeclareTopology(ctx, h.topology); err != nil {
			return fmt.Errorf("failed to declare topology: %w", err)
		}
	}

	err := h.registry.StartAll(ctx)

	if queues := h.queueNames(); len(queues) > 0 {
		h.health.Register(health.NewQueueChecker(h.broker.Admin(), queues...))
	}

	h.logger.Info("listener host started", "containers", h.registry.Len())
	return err
}

func (h *Host) queueNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range h.registry.ListAll() {
		qc, ok := c.(interface{ QueueNames() []string })
		if !ok {
			continue
		}
		for _, n := range qc.QueueNames() {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}

// Registry returns the listener registry
func (h *Host) Registry() *listener.Registry {
	return h.registry
}

// Catalog returns the names declarations are resolved against
func (h *Host) Catalog() *bootstrap.Catalog {
	return h.processor.Catalog()
}

// Registrar returns the registrar declarations are registered with
func (h *Host) Registrar() *listener.Registrar {
	return h.processor.Registrar()
}

// Health returns the host's health checks
func (h *Host) Health() *health.Registry {
	return h.health
}

// Close stops and destroys every container, then closes the connection
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	return errors.Join(
		h.registry.Shutdown(ctx),
		h.broker.Close(),
	)
}
