package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-listeners/converter"
	"github.com/glimte/mmate-listeners/listener"
)

// Declaration describes one listener endpoint the way code or a config file
// declares it. Exactly one of Listener, Method or Handler must be set.
type Declaration struct {
	ID                 string
	ContainerFactory   string   // factory name; empty uses the registrar default
	Queues             []string // literal queue names
	QueueReferences    []string // catalog queue declarations, declared by the admin on start
	Exclusive          bool
	Priority           *int // nil leaves the consumer priority unset
	ResponseRoutingKey string
	Admin              string // catalog admin name; empty uses DefaultAdminName when registered

	Listener listener.MessageListener
	Method   listener.HandlerMethod
	Handler  string // catalog handler name

	// Source says where the declaration came from, for error messages
	Source string
}

func (d Declaration) describe() string {
	name := d.ID
	if name == "" {
		name = "<generated id>"
	}
	if d.Source != "" {
		return fmt.Sprintf("%s (%s)", name, d.Source)
	}
	return name
}

// DeclarationError reports a declaration that could not be turned into an endpoint
type DeclarationError struct {
	Declaration string
	Err         error
	Timestamp   time.Time
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("bootstrap: invalid listener declaration %s: %v", e.Declaration, e.Err)
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// Configurer adjusts the registrar before Complete commits it
type Configurer interface {
	ConfigureListeners(registrar *listener.Registrar) error
}

// ConfigurerFunc adapts a function to Configurer
type ConfigurerFunc func(registrar *listener.Registrar) error

// ConfigureListeners calls f
func (f ConfigurerFunc) ConfigureListeners(registrar *listener.Registrar) error {
	return f(registrar)
}

// Processor turns declarations into endpoints and registers them. Complete
// runs the configurers and commits everything to the registry.
type Processor struct {
	registrar   *listener.Registrar
	registry    *listener.Registry
	catalog     *Catalog
	converter   *converter.MessagingConverter
	configurers []Configurer
	logger      *slog.Logger
	declared    int
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithRegistrar sets the registrar declarations are registered with
func WithRegistrar(registrar *listener.Registrar) ProcessorOption {
	return func(p *Processor) {
		p.registrar = registrar
	}
}

// WithRegistry sets the registry installed when the registrar has none
func WithRegistry(registry *listener.Registry) ProcessorOption {
	return func(p *Processor) {
		p.registry = registry
	}
}

// WithCatalog sets the catalog names are resolved against
func WithCatalog(catalog *Catalog) ProcessorOption {
	return func(p *Processor) {
		p.catalog = catalog
	}
}

// WithMessageConverter sets the converter given to method endpoints
func WithMessageConverter(c *converter.MessagingConverter) ProcessorOption {
	return func(p *Processor) {
		p.converter = c
	}
}

// WithConfigurers adds configurers applied by Complete
func WithConfigurers(configurers ...Configurer) ProcessorOption {
	return func(p *Processor) {
		p.configurers = append(p.configurers, configurers...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a processor. Without options it owns a fresh
// registrar, registry and catalog.
func NewProcessor(options ...ProcessorOption) *Processor {
	p := &Processor{logger: slog.Default()}
	for _, opt := range options {
		opt(p)
	}

	if p.catalog == nil {
		p.catalog = NewCatalog()
	}
	if p.registry == nil {
		p.registry = listener.NewRegistry(listener.WithRegistryLogger(p.logger))
	}
	if p.registrar == nil {
		p.registrar = listener.NewRegistrar(listener.WithRegistrarLogger(p.logger))
	}
	p.registrar.SetFactoryProvider(p.catalog)

	return p
}

// Catalog returns the processor's catalog
func (p *Processor) Catalog() *Catalog {
	return p.catalog
}

// Registrar returns the processor's registrar
func (p *Processor) Registrar() *listener.Registrar {
	return p.registrar
}

// Registry returns the registry Complete commits to
func (p *Processor) Registry() *listener.Registry {
	if r := p.registrar.Registry(); r != nil {
		return r
	}
	return p.registry
}

// Declare builds an endpoint from d and registers it. Names are resolved
// against the catalog now; the default factory is resolved on Complete.
func (p *Processor) Declare(d Declaration) error {
	endpoint, factory, err := p.build(d)
	if err != nil {
		return &DeclarationError{Declaration: d.describe(), Err: err, Timestamp: time.Now()}
	}
	if err := p.registrar.Register(endpoint, factory); err != nil {
		return &DeclarationError{Declaration: d.describe(), Err: err, Timestamp: time.Now()}
	}

	p.declared++
	p.logger.Debug("listener declared",
		"endpointId", d.ID,
		"queues", len(d.Queues)+len(d.QueueReferences),
		"factory", d.ContainerFactory,
	)
	return nil
}

// DeclareAll declares each declaration and stops at the first failure
func (p *Processor) DeclareAll(declarations ...Declaration) error {
	for _, d := range declarations {
		if err := p.Declare(d); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) build(d Declaration) (listener.Endpoint, listener.ContainerFactory, error) {
	l, m, err := p.handler(d)
	if err != nil {
		return nil, nil, err
	}

	if len(d.Queues)+len(d.QueueReferences) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one queue is required", listener.ErrInvalidArgument)
	}
	opts := []listener.EndpointOption{
		listener.WithID(d.ID),
		listener.WithQueueNames(d.Queues...),
		listener.WithExclusive(d.Exclusive),
		listener.WithResponseRoutingKey(d.ResponseRoutingKey),
		listener.WithEndpointLogger(p.logger),
	}
	if d.Priority != nil {
		opts = append(opts, listener.WithPriority(*d.Priority))
	}

	for _, ref := range d.QueueReferences {
		q, err := p.catalog.Queue(ref)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, listener.WithQueues(q))
	}

	admin, err := p.admin(d)
	if err != nil {
		return nil, nil, err
	}
	if admin != nil {
		opts = append(opts, listener.WithAdmin(admin))
	}

	var factory listener.ContainerFactory
	if d.ContainerFactory != "" {
		factory, err = p.catalog.ResolveFactory(d.ContainerFactory)
		if err != nil {
			return nil, nil, err
		}
	}

	if m != nil {
		endpoint := listener.NewMethodEndpoint(m, opts...)
		if p.converter != nil {
			endpoint.SetMessageConverter(p.converter)
		}
		return endpoint, factory, nil
	}
	return listener.NewSimpleEndpoint(l, opts...), factory, nil
}

func (p *Processor) handler(d Declaration) (listener.MessageListener, listener.HandlerMethod, error) {
	set := 0
	for _, ok := range []bool{d.Listener != nil, d.Method != nil, d.Handler != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, nil, fmt.Errorf("%w: exactly one of listener, method or handler is required", listener.ErrInvalidArgument)
	}

	switch {
	case d.Listener != nil:
		return d.Listener, nil, nil
	case d.Method != nil:
		return nil, d.Method, nil
	default:
		return p.catalog.Handler(d.Handler)
	}
}

func (p *Processor) admin(d Declaration) (listener.Admin, error) {
	if d.Admin != "" {
		return p.catalog.Admin(d.Admin)
	}
	if len(d.QueueReferences) > 0 {
		return p.catalog.defaultAdmin(), nil
	}
	return nil, nil
}

// Complete applies the configurers, installs the registry and the default
// factory name when the configurers left them unset, and commits.
func (p *Processor) Complete() error {
	for _, c := range p.configurers {
		if err := c.ConfigureListeners(p.registrar); err != nil {
			return fmt.Errorf("bootstrap: configurer failed: %w", err)
		}
	}

	if p.registrar.Registry() == nil {
		p.registrar.SetRegistry(p.registry)
	}
	if !p.registrar.HasDefaultFactory() {
		p.registrar.SetDefaultFactoryKey(DefaultContainerFactoryName)
	}

	if err := p.registrar.Commit(); err != nil {
		return err
	}

	p.logger.Info("listener declarations processed", "declared", p.declared, "containers", p.Registry().Len())
	return nil
}

// IsDeclarationError reports whether err came from a bad declaration
func IsDeclarationError(err error) bool {
	var de *DeclarationError
	return errors.As(err, &de)
}
