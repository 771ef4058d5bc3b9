package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

type registration struct {
	endpoint Endpoint
	factory  ContainerFactory
}

// Registrar collects endpoint registrations and binds them to a Registry on
// Commit, picking each endpoint's container factory at that point.
//
// Registration is not safe for concurrent use.
type Registrar struct {
	pending           []registration
	defaultFactory    ContainerFactory
	defaultFactoryKey string
	provider          FactoryProvider
	registry          *Registry
	resolved          map[string]ContainerFactory
	committing        atomic.Bool
	logger            *slog.Logger
}

// RegistrarOption configures the Registrar.
type RegistrarOption func(*Registrar)

// WithRegistrarLogger sets the logger.
func WithRegistrarLogger(logger *slog.Logger) RegistrarOption {
	return func(r *Registrar) {
		r.logger = logger
	}
}

// WithRegistry sets the registry endpoints are bound to.
func WithRegistry(registry *Registry) RegistrarOption {
	return func(r *Registrar) {
		r.registry = registry
	}
}

// WithFactoryProvider sets the provider used to resolve the default
// factory key.
func WithFactoryProvider(provider FactoryProvider) RegistrarOption {
	return func(r *Registrar) {
		r.provider = provider
	}
}

// NewRegistrar creates a registrar.
func NewRegistrar(options ...RegistrarOption) *Registrar {
	r := &Registrar{
		resolved: make(map[string]ContainerFactory),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register queues endpoint for binding. factory may be nil, in which case
// the registrar default is used at commit time.
func (r *Registrar) Register(endpoint Endpoint, factory ContainerFactory) error {
	if endpoint == nil {
		return fmt.Errorf("%w: endpoint must not be nil", ErrInvalidArgument)
	}
	r.pending = append(r.pending, registration{endpoint: endpoint, factory: factory})
	return nil
}

// SetDefaultFactory sets the factory used for endpoints registered without one.
func (r *Registrar) SetDefaultFactory(factory ContainerFactory) {
	r.defaultFactory = factory
}

// SetDefaultFactoryKey sets the name resolved through the provider when no
// explicit or default factory applies.
func (r *Registrar) SetDefaultFactoryKey(key string) {
	r.defaultFactoryKey = key
}

// DefaultFactoryKey returns the default factory key.
func (r *Registrar) DefaultFactoryKey() string {
	return r.defaultFactoryKey
}

// HasDefaultFactory reports whether a default factory instance or key is set.
func (r *Registrar) HasDefaultFactory() bool {
	return r.defaultFactory != nil || r.defaultFactoryKey != ""
}

// SetFactoryProvider sets the provider.
func (r *Registrar) SetFactoryProvider(provider FactoryProvider) {
	r.provider = provider
}

// SetRegistry sets the target registry.
func (r *Registrar) SetRegistry(registry *Registry) {
	r.registry = registry
}

// Registry returns the target registry.
func (r *Registrar) Registry() *Registry {
	return r.registry
}

// Pending returns the number of registrations waiting for Commit.
func (r *Registrar) Pending() int {
	return len(r.pending)
}

// Commit drains the pending registrations, resolves a factory for each and
// binds them to the registry. Resolution completes for every endpoint before
// any container is created. If a bind fails, the containers bound by this
// commit are removed again and the error is returned.
func (r *Registrar) Commit() error {
	if !r.committing.CompareAndSwap(false, true) {
		return ErrCommitInProgress
	}
	defer r.committing.Store(false)

	if r.registry == nil {
		return ErrRegistryNotSet
	}

	pending := r.pending
	r.pending = nil
	if len(pending) == 0 {
		return nil
	}

	pairs := make([]registration, 0, len(pending))
	for _, reg := range pending {
		factory, err := r.resolveFactory(reg)
		if err != nil {
			r.logger.Error("failed to resolve container factory", "error", err)
			return err
		}
		pairs = append(pairs, registration{endpoint: reg.endpoint, factory: factory})
	}

	bound := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if err := r.registry.Bind(p.endpoint, p.factory); err != nil {
			r.logger.Error("failed to bind endpoint, rolling back commit",
				"endpointId", p.endpoint.ID(),
				"bound", len(bound),
				"error", err)
			r.rollback(bound)
			return err
		}
		bound = append(bound, p.endpoint.ID())
	}

	r.logger.Info("listener endpoints committed", "count", len(bound))
	return nil
}

func (r *Registrar) resolveFactory(reg registration) (ContainerFactory, error) {
	if reg.factory != nil {
		return reg.factory, nil
	}
	if r.defaultFactory != nil {
		return r.defaultFactory, nil
	}

	key := r.defaultFactoryKey
	if key == "" {
		return nil, &UnresolvedFactoryError{
			Endpoint:  describeEndpoint(reg.endpoint),
			Timestamp: time.Now(),
		}
	}
	if f, ok := r.resolved[key]; ok {
		return f, nil
	}
	if r.provider == nil {
		return nil, &UnresolvedFactoryError{
			Endpoint:  describeEndpoint(reg.endpoint),
			Key:       key,
			Err:       ErrProviderNotSet,
			Timestamp: time.Now(),
		}
	}

	f, err := r.provider.ResolveFactory(key)
	if err == nil && f == nil {
		err = fmt.Errorf("%w: %q", ErrFactoryNotFound, key)
	}
	if err != nil {
		return nil, &UnresolvedFactoryError{
			Endpoint:  describeEndpoint(reg.endpoint),
			Key:       key,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	r.resolved[key] = f
	return f, nil
}

func (r *Registrar) rollback(ids []string) {
	for _, id := range ids {
		container := r.registry.remove(id)
		d, ok := container.(Destroyer)
		if !ok {
			continue
		}
		if err := d.Destroy(); err != nil {
			r.logger.Warn("failed to destroy rolled back container", "endpointId", id, "error", err)
		}
	}
}

func describeEndpoint(e Endpoint) string {
	if s, ok := e.(fmt.Stringer); ok {
		return s.String()
	}
	if id := e.ID(); id != "" {
		return fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf("%T", e)
}

// IsConfigurationError reports whether err is one of the configuration-time
// errors Commit and Register return.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrUnresolvedFactory) ||
		errors.Is(err, ErrDuplicateEndpoint) ||
		errors.Is(err, ErrContainerCreation) ||
		errors.Is(err, ErrRegistryNotSet)
}
