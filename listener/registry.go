package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-listeners/telemetry"
)

// GeneratedIDPrefix prefixes ids assigned to endpoints registered without one.
const GeneratedIDPrefix = "listener.container#"

// containerCounter is process scoped so generated ids never collide, even
// across registries.
var containerCounter atomic.Uint64

func nextContainerID() string {
	return fmt.Sprintf("%s%d", GeneratedIDPrefix, containerCounter.Add(1)-1)
}

// State is the lifecycle state of a registry entry.
type State int

const (
	StateBound State = iota
	StateStarted
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type entry struct {
	id        string
	container Container
	state     State
}

// Registry owns the containers created for bound endpoints. Lookups are
// safe for concurrent use; Bind calls are serialized.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	index   map[string]*entry

	bindMu      sync.Mutex
	lifecycleMu sync.Mutex

	logger      *slog.Logger
	instruments *telemetry.Instruments
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryInstruments records registry metrics.
func WithRegistryInstruments(in *telemetry.Instruments) RegistryOption {
	return func(r *Registry) {
		r.instruments = in
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		index:  make(map[string]*entry),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Bind creates a container for endpoint with factory and stores it under
// the endpoint id, generating one first when the id is empty.
func (r *Registry) Bind(endpoint Endpoint, factory ContainerFactory) error {
	if endpoint == nil {
		return fmt.Errorf("%w: endpoint must not be nil", ErrInvalidArgument)
	}
	if factory == nil {
		return fmt.Errorf("%w: factory must not be nil", ErrInvalidArgument)
	}

	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	id := endpoint.ID()
	if id == "" {
		id = nextContainerID()
		endpoint.SetID(id)
	}

	r.mu.RLock()
	_, exists := r.index[id]
	r.mu.RUnlock()
	if exists {
		return &DuplicateEndpointError{ID: id, Timestamp: time.Now()}
	}

	container, err := endpoint.CreateContainer(factory)
	if err != nil {
		var cce *ContainerCreationError
		if errors.As(err, &cce) {
			return err
		}
		return &ContainerCreationError{EndpointID: id, Err: err, Timestamp: time.Now()}
	}
	if container == nil {
		return &ContainerCreationError{
			EndpointID: id,
			Err:        errors.New("factory returned no container"),
			Timestamp:  time.Now(),
		}
	}

	if f, ok := endpoint.(Freezer); ok {
		f.Freeze()
	}

	e := &entry{id: id, container: container, state: StateBound}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.index[id] = e
	r.mu.Unlock()

	r.instruments.ContainerBound(context.Background(), 1)
	r.logger.Debug("container bound", "endpointId", id)
	return nil
}

// remove drops an entry. Only used to roll back a failed commit.
func (r *Registry) remove(id string) Container {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.index[id]
	if !ok {
		return nil
	}
	delete(r.index, id)
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.instruments.ContainerBound(context.Background(), -1)
	return e.container
}

// Lookup returns the container bound under id.
func (r *Registry) Lookup(id string) (Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.container, nil
}

// State returns the lifecycle state of the entry bound under id.
func (r *Registry) State(id string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e.state, nil
}

// IDs returns the bound ids in insertion order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		ids = append(ids, e.id)
	}
	return ids
}

// ListAll returns every container in insertion order.
func (r *Registry) ListAll() []Container {
	r.mu.RLock()
	defer r.mu.RUnlock()

	containers := make([]Container, 0, len(r.entries))
	for _, e := range r.entries {
		containers = append(containers, e.container)
	}
	return containers
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.entries...)
}

func (r *Registry) stateOf(e *entry) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.state
}

func (r *Registry) setState(e *entry, s State) {
	r.mu.Lock()
	e.state = s
	r.mu.Unlock()
}

// StartAll starts every bound or stopped container in insertion order.
// Every container is attempted; failures are returned together as a
// *LifecycleError.
func (r *Registry) StartAll(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	var failures []ContainerFailure
	for _, e := range r.snapshot() {
		switch r.stateOf(e) {
		case StateBound, StateStopped:
		default:
			continue
		}

		if err := e.container.Start(ctx); err != nil {
			r.logger.Error("failed to start container", "endpointId", e.id, "error", err)
			r.instruments.LifecycleFailure(ctx, "start", e.id)
			failures = append(failures, ContainerFailure{ID: e.id, Err: err})
			continue
		}
		r.setState(e, StateStarted)
		r.logger.Info("container started", "endpointId", e.id)
	}

	if len(failures) > 0 {
		return &LifecycleError{Op: "start", Failures: failures}
	}
	return nil
}

// StopAll stops every started container in insertion order. Every
// container is attempted; failures are returned together as a
// *LifecycleError.
func (r *Registry) StopAll(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	return r.stopAll(ctx)
}

func (r *Registry) stopAll(ctx context.Context) error {
	var failures []ContainerFailure
	for _, e := range r.snapshot() {
		if r.stateOf(e) != StateStarted {
			continue
		}

		if err := e.container.Stop(ctx); err != nil {
			r.logger.Error("failed to stop container", "endpointId", e.id, "error", err)
			r.instruments.LifecycleFailure(ctx, "stop", e.id)
			failures = append(failures, ContainerFailure{ID: e.id, Err: err})
			continue
		}
		r.setState(e, StateStopped)
		r.logger.Info("container stopped", "endpointId", e.id)
	}

	if len(failures) > 0 {
		return &LifecycleError{Op: "stop", Failures: failures}
	}
	return nil
}

// Shutdown stops every started container and then destroys every stopped
// one. Destroyed entries keep their id and are never started again.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	stopErr := r.stopAll(ctx)

	var failures []ContainerFailure
	for _, e := range r.snapshot() {
		if r.stateOf(e) != StateStopped {
			continue
		}
		if d, ok := e.container.(Destroyer); ok {
			if err := d.Destroy(); err != nil {
				r.logger.Error("failed to destroy container", "endpointId", e.id, "error", err)
				r.instruments.LifecycleFailure(ctx, "destroy", e.id)
				failures = append(failures, ContainerFailure{ID: e.id, Err: err})
			}
		}
		r.setState(e, StateDestroyed)
	}

	var destroyErr error
	if len(failures) > 0 {
		destroyErr = &LifecycleError{Op: "destroy", Failures: failures}
	}
	return errors.Join(stopErr, destroyErr)
}
