package listener

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Container is a running consumer created for one endpoint.
type Container interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Destroyer is implemented by containers holding resources that outlive Stop.
type Destroyer interface {
	Destroy() error
}

// ContainerFactory turns an endpoint into a container. Failures should be
// reported as *ContainerCreationError. Implementations must be safe to call
// repeatedly with unrelated endpoints.
type ContainerFactory interface {
	CreateContainer(endpoint Endpoint) (Container, error)
}

// ContainerFactoryFunc adapts a function to ContainerFactory.
type ContainerFactoryFunc func(endpoint Endpoint) (Container, error)

// CreateContainer calls f.
func (f ContainerFactoryFunc) CreateContainer(endpoint Endpoint) (Container, error) {
	return f(endpoint)
}

// FactoryProvider resolves container factories by name.
type FactoryProvider interface {
	ResolveFactory(name string) (ContainerFactory, error)
}

// FactoryMap is a FactoryProvider backed by a map.
type FactoryMap struct {
	mu        sync.RWMutex
	factories map[string]ContainerFactory
}

// NewFactoryMap creates an empty FactoryMap.
func NewFactoryMap() *FactoryMap {
	return &FactoryMap{factories: make(map[string]ContainerFactory)}
}

// Register adds a named factory.
func (m *FactoryMap) Register(name string, factory ContainerFactory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: factory name and factory are required", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.factories[name]; exists {
		return fmt.Errorf("%w: factory %q already registered", ErrInvalidArgument, name)
	}
	m.factories[name] = factory
	return nil
}

// ResolveFactory implements FactoryProvider.
func (m *FactoryMap) ResolveFactory(name string) (ContainerFactory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFactoryNotFound, name)
	}
	return f, nil
}

// Names returns the registered factory names, sorted.
func (m *FactoryMap) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.factories))
	for n := range m.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
