package bootstrap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/mmate-listeners/listener"
)

const (
	// DefaultContainerFactoryName is the factory used by declarations that
	// name none, unless the registrar already has a default
	DefaultContainerFactoryName = "rabbitListenerContainerFactory"

	// DefaultAdminName is the admin used for declared queues when a
	// declaration names none
	DefaultAdminName = "rabbitAdmin"
)

var (
	ErrDuplicateName  = errors.New("bootstrap: name already registered")
	ErrUnknownQueue   = errors.New("bootstrap: unknown queue")
	ErrUnknownAdmin   = errors.New("bootstrap: unknown admin")
	ErrUnknownHandler = errors.New("bootstrap: unknown handler")
)

// Catalog holds the named objects declarations refer to: queue declarations,
// admins, container factories and handlers. It resolves factory names for
// the registrar.
type Catalog struct {
	mu        sync.RWMutex
	queues    map[string]*listener.Queue
	admins    map[string]listener.Admin
	listeners map[string]listener.MessageListener
	methods   map[string]listener.HandlerMethod
	factories *listener.FactoryMap
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		queues:    make(map[string]*listener.Queue),
		admins:    make(map[string]listener.Admin),
		listeners: make(map[string]listener.MessageListener),
		methods:   make(map[string]listener.HandlerMethod),
		factories: listener.NewFactoryMap(),
	}
}

// RegisterQueue registers a queue declaration under name
func (c *Catalog) RegisterQueue(name string, q *listener.Queue) error {
	if name == "" || q == nil {
		return fmt.Errorf("%w: queue name and declaration are required", listener.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[name]; ok {
		return fmt.Errorf("%w: queue %q", ErrDuplicateName, name)
	}
	c.queues[name] = q
	return nil
}

// Queue returns the queue declaration registered under name
func (c *Catalog) Queue(name string) (*listener.Queue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// RegisterAdmin registers an admin under name
func (c *Catalog) RegisterAdmin(name string, admin listener.Admin) error {
	if name == "" || admin == nil {
		return fmt.Errorf("%w: admin name and admin are required", listener.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.admins[name]; ok {
		return fmt.Errorf("%w: admin %q", ErrDuplicateName, name)
	}
	c.admins[name] = admin
	return nil
}

// Admin returns the admin registered under name
func (c *Catalog) Admin(name string) (listener.Admin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.admins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdmin, name)
	}
	return a, nil
}

func (c *Catalog) defaultAdmin() listener.Admin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admins[DefaultAdminName]
}

// RegisterFactory registers a container factory under name
func (c *Catalog) RegisterFactory(name string, factory listener.ContainerFactory) error {
	return c.factories.Register(name, factory)
}

// ResolveFactory implements listener.FactoryProvider
func (c *Catalog) ResolveFactory(name string) (listener.ContainerFactory, error) {
	return c.factories.ResolveFactory(name)
}

// FactoryNames returns the registered factory names, sorted
func (c *Catalog) FactoryNames() []string {
	return c.factories.Names()
}

// RegisterListener registers a message listener under name
func (c *Catalog) RegisterListener(name string, l listener.MessageListener) error {
	if name == "" || l == nil {
		return fmt.Errorf("%w: handler name and listener are required", listener.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlerExists(name) {
		return fmt.Errorf("%w: handler %q", ErrDuplicateName, name)
	}
	c.listeners[name] = l
	return nil
}

// RegisterMethod registers a handler method under name
func (c *Catalog) RegisterMethod(name string, m listener.HandlerMethod) error {
	if name == "" || m == nil {
		return fmt.Errorf("%w: handler name and method are required", listener.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlerExists(name) {
		return fmt.Errorf("%w: handler %q", ErrDuplicateName, name)
	}
	c.methods[name] = m
	return nil
}

func (c *Catalog) handlerExists(name string) bool {
	_, l := c.listeners[name]
	_, m := c.methods[name]
	return l || m
}

// Handler returns the listener or method registered under name. Exactly one
// of the two results is non-nil when err is nil.
func (c *Catalog) Handler(name string) (listener.MessageListener, listener.HandlerMethod, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.listeners[name]; ok {
		return l, nil, nil
	}
	if m, ok := c.methods[name]; ok {
		return nil, m, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
}

// HandlerNames returns every registered handler name, sorted
func (c *Catalog) HandlerNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.listeners)+len(c.methods))
	for n := range c.listeners {
		names = append(names, n)
	}
	for n := range c.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var _ listener.FactoryProvider = (*Catalog)(nil)
