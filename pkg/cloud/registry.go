package cloud

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrBackendRegistered = errors.New("backend already registered")
	ErrBackendUnknown    = errors.New("unknown backend")
)

// Factory constructs a fresh backend instance.
type Factory func() Backend

// Registry maps backend names to factories. It is populated explicitly by
// the embedding application at startup, replacing link-time
// self-registration. The registry also owns the shared event handler used
// by RegisteredNotifier.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	handler   Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a backend factory under the given name.
// Registering the same name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("register backend: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register backend %q: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrBackendRegistered, name)
	}
	r.factories[name] = factory
	return nil
}

// Lookup constructs a new backend instance by name.
func (r *Registry) Lookup(name string) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnknown, name)
	}
	return factory(), nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetHandler sets the shared event handler used by registered notifiers.
// May be called at most once; later calls are ignored so the observer
// contract (set exactly once at initialization) holds.
func (r *Registry) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler == nil {
		r.handler = handler
	}
}

// Notifier returns a RegisteredNotifier for the named backend.
func (r *Registry) Notifier(name string) *RegisteredNotifier {
	return NewRegisteredNotifier(r, name)
}

// notify delivers an event to the shared handler, if set.
func (r *Registry) notify(evt Event) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	if handler != nil {
		handler(evt)
	}
}
