// Package plugin provides the kind-keyed registry that resolves named
// middleware plug-ins to executable handlers.
package plugin

import (
	"errors"
	"fmt"
	"sync"
)

// Kind is the namespace a plug-in name is resolved within.
type Kind string

// Plug-in kinds.
const (
	// KindAuthStrategy resolves authentication strategies.
	KindAuthStrategy Kind = "authentication/strategy"

	// KindBreakerHandler resolves circuit breaker transition handlers.
	KindBreakerHandler Kind = "circuitbreaker/handler"

	// KindRateLimitKeyGen resolves rate limiter key generators.
	KindRateLimitKeyGen Kind = "ratelimit/keygen"
)

// Reference names a plug-in plus the options it is constructed with.
type Reference struct {
	Name    string
	Options map[string]interface{}
}

// Factory builds a handler bound to the given options. The concrete
// handler type depends on the kind; callers assert to the interface
// they expect.
type Factory func(options map[string]interface{}) (interface{}, error)

// ErrNotFound is returned when no plug-in is registered under the
// requested kind and name.
var ErrNotFound = errors.New("plugin not found")

// Registry resolves (kind, name) pairs to handler factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Kind]map[string]Factory),
	}
}

// Register registers a factory under the kind and name. A later
// registration under the same pair replaces the earlier one.
func (r *Registry) Register(kind Kind, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.factories[kind]
	if !ok {
		byName = make(map[string]Factory)
		r.factories[kind] = byName
	}
	byName[name] = factory
}

// Load resolves the reference within the kind's namespace and returns a
// handler bound to the reference options.
func (r *Registry) Load(kind Kind, ref Reference) (interface{}, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind][ref.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, ref.Name)
	}

	handler, err := factory(ref.Options)
	if err != nil {
		return nil, fmt.Errorf("plugin %s/%s: %w", kind, ref.Name, err)
	}
	return handler, nil
}

// Names returns the registered names under a kind, for diagnostics.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories[kind]))
	for name := range r.factories[kind] {
		names = append(names, name)
	}
	return names
}
