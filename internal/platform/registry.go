// registry.go implements Registry, which stores Publisher builder functions
// keyed by platform. Platform subpackages register themselves from init().
package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Builder is a function that constructs a Publisher
type Builder func(settings *Settings) (Publisher, error)

// Registry manages available platform implementations
type Registry struct {
	mu       sync.RWMutex
	builders map[Kind]Builder
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[Kind]Builder),
	}
}

// Register adds a builder for a platform
func (r *Registry) Register(kind Kind, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Build creates a publisher for the given settings
func (r *Registry) Build(settings *Settings) (Publisher, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	builder, found := r.builders[settings.Kind]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPlatformUnavailable, settings.Kind)
	}

	return builder(settings)
}

// Kinds returns all registered platforms, sorted
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Has checks if a platform is registered
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.builders[kind]
	return found
}

// GlobalRegistry is the default registry
var GlobalRegistry = NewRegistry()

// RegisterPublisher adds a builder to the global registry
func RegisterPublisher(kind Kind, builder Builder) {
	GlobalRegistry.Register(kind, builder)
}

// BuildPublisher creates a publisher using the global registry
func BuildPublisher(settings *Settings) (Publisher, error) {
	return GlobalRegistry.Build(settings)
}
