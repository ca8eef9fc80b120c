// factory.go keeps the table of media store backends. Each backend package
// registers itself from init, so a binary only carries the SDKs it imports.
package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/relaypost/relaypost/internal/config"
)

// FactoryFunc builds a backend from configuration.
type FactoryFunc func(*config.Config) (Storage, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register adds a backend under name. Registering the same name twice
// replaces the earlier factory.
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend named by storage.default_backend.
func NewStorage(cfg *config.Config) (Storage, error) {
	name := cfg.Storage.DefaultBackend
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported media store backend %q (registered: %s)", name, strings.Join(Backends(), ", "))
	}

	store, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s media store: %w", name, err)
	}
	return store, nil
}
