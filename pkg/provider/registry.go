package provider

import (
	"fmt"
	"sync"

	"github.com/openuds/engine/pkg/types"
)

// Factory builds a driver from a Provider row. The row's data payload
// carries the driver configuration (endpoint, credentials).
type Factory func(prov *types.Provider) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a driver factory under its type name. Drivers register
// at program start; a duplicate name is a programming error.
func Register(typeName string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typeName]; dup {
		panic(fmt.Sprintf("provider driver %q registered twice", typeName))
	}
	registry[typeName] = factory
}

// Build constructs the driver for a Provider row from the registry.
func Build(prov *types.Provider) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[prov.TypeName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", prov.TypeName)
	}
	return factory(prov)
}

// Types returns the registered driver type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
