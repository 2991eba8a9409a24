package model

import (
	"fmt"
	"sort"
	"sync"
)

// Builder constructs a fresh model from a Spec
type Builder func(spec Spec) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Builder)
)

// Register makes an architecture available under name. It panics on
// duplicates, as registration happens from init functions.
func Register(name string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("model: architecture %q registered twice", name))
	}
	registry[name] = b
}

// Build constructs a registered architecture
func Build(name string, spec Spec) (Model, error) {
	registryMu.RLock()
	b, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown model architecture %q (registered: %v)", name, Architectures())
	}
	return b(spec)
}

// Architectures lists registered architecture names
func Architectures() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
