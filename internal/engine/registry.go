package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StorageFactory builds a fresh storage engine.
type StorageFactory func() StorageEngine

// ServingFactory builds a fresh serving engine.
type ServingFactory func() ServingEngine

// Built-in engine names.
const (
	LocalFiles = "local_files"
	Echo       = "echo"
)

// Registry maps engine names to factories. It is populated once at startup.
type Registry struct {
	mu      sync.RWMutex
	storage map[string]StorageFactory
	serving map[string]ServingFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		storage: make(map[string]StorageFactory),
		serving: make(map[string]ServingFactory),
	}
}

// DefaultRegistry returns a registry holding the built-in engines.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterStorage(LocalFiles, func() StorageEngine { return &LocalFilesEngine{} })
	r.RegisterServing(Echo, func() ServingEngine { return &EchoEngine{} })
	return r
}

// RegisterStorage adds or replaces a storage engine factory.
func (r *Registry) RegisterStorage(name string, f StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[name] = f
}

// RegisterServing adds or replaces a serving engine factory.
func (r *Registry) RegisterServing(name string, f ServingFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serving[name] = f
}

// StorageNames returns the registered storage engine names, sorted.
func (r *Registry) StorageNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.storage))
	for n := range r.storage {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ServingNames returns the registered serving engine names, sorted.
func (r *Registry) ServingNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.serving))
	for n := range r.serving {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadStorage instantiates the named storage engines, validates their
// options and prepares them. Any failure aborts the whole load.
func (r *Registry) LoadStorage(ctx context.Context, names []string, options map[string]map[string]any) (map[string]StorageEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]StorageEngine, len(names))
	for _, name := range names {
		f, ok := r.storage[name]
		if !ok {
			return nil, fmt.Errorf("storage engine %q: %w", name, ErrUnknownEngine)
		}
		e := f()
		if err := e.ValidateEngineOptions(options[name]); err != nil {
			return nil, fmt.Errorf("storage engine %q options: %w", name, err)
		}
		if err := e.Prepare(ctx); err != nil {
			return nil, fmt.Errorf("storage engine %q prepare: %w", name, err)
		}
		out[name] = e
	}
	return out, nil
}

// LoadServing instantiates the named serving engines, validates their
// options and prepares them. Any failure aborts the whole load.
func (r *Registry) LoadServing(ctx context.Context, names []string, options map[string]map[string]any) (map[string]ServingEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServingEngine, len(names))
	for _, name := range names {
		f, ok := r.serving[name]
		if !ok {
			return nil, fmt.Errorf("serving engine %q: %w", name, ErrUnknownEngine)
		}
		e := f()
		if err := e.ValidateEngineOptions(options[name]); err != nil {
			return nil, fmt.Errorf("serving engine %q options: %w", name, err)
		}
		if err := e.Prepare(ctx); err != nil {
			return nil, fmt.Errorf("serving engine %q prepare: %w", name, err)
		}
		out[name] = e
	}
	return out, nil
}
