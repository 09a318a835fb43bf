package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps action names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	metadata  map[string]ActionMetadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		metadata:  make(map[string]ActionMetadata),
	}
}

// Register adds a factory under the name its actions discover.
func (r *Registry) Register(factory Factory) error {
	if factory == nil {
		return NewPermanentError("nil action factory", nil).WithCode(ErrCodeValidation)
	}

	meta := factory().Discover()
	if err := meta.Validate(); err != nil {
		return NewPermanentError("invalid action metadata", err).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[meta.Name]; exists {
		return NewConflictError(fmt.Sprintf("action %s already registered", meta.Name), nil).
			WithCode(ErrCodeValidation).
			WithResource(meta.Name)
	}

	r.factories[meta.Name] = factory
	r.metadata[meta.Name] = meta.Clone()
	return nil
}

// MustRegister registers every factory and panics on error.
func (r *Registry) MustRegister(factories ...Factory) {
	for _, f := range factories {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
}

// New returns a fresh instance of the named action.
func (r *Registry) New(name string) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, unknownAction(name)
	}
	return factory(), nil
}

// Describe returns the metadata of the named action.
func (r *Registry) Describe(name string) (ActionMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.metadata[name]
	if !ok {
		return ActionMetadata{}, unknownAction(name)
	}
	return meta.Clone(), nil
}

// List returns the metadata of every registered action sorted by name.
func (r *Registry) List() []ActionMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]ActionMetadata, 0, len(r.metadata))
	for _, meta := range r.metadata {
		list = append(list, meta.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Resolve implements ActionResolver for in-process actions.
func (r *Registry) Resolve(_ context.Context, step Step) (Action, error) {
	return r.New(step.Action)
}

func unknownAction(name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown action %q", name), nil).
		WithCode(ErrCodeUnknownAction).
		WithResource(name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
