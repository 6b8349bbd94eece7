package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MapFunc maps a mutation to event fields. Returning ok=false declines the
// mutation; no record is produced.
type MapFunc func(ctx context.Context, mutation Mutation) (fields Fields, ok bool, err error)

// Registry holds one MapFunc per watched entity. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	mappers map[string]MapFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mappers: make(map[string]MapFunc)}
}

// Register watches entity with mapFn.
func (registry *Registry) Register(entity string, mapFn MapFunc) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	entity = strings.TrimSpace(entity)
	if entity == "" {
		return ErrEntityRequired
	}

	if mapFn == nil {
		return ErrMapFuncRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.mappers == nil {
		registry.mappers = make(map[string]MapFunc)
	}

	if _, exists := registry.mappers[entity]; exists {
		return fmt.Errorf("%w: %s", ErrMapperAlreadyRegistered, entity)
	}

	registry.mappers[entity] = mapFn

	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (registry *Registry) MustRegister(entity string, mapFn MapFunc) {
	if err := registry.Register(entity, mapFn); err != nil {
		panic(err)
	}
}

// Lookup returns the mapping function registered for entity.
func (registry *Registry) Lookup(entity string) (MapFunc, bool) {
	if registry == nil {
		return nil, false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	mapFn, ok := registry.mappers[entity]

	return mapFn, ok
}

// Watched reports whether entity has a registered mapping function.
func (registry *Registry) Watched(entity string) bool {
	_, ok := registry.Lookup(entity)

	return ok
}

// Entities returns the watched entity names in sorted order.
func (registry *Registry) Entities() []string {
	if registry == nil {
		return nil
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	out := make([]string, 0, len(registry.mappers))
	for entity := range registry.mappers {
		out = append(out, entity)
	}

	sort.Strings(out)

	return out
}
