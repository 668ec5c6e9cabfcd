package cache

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/c360/src/internal/errors"
)

// cacheManager is the small, non-generic control surface every *Cache[K,V]
// satisfies structurally. The registry holds values of this interface so
// it can manage heterogeneous-typed caches without runtime template
// instantiation, generalizing the teacher's payload-constructor registry
// pattern from payload types to cache instances.
type cacheManager interface {
	Clear()
	Size() int
	MaxSize() int
	Stats() Statistics
	CleanupExpired() int
}

type registryEntry struct {
	manager  cacheManager
	instance any // the concrete *Cache[K,V], returned (type-asserted) to callers
	keyType  reflect.Type
	valType  reflect.Type
}

// Registry is a named collection of type-erased cache instances. Creation
// and lookup are linearized by a single RWMutex; type-unsafe retrieval is
// rejected by comparing stored reflect.Type values before any type
// assertion occurs.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*registryEntry
}

// NewRegistry creates an empty cache registry.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*registryEntry)}
}

// Create returns the cache named name, creating it with the given capacity
// and default TTL if it does not yet exist. If a cache with this name
// already exists, Create is idempotent: it returns the existing handle
// provided the stored (K,V) type pair matches exactly, and fails with
// ErrTypeMismatch otherwise.
func Create[K comparable, V any](r *Registry, name string, capacity int, defaultTTL time.Duration) (*Cache[K, V], error) {
	keyType := reflect.TypeOf((*K)(nil)).Elem()
	valType := reflect.TypeOf((*V)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.caches[name]; ok {
		if existing.keyType != keyType || existing.valType != valType {
			return nil, errors.WrapInvalid(errors.ErrTypeMismatch, "cache.Registry", "Create",
				fmt.Sprintf("cache %q already registered with different key/value types", name))
		}
		return existing.instance.(*Cache[K, V]), nil
	}

	c, err := New[K, V](capacity, defaultTTL, nil)
	if err != nil {
		return nil, err
	}

	r.caches[name] = &registryEntry{
		manager:  c,
		instance: c,
		keyType:  keyType,
		valType:  valType,
	}
	return c, nil
}

// Get returns the existing cache named name if it exists and its type
// matches (K,V), along with whether it was found at all (and type-matched).
func Get[K comparable, V any](r *Registry, name string) (*Cache[K, V], bool) {
	keyType := reflect.TypeOf((*K)(nil)).Elem()
	valType := reflect.TypeOf((*V)(nil)).Elem()

	r.mu.RLock()
	defer r.mu.RUnlock()

	existing, ok := r.caches[name]
	if !ok {
		return nil, false
	}
	if existing.keyType != keyType || existing.valType != valType {
		return nil, false
	}
	return existing.instance.(*Cache[K, V]), true
}

// Clear clears the named cache if it exists.
func (r *Registry) Clear(name string) bool {
	r.mu.RLock()
	entry, ok := r.caches[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.manager.Clear()
	return true
}

// ClearAll clears every registered cache.
func (r *Registry) ClearAll() {
	r.mu.RLock()
	managers := make([]cacheManager, 0, len(r.caches))
	for _, e := range r.caches {
		managers = append(managers, e.manager)
	}
	r.mu.RUnlock()

	for _, m := range managers {
		m.Clear()
	}
}

// CleanupExpiredAll runs CleanupExpired on every registered cache and
// returns the total number of entries removed.
func (r *Registry) CleanupExpiredAll() int {
	r.mu.RLock()
	managers := make([]cacheManager, 0, len(r.caches))
	for _, e := range r.caches {
		managers = append(managers, e.manager)
	}
	r.mu.RUnlock()

	total := 0
	for _, m := range managers {
		total += m.CleanupExpired()
	}
	return total
}

// AllStats returns a snapshot of statistics for every registered cache,
// keyed by cache name.
func (r *Registry) AllStats() map[string]Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Statistics, len(r.caches))
	for name, e := range r.caches {
		result[name] = e.manager.Stats()
	}
	return result
}

// Names returns the names of all registered caches.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	return names
}
