package plugin

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry maps plugin names to factories of a single kind. Reads are
// lock-free against an immutable snapshot; writers copy the map and swap the
// pointer, so plugins can be installed or removed while tasks are firing.
type Registry[F any] struct {
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[map[string]F]
}

// NewRegistry returns an empty registry.
func NewRegistry[F any]() *Registry[F] {
	r := new(Registry[F])
	empty := make(map[string]F)
	r.entries.Store(&empty)
	return r
}

// Register installs factory under name, replacing any previous entry.
func (r *Registry[F]) Register(name string, factory F) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := maps.Clone(*r.entries.Load())
	next[name] = factory
	r.entries.Store(&next)
}

// Unregister removes name. It reports whether an entry was present.
func (r *Registry[F]) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.entries.Load()
	if _, ok := cur[name]; !ok {
		return false
	}
	next := maps.Clone(cur)
	delete(next, name)
	r.entries.Store(&next)
	return true
}

// Lookup returns the factory registered under name. A missing plugin is a
// normal condition, not an error.
func (r *Registry[F]) Lookup(name string) (F, bool) {
	f, ok := (*r.entries.Load())[name]
	return f, ok
}

// Names returns the registered plugin names in sorted order.
func (r *Registry[F]) Names() []string {
	names := slices.Collect(maps.Keys(*r.entries.Load()))
	slices.Sort(names)
	return names
}

// Len returns the number of registered plugins.
func (r *Registry[F]) Len() int { return len(*r.entries.Load()) }

// Registries groups one registry per task kind.
type Registries struct {
	Monitors   *Registry[MonitorFactory]
	Collectors *Registry[CollectorFactory]
	Scanners   *Registry[ScannerFactory]
	Detectors  *Registry[DetectorFactory]
	Listeners  *Registry[ListenerFactory]
	Connectors *Registry[ListenerFactory]
}

// NewRegistries returns a set of empty registries.
func NewRegistries() *Registries {
	return &Registries{
		Monitors:   NewRegistry[MonitorFactory](),
		Collectors: NewRegistry[CollectorFactory](),
		Scanners:   NewRegistry[ScannerFactory](),
		Detectors:  NewRegistry[DetectorFactory](),
		Listeners:  NewRegistry[ListenerFactory](),
		Connectors: NewRegistry[ListenerFactory](),
	}
}
