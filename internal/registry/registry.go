// Package registry keeps the process-wide set of live stream names and fans
// every change out to watchers as a full snapshot.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Watcher receives the complete, sorted list of live stream names after every
// registry mutation. Implementations must not block.
type Watcher interface {
	StreamListChanged(names []string)
}

// WatcherFunc adapts a function to Watcher.
type WatcherFunc func(names []string)

// StreamListChanged implements Watcher.
func (f WatcherFunc) StreamListChanged(names []string) { f(names) }

// Registry is a concurrency-safe set of live stream names. Writers are
// serialized; Snapshot reads an immutable slice without locking.
type Registry struct {
	mu       sync.Mutex
	live     map[string]struct{}
	snapshot atomic.Pointer[[]string]

	watchers map[uint64]Watcher
	nextID   uint64
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{
		live:     make(map[string]struct{}),
		watchers: make(map[uint64]Watcher),
	}
	empty := []string{}
	r.snapshot.Store(&empty)
	return r
}

// Add marks name as live. Adding a name that is already live is a no-op and
// does not broadcast. It reports whether the set changed.
func (r *Registry) Add(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[name]; ok {
		return false
	}
	r.live[name] = struct{}{}
	r.publishLocked()
	return true
}

// Remove marks name as no longer live. Removing an unknown name is a no-op.
// It reports whether the set changed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[name]; !ok {
		return false
	}
	delete(r.live, name)
	r.publishLocked()
	return true
}

// Snapshot returns the sorted live names. The returned slice must not be modified.
func (r *Registry) Snapshot() []string {
	return *r.snapshot.Load()
}

// Contains reports whether name is live.
func (r *Registry) Contains(name string) bool {
	for _, n := range r.Snapshot() {
		if n == name {
			return true
		}
	}
	return false
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// Subscribe registers w and immediately delivers the current snapshot to it.
// The returned function removes the subscription.
func (r *Registry) Subscribe(w Watcher) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = w
	w.StreamListChanged(r.Snapshot())
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
}

// publishLocked rebuilds the snapshot and broadcasts it.
// Caller must hold r.mu; broadcasts therefore arrive in mutation order.
func (r *Registry) publishLocked() {
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	sort.Strings(names)
	r.snapshot.Store(&names)

	for _, w := range r.watchers {
		w.StreamListChanged(names)
	}
}
