package registry

import "sync"

// LatestWatcher buffers only the newest snapshot. A slow reader skips
// intermediate lists but always converges on the current one.
type LatestWatcher struct {
	mu     sync.Mutex
	latest []string
	ch     chan []string
}

// NewLatestWatcher returns a watcher whose C channel holds at most one pending list.
func NewLatestWatcher() *LatestWatcher {
	return &LatestWatcher{ch: make(chan []string, 1)}
}

// StreamListChanged implements Watcher.
func (w *LatestWatcher) StreamListChanged(names []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.latest = names
	select {
	case <-w.ch:
	default:
	}
	w.ch <- names
}

// C delivers snapshots.
func (w *LatestWatcher) C() <-chan []string {
	return w.ch
}

// Latest returns the most recent snapshot seen.
func (w *LatestWatcher) Latest() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}
