// Package framebuffer provides the bounded per-session queue that sits between
// frame submission and the transcoder drain loop.
package framebuffer

import (
	"errors"
	"sync"

	"seechange-ingest/internal/domain"
)

// DefaultCapacity is the default number of frames a buffer holds.
const DefaultCapacity = 100

// ErrClosed is returned by Push after the buffer has been closed.
var ErrClosed = errors.New("frame buffer closed")

// Buffer is a bounded FIFO of frames with a drop-newest overflow policy:
// when full, the incoming frame is rejected and nothing already queued is
// evicted. It is safe for one producer and one consumer to use concurrently.
type Buffer struct {
	mu       sync.Mutex
	frames   []domain.Frame
	head     int
	count    int
	closed   bool
	accepted uint64
	dropped  uint64

	// ready holds at most one pending wake-up for the consumer.
	ready chan struct{}
}

// New returns an empty buffer holding at most capacity frames.
// If capacity <= 0, DefaultCapacity is used.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		frames: make([]domain.Frame, capacity),
		ready:  make(chan struct{}, 1),
	}
}

// Push enqueues f. It never blocks. A full buffer returns domain.ErrBufferFull.
func (b *Buffer) Push(f domain.Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.count == len(b.frames) {
		b.dropped++
		b.mu.Unlock()
		return domain.ErrBufferFull
	}
	b.frames[(b.head+b.count)%len(b.frames)] = f
	b.count++
	b.accepted++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest frame. ok is false when the buffer is empty.
func (b *Buffer) Pop() (f domain.Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return domain.Frame{}, false
	}
	f = b.frames[b.head]
	b.frames[b.head] = domain.Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.count--
	return f, true
}

// Ready is signalled after a successful Push. Consumers should drain with Pop
// until empty after each signal.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Len returns the current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return len(b.frames)
}

// Snapshot returns a copy of the queued frames, oldest first.
func (b *Buffer) Snapshot() []domain.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Frame, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.frames[(b.head+i)%len(b.frames)])
	}
	return out
}

// Stats returns the number of accepted and dropped pushes.
func (b *Buffer) Stats() (accepted, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted, b.dropped
}

// Close discards any queued frames. Later pushes fail with ErrClosed.
// Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for i := range b.frames {
		b.frames[i] = domain.Frame{}
	}
	b.head = 0
	b.count = 0
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
