package streamstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"seechange-ingest/internal/domain"
)

// DefaultQueueSize bounds the number of lifecycle events awaiting persistence.
const DefaultQueueSize = 256

type eventKind int

const (
	eventStart eventKind = iota
	eventEnd
)

type event struct {
	kind   eventKind
	record domain.StreamRecord
}

// Emitter hands stream lifecycle events to a Recorder from a single background
// goroutine, so events for a stream are stored in the order they happened and
// a slow store never blocks a session. Failures are logged as persistence
// errors and otherwise ignored.
type Emitter struct {
	recorder Recorder
	logger   *slog.Logger
	timeout  time.Duration
	onError  func(error)

	mu     sync.Mutex
	closed bool
	queue  chan event
	done   chan struct{}
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	QueueSize int
	// Timeout bounds each store call.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnError observes every persistence failure, e.g. for metrics.
	OnError func(error)
}

// NewEmitter starts an emitter writing to recorder.
func NewEmitter(recorder Recorder, cfg EmitterConfig) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Emitter{
		recorder: recorder,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		onError:  cfg.OnError,
		queue:    make(chan event, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// StreamStarted queues a stream-created event.
func (e *Emitter) StreamStarted(rec domain.StreamRecord) {
	e.enqueue(event{kind: eventStart, record: rec})
}

// StreamEnded queues a stream-closed event.
func (e *Emitter) StreamEnded(streamName string, endTime time.Time) {
	e.enqueue(event{kind: eventEnd, record: domain.StreamRecord{StreamName: streamName, EndTime: &endTime}})
}

func (e *Emitter) enqueue(ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.fail(ev, fmt.Errorf("emitter closed"))
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.fail(ev, fmt.Errorf("persistence queue full"))
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		var err error
		switch ev.kind {
		case eventStart:
			err = e.recorder.InsertStreamStart(ctx, ev.record)
		case eventEnd:
			err = e.recorder.UpdateStreamEnd(ctx, ev.record.StreamName, *ev.record.EndTime)
		}
		cancel()
		if err != nil {
			e.fail(ev, err)
		}
	}
}

func (e *Emitter) fail(ev event, err error) {
	err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	op := "insert_stream_start"
	if ev.kind == eventEnd {
		op = "update_stream_end"
	}
	e.logger.Error("stream record not persisted",
		slog.String("op", op),
		slog.String("stream", ev.record.StreamName),
		slog.String("error", err.Error()))
	if e.onError != nil {
		e.onError(err)
	}
}

// Close stops accepting events and waits until queued events are written or
// ctx ends.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
