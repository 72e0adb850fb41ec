// Package transcoder owns the external transcoding process of a live stream
// and feeds it verified frames from the stream's frame buffer.
package transcoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"seechange-ingest/internal/domain"
	"seechange-ingest/internal/framebuffer"
)

// DefaultGracePeriod is how long Stop waits for a graceful exit before killing.
const DefaultGracePeriod = 5 * time.Second

// Status is the lifecycle position of a bridge.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Config configures a Bridge.
type Config struct {
	StreamName string
	Buffer     *framebuffer.Buffer
	Launcher   Launcher
	Logger     *slog.Logger

	// OnFailure is called once, from the bridge's own goroutine, when the
	// process exits or breaks its input while the bridge is running. The error
	// wraps domain.ErrTranscoderFailed.
	OnFailure func(err error)
}

// Bridge connects one frame buffer to one transcoder process.
type Bridge struct {
	stream    string
	buf       *framebuffer.Buffer
	launcher  Launcher
	logger    *slog.Logger
	onFailure func(error)

	status  atomic.Int32
	proc    Process
	stderr  *logWriter
	written atomic.Uint64

	quit     chan struct{}
	quitOnce sync.Once
	drained  chan struct{}
	exited   chan struct{}
	exitErr  error
}

// New returns an idle bridge. Call Start to launch the process.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		stream:    cfg.StreamName,
		buf:       cfg.Buffer,
		launcher:  cfg.Launcher,
		logger:    logger.With(slog.String("stream", cfg.StreamName)),
		onFailure: cfg.OnFailure,
		quit:      make(chan struct{}),
		drained:   make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Start launches the transcoder and begins draining the buffer.
func (b *Bridge) Start() error {
	if b.buf == nil || b.launcher == nil {
		return fmt.Errorf("%w: bridge requires a buffer and a launcher", domain.ErrTranscoderFailed)
	}
	if !b.status.CompareAndSwap(int32(StatusIdle), int32(StatusRunning)) {
		return fmt.Errorf("bridge already started")
	}

	b.stderr = newLogWriter(b.logger)
	proc, err := b.launcher.Launch(b.stream, b.stderr)
	if err != nil {
		b.status.Store(int32(StatusFailed))
		close(b.drained)
		close(b.exited)
		return fmt.Errorf("%w: %v", domain.ErrTranscoderFailed, err)
	}
	b.proc = proc
	b.logger = b.logger.With(slog.Int("pid", proc.Pid()))
	b.stderr.setLogger(b.logger)
	b.logger.Info("transcoder started")

	go b.drain()
	go b.wait()
	return nil
}

// drain moves frames from the buffer to the process input in order. A blocked
// write stalls the loop while new frames collect in the bounded buffer.
func (b *Bridge) drain() {
	defer close(b.drained)
	stdin := b.proc.Stdin()

	for {
		select {
		case <-b.quit:
			return
		case <-b.exited:
			return
		case <-b.buf.Ready():
		}

		for {
			select {
			case <-b.quit:
				return
			default:
			}
			f, ok := b.buf.Pop()
			if !ok {
				break
			}
			if _, err := stdin.Write(f.Payload); err != nil {
				if b.Status() == StatusRunning {
					b.logger.Warn("transcoder input write failed",
						slog.Int64("sequence", f.Sequence),
						slog.String("error", err.Error()))
					_ = b.proc.Kill()
				}
				return
			}
			b.written.Add(1)
		}
	}
}

// wait observes process exit. An exit while running is a failure.
func (b *Bridge) wait() {
	err := b.proc.Wait()
	b.stderr.Flush()
	b.exitErr = err
	close(b.exited)

	if !b.status.CompareAndSwap(int32(StatusRunning), int32(StatusFailed)) {
		b.logger.Info("transcoder exited", slog.Any("exit", err))
		return
	}

	b.quitOnce.Do(func() { close(b.quit) })
	reason := "exited"
	if err != nil {
		reason = err.Error()
	}
	failure := fmt.Errorf("%w: process %s", domain.ErrTranscoderFailed, reason)
	b.logger.Error("transcoder exited unexpectedly", slog.String("error", reason))
	if b.onFailure != nil {
		b.onFailure(failure)
	}
}

// Stop ends the stream: it stops draining, closes the process input to
// signal end-of-stream, requests graceful termination and kills the process
// if it has not exited within grace. Stop is idempotent.
func (b *Bridge) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if b.status.CompareAndSwap(int32(StatusIdle), int32(StatusStopped)) {
		return nil
	}
	if Status(b.status.Load()) == StatusFailed {
		b.quitOnce.Do(func() { close(b.quit) })
		if b.proc != nil {
			_ = b.proc.Stdin().Close()
		}
		return nil
	}
	if !b.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return nil
	}
	defer b.status.Store(int32(StatusStopped))

	b.quitOnce.Do(func() { close(b.quit) })
	closeErr := b.proc.Stdin().Close()
	<-b.drained

	if err := b.proc.Interrupt(); err != nil && !isExited(b.exited) {
		b.logger.Debug("transcoder interrupt failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-b.exited:
		b.logger.Info("transcoder stopped", slog.Uint64("frames_written", b.written.Load()))
		return nil
	case <-timer.C:
	}

	b.logger.Warn("transcoder did not exit within grace period, killing",
		slog.Duration("grace", grace))
	killErr := b.proc.Kill()
	<-b.exited
	if errors.Is(killErr, os.ErrProcessDone) {
		killErr = nil
	}
	return errors.Join(ignoreClosed(closeErr), killErr)
}

// Status returns the current lifecycle status.
func (b *Bridge) Status() Status {
	return Status(b.status.Load())
}

// Written returns the number of frames handed to the process.
func (b *Bridge) Written() uint64 {
	return b.written.Load()
}

// Done is closed once the process has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.exited
}

// ExitErr returns the process exit error once Done is closed.
func (b *Bridge) ExitErr() error {
	<-b.exited
	return b.exitErr
}

func isExited(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func ignoreClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
