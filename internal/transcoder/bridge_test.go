package transcoder

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seechange-ingest/internal/domain"
	"seechange-ingest/internal/framebuffer"
)

// fakeProcess is a transcoder whose stdin is an in-memory pipe. Nothing is
// read from the pipe until the test calls consume, which makes a stalled
// transcoder input easy to simulate.
type fakeProcess struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	exitOnce sync.Once
	exit     chan struct{}
	exitErr  error

	mu          sync.Mutex
	received    [][]byte
	interrupted bool
	killed      bool

	// ignoreInterrupt simulates a transcoder that hangs on shutdown.
	ignoreInterrupt bool
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{stdinR: r, stdinW: w, exit: make(chan struct{})}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Wait() error {
	<-p.exit
	return p.exitErr
}

func (p *fakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupted = true
	ignore := p.ignoreInterrupt
	p.mu.Unlock()
	if !ignore {
		p.terminate(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.terminate(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) terminate(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		_ = p.stdinR.Close()
		close(p.exit)
	})
}

// consume reads frames of frameSize bytes from stdin until the pipe closes.
func (p *fakeProcess) consume(frameSize int) {
	go func() {
		for {
			buf := make([]byte, frameSize)
			if _, err := io.ReadFull(p.stdinR, buf); err != nil {
				return
			}
			p.mu.Lock()
			p.received = append(p.received, buf)
			p.mu.Unlock()
		}
	}()
}

func (p *fakeProcess) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

type fakeLauncher struct {
	proc   *fakeProcess
	err    error
	stream string
	stderr io.Writer
}

func (l *fakeLauncher) Launch(streamName string, stderr io.Writer) (Process, error) {
	l.stream = streamName
	l.stderr = stderr
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payload(seq int64) domain.Frame {
	return domain.Frame{Sequence: seq, Payload: []byte{byte(seq), byte(seq >> 8), 0xAA, 0x55}}
}

func TestBridge_writes_frames_in_order(t *testing.T) {
	proc := newFakeProcess()
	proc.consume(4)
	buf := framebuffer.New(10)
	b := New(Config{StreamName: "user_a", Buffer: buf, Launcher: &fakeLauncher{proc: proc}, Logger: quietLogger()})
	require.NoError(t, b.Start())
	assert.Equal(t, StatusRunning, b.Status())

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, buf.Push(payload(i)))
	}

	require.Eventually(t, func() bool { return len(proc.frames()) == 3 }, 2*time.Second, 5*time.Millisecond)
	got := proc.frames()
	for i, f := range got {
		assert.Equal(t, payload(int64(i+1)).Payload, f, "frame %d", i)
	}
	assert.EqualValues(t, 3, b.Written())

	require.NoError(t, b.Stop(time.Second))
	assert.Equal(t, StatusStopped, b.Status())
	assert.True(t, proc.interrupted)
	assert.False(t, proc.killed)
}

func TestBridge_stalled_input_accumulates_in_buffer(t *testing.T) {
	proc := newFakeProcess()
	buf := framebuffer.New(100)
	b := New(Config{StreamName: "user_a", Buffer: buf, Launcher: &fakeLauncher{proc: proc}, Logger: quietLogger()})
	require.NoError(t, b.Start())

	// The first frame is popped and blocks in Write; the rest stay queued.
	require.NoError(t, buf.Push(payload(0)))
	require.Eventually(t, func() bool { return buf.Len() == 0 }, time.Second, 5*time.Millisecond)

	var full int
	for i := int64(1); i <= 150; i++ {
		if err := buf.Push(payload(i)); errors.Is(err, domain.ErrBufferFull) {
			full++
		}
	}
	assert.Equal(t, 100, buf.Len())
	assert.Equal(t, 50, full)

	snap := buf.Snapshot()
	for i, f := range snap {
		assert.Equal(t, int64(i+1), f.Sequence)
	}

	require.NoError(t, b.Stop(time.Second))
}

func TestBridge_unexpected_exit_reports_failure(t *testing.T) {
	proc := newFakeProcess()
	proc.consume(4)
	failures := make(chan error, 1)
	b := New(Config{
		StreamName: "user_a",
		Buffer:     framebuffer.New(10),
		Launcher:   &fakeLauncher{proc: proc},
		Logger:     quietLogger(),
		OnFailure:  func(err error) { failures <- err },
	})
	require.NoError(t, b.Start())

	proc.terminate(errors.New("exit status 1"))

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, domain.ErrTranscoderFailed)
		assert.Contains(t, err.Error(), "exit status 1")
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not called")
	}
	assert.Equal(t, StatusFailed, b.Status())

	// Stop after a failure releases resources without reporting again.
	require.NoError(t, b.Stop(time.Second))
	assert.Equal(t, StatusFailed, b.Status())
}

func TestBridge_Stop_kills_after_grace(t *testing.T) {
	proc := newFakeProcess()
	proc.consume(4)
	proc.ignoreInterrupt = true
	failed := false
	b := New(Config{
		StreamName: "user_a",
		Buffer:     framebuffer.New(10),
		Launcher:   &fakeLauncher{proc: proc},
		Logger:     quietLogger(),
		OnFailure:  func(error) { failed = true },
	})
	require.NoError(t, b.Start())

	start := time.Now()
	require.NoError(t, b.Stop(50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, proc.interrupted)
	assert.True(t, proc.killed)
	assert.False(t, failed, "a requested stop is not a failure")
	assert.Equal(t, StatusStopped, b.Status())
}

func TestBridge_Stop_unblocks_stalled_write(t *testing.T) {
	proc := newFakeProcess()
	buf := framebuffer.New(10)
	b := New(Config{StreamName: "user_a", Buffer: buf, Launcher: &fakeLauncher{proc: proc}, Logger: quietLogger()})
	require.NoError(t, b.Start())
	require.NoError(t, buf.Push(payload(1)))

	done := make(chan error, 1)
	go func() { done <- b.Stop(time.Second) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a stalled transcoder input")
	}
}

func TestBridge_Stop_idempotent(t *testing.T) {
	proc := newFakeProcess()
	proc.consume(4)
	b := New(Config{StreamName: "user_a", Buffer: framebuffer.New(10), Launcher: &fakeLauncher{proc: proc}, Logger: quietLogger()})
	require.NoError(t, b.Start())
	require.NoError(t, b.Stop(time.Second))
	require.NoError(t, b.Stop(time.Second))

	idle := New(Config{StreamName: "user_b", Buffer: framebuffer.New(1), Launcher: &fakeLauncher{proc: newFakeProcess()}})
	require.NoError(t, idle.Stop(time.Second))
	assert.Equal(t, StatusStopped, idle.Status())
}

func TestBridge_Start_launch_error(t *testing.T) {
	b := New(Config{
		StreamName: "user_a",
		Buffer:     framebuffer.New(10),
		Launcher:   &fakeLauncher{err: errors.New("exec: \"ffmpeg\": executable file not found")},
		Logger:     quietLogger(),
	})
	err := b.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTranscoderFailed)
	assert.Equal(t, StatusFailed, b.Status())
	assert.NoError(t, b.Stop(time.Second))
}

func TestBridge_passes_stream_name_and_stderr(t *testing.T) {
	proc := newFakeProcess()
	proc.consume(4)
	l := &fakeLauncher{proc: proc}
	b := New(Config{StreamName: "user_zed", Buffer: framebuffer.New(1), Launcher: l, Logger: quietLogger()})
	require.NoError(t, b.Start())
	defer b.Stop(time.Second)

	assert.Equal(t, "user_zed", l.stream)
	require.NotNil(t, l.stderr)
	n, err := l.stderr.Write([]byte("frame=  10 fps=25\npartial"))
	assert.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestFFmpegLauncher_Args(t *testing.T) {
	l := NewFFmpegLauncher(FFmpegConfig{OutputBase: "rtmp://media:1935/live/"})
	want := []string{
		"-framerate", "25",
		"-f", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-f", "flv",
		"rtmp://media:1935/live/user_alice",
	}
	assert.Equal(t, want, l.Args("user_alice"))
}

func TestFFmpegLauncher_Launch_requires_stream(t *testing.T) {
	_, err := NewFFmpegLauncher(FFmpegConfig{}).Launch(" ", io.Discard)
	assert.Error(t, err)
}
