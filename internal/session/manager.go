// Package session owns the per-connection streaming state machine and the
// frame buffer and transcoder bridge of every live stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"seechange-ingest/internal/domain"
	"seechange-ingest/internal/framebuffer"
	"seechange-ingest/internal/integrity"
	"seechange-ingest/internal/registry"
	"seechange-ingest/internal/transcoder"
)

// ErrUnknownSession is returned for ids that were never opened or have
// already disconnected.
var ErrUnknownSession = fmt.Errorf("%w: unknown session", domain.ErrNotAuthenticated)

// Identity is the subset of the identity verifier the manager needs.
type Identity interface {
	Login(ctx context.Context, username, password string) (string, domain.KeyMaterial, error)
	Authenticate(token string) (string, error)
	KeyMaterial(ctx context.Context, userID string) (domain.KeyMaterial, error)
}

// LifecycleEvents receives stream-created and stream-closed events for
// persistence. Implementations must not block.
type LifecycleEvents interface {
	StreamStarted(rec domain.StreamRecord)
	StreamEnded(streamName string, endTime time.Time)
}

// Notifier receives asynchronous session signals that are not replies to a
// client call.
type Notifier interface {
	// StreamFailed is called after the session's transcoder died and the
	// stream was ended. err wraps domain.ErrTranscoderFailed.
	StreamFailed(streamName string, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(streamName string, err error)

// StreamFailed implements Notifier.
func (f NotifierFunc) StreamFailed(streamName string, err error) { f(streamName, err) }

// Observer receives counters for metrics.
type Observer interface {
	FrameAccepted()
	FrameRejected(code domain.Code)
	StreamStarted()
	StreamEnded()
	TranscoderFailed()
}

type nopObserver struct{}

func (nopObserver) FrameAccepted()            {}
func (nopObserver) FrameRejected(domain.Code) {}
func (nopObserver) StreamStarted()            {}
func (nopObserver) StreamEnded()              {}
func (nopObserver) TranscoderFailed()         {}

type discardEvents struct{}

func (discardEvents) StreamStarted(domain.StreamRecord) {}
func (discardEvents) StreamEnded(string, time.Time)     {}

// Config wires a Manager to its collaborators.
type Config struct {
	Identity  Identity
	Integrity integrity.Verifier
	Registry  *registry.Registry
	Launcher  transcoder.Launcher

	// Events defaults to discarding lifecycle events.
	Events   LifecycleEvents
	Observer Observer
	Logger   *slog.Logger

	BufferCapacity int
	GracePeriod    time.Duration
	Now            func() time.Time
}

// Manager runs every connection's state machine. Sessions never share a
// buffer or a bridge; the registry is the only state they have in common.
type Manager struct {
	identity  Identity
	integrity integrity.Verifier
	registry  *registry.Registry
	launcher  transcoder.Launcher
	events    LifecycleEvents
	observer  Observer
	logger    *slog.Logger
	capacity  int
	grace     time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[domain.SessionID]*session
	// owners maps a live stream name to the session streaming it.
	owners map[string]domain.SessionID
}

type session struct {
	id        domain.SessionID
	createdAt time.Time
	notifier  Notifier
	logger    *slog.Logger

	mu         sync.Mutex
	lifecycle  *fsm.FSM
	userID     string
	keys       domain.KeyMaterial
	streamName string
	buf        *framebuffer.Buffer
	bridge     *transcoder.Bridge
}

// NewManager returns a Manager. Identity, Integrity, Registry and Launcher
// are required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Identity == nil || cfg.Integrity == nil || cfg.Registry == nil || cfg.Launcher == nil {
		return nil, errors.New("session manager requires identity, integrity, registry and launcher")
	}
	if cfg.Events == nil {
		cfg.Events = discardEvents{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = framebuffer.DefaultCapacity
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = transcoder.DefaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		identity:  cfg.Identity,
		integrity: cfg.Integrity,
		registry:  cfg.Registry,
		launcher:  cfg.Launcher,
		events:    cfg.Events,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		capacity:  cfg.BufferCapacity,
		grace:     cfg.GracePeriod,
		now:       cfg.Now,
		sessions:  make(map[domain.SessionID]*session),
		owners:    make(map[string]domain.SessionID),
	}, nil
}

// Open creates an unauthenticated session. notifier may be nil.
func (m *Manager) Open(notifier Notifier) domain.SessionID {
	id := domain.SessionID(uuid.NewString())
	if notifier == nil {
		notifier = NotifierFunc(func(string, error) {})
	}
	logger := m.logger.With(slog.String("session", string(id)))
	s := &session{
		id:        id,
		createdAt: m.now().UTC(),
		notifier:  notifier,
		logger:    logger,
		lifecycle: newLifecycle(logger),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	logger.Info("session opened")
	return id
}

// Login checks credentials and returns a token and the user's key material.
// It never changes the session state.
func (m *Manager) Login(ctx context.Context, id domain.SessionID, username, password string) (string, domain.KeyMaterial, error) {
	s, err := m.get(id)
	if err != nil {
		return "", domain.KeyMaterial{}, err
	}
	token, keys, err := m.identity.Login(ctx, username, password)
	if err != nil {
		s.logger.Info("login failed", slog.String("username", username), slog.String("error", err.Error()))
		return "", domain.KeyMaterial{}, err
	}
	s.logger.Info("login succeeded", slog.String("username", username))
	return token, keys, nil
}

// Authenticate binds the session to the user the token was issued to and
// moves it to authenticated. Re-authenticating as the same user is a no-op.
func (m *Manager) Authenticate(ctx context.Context, id domain.SessionID, token string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	userID, err := m.identity.Authenticate(token)
	if err != nil {
		s.logger.Info("authentication failed", slog.String("error", err.Error()))
		return err
	}
	keys, err := m.identity.KeyMaterial(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch stateOf(s.lifecycle) {
	case domain.StateUnauthenticated:
	case domain.StateEnded:
		return fmt.Errorf("%w: session has ended", domain.ErrAuthentication)
	default:
		if s.userID != userID {
			return fmt.Errorf("%w: session is bound to another user", domain.ErrAuthentication)
		}
		return nil
	}

	if err := s.lifecycle.Event(ctx, eventAuthenticate); err != nil {
		return fmt.Errorf("authenticate session: %w", err)
	}
	s.userID = userID
	s.keys = keys
	s.logger.Info("session authenticated", slog.String("user", userID))
	return nil
}

// StartStream launches the session's transcoder and publishes its stream.
// It returns the stream name.
func (m *Manager) StartStream(ctx context.Context, id domain.SessionID) (string, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch stateOf(s.lifecycle) {
	case domain.StateAuthenticated:
	case domain.StateStreaming:
		return "", domain.ErrAlreadyStreaming
	default:
		return "", domain.ErrNotAuthenticated
	}

	name := domain.StreamName(s.userID)
	if !m.claim(name, s.id) {
		return "", fmt.Errorf("%w: stream %s is live on another connection", domain.ErrAlreadyStreaming, name)
	}

	buf := framebuffer.New(m.capacity)
	var bridge *transcoder.Bridge
	bridge = transcoder.New(transcoder.Config{
		StreamName: name,
		Buffer:     buf,
		Launcher:   m.launcher,
		Logger:     s.logger.With(slog.String("user", s.userID)),
		OnFailure:  func(err error) { m.transcoderFailed(s, bridge, err) },
	})
	if err := bridge.Start(); err != nil {
		m.release(name, s.id)
		buf.Close()
		m.observer.TranscoderFailed()
		s.logger.Error("transcoder launch failed", slog.String("stream", name), slog.String("error", err.Error()))
		return "", err
	}

	if err := s.lifecycle.Event(ctx, eventStart); err != nil {
		m.release(name, s.id)
		buf.Close()
		go bridge.Stop(m.grace)
		return "", fmt.Errorf("start stream: %w", err)
	}
	s.streamName = name
	s.buf = buf
	s.bridge = bridge

	m.registry.Add(name)
	m.events.StreamStarted(domain.StreamRecord{
		UserID:     s.userID,
		StreamName: name,
		StartTime:  m.now().UTC(),
	})
	m.observer.StreamStarted()
	s.logger.Info("stream started", slog.String("stream", name))
	return name, nil
}

// SubmitFrame verifies frame and queues it for the transcoder. Verification
// runs before the frame is queued so an unverified frame is never visible in
// the buffer. A full buffer rejects the frame with domain.ErrBufferFull.
func (m *Manager) SubmitFrame(id domain.SessionID, frame domain.Frame) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	state := stateOf(s.lifecycle)
	buf, keys, logger := s.buf, s.keys, s.logger
	s.mu.Unlock()

	switch state {
	case domain.StateStreaming:
	case domain.StateUnauthenticated:
		return domain.ErrNotAuthenticated
	default:
		return domain.ErrNotStreaming
	}

	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = m.now().UTC()
	}
	if err := m.integrity.Verify(frame, keys); err != nil {
		m.observer.FrameRejected(domain.CodeOf(err))
		logger.Debug("frame rejected", slog.Int64("sequence", frame.Sequence), slog.String("error", err.Error()))
		return err
	}

	switch err := buf.Push(frame); {
	case err == nil:
		m.observer.FrameAccepted()
		return nil
	case errors.Is(err, framebuffer.ErrClosed):
		return domain.ErrNotStreaming
	default:
		m.observer.FrameRejected(domain.CodeOf(err))
		logger.Warn("frame dropped", slog.Int64("sequence", frame.Sequence), slog.String("error", err.Error()))
		return err
	}
}

// SubmitBatch submits frames in order and returns one result per frame.
func (m *Manager) SubmitBatch(id domain.SessionID, frames []domain.Frame) []error {
	results := make([]error, len(frames))
	for i, f := range frames {
		results[i] = m.SubmitFrame(id, f)
	}
	return results
}

// StopStream ends the session's stream. Stopping an ended session is a
// no-op that returns an empty name.
func (m *Manager) StopStream(id domain.SessionID) (string, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	switch stateOf(s.lifecycle) {
	case domain.StateStreaming:
	case domain.StateEnded:
		s.mu.Unlock()
		return "", nil
	case domain.StateUnauthenticated:
		s.mu.Unlock()
		return "", domain.ErrNotAuthenticated
	default:
		s.mu.Unlock()
		return "", domain.ErrNotStreaming
	}
	name, bridge := m.endLocked(s, eventStop, "stopped")
	s.mu.Unlock()

	m.stopBridge(s, bridge)
	return name, nil
}

// Disconnect tears the session down from any state and forgets it. Unknown
// ids are ignored.
func (m *Manager) Disconnect(id domain.SessionID) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	var bridge *transcoder.Bridge
	switch stateOf(s.lifecycle) {
	case domain.StateStreaming:
		_, bridge = m.endLocked(s, eventDisconnect, "disconnected")
	case domain.StateEnded:
	default:
		_ = s.lifecycle.Event(context.Background(), eventDisconnect)
	}
	s.mu.Unlock()

	m.stopBridge(s, bridge)
	s.logger.Info("session closed")
}

// endLocked moves a streaming session to ended and withdraws its stream. It
// returns the bridge, which the caller stops after releasing s.mu. The caller
// must hold s.mu and have checked the session is streaming.
func (m *Manager) endLocked(s *session, event, reason string) (string, *transcoder.Bridge) {
	if err := s.lifecycle.Event(context.Background(), event); err != nil {
		s.logger.Error("session transition failed", slog.String("event", event), slog.String("error", err.Error()))
		s.lifecycle.SetState(string(domain.StateEnded))
	}

	name, buf, bridge := s.streamName, s.buf, s.bridge
	s.buf = nil
	s.bridge = nil

	buf.Close()
	m.registry.Remove(name)
	m.release(name, s.id)
	m.events.StreamEnded(name, m.now().UTC())
	m.observer.StreamEnded()
	s.logger.Info("stream ended", slog.String("stream", name), slog.String("reason", reason))
	return name, bridge
}

func (m *Manager) stopBridge(s *session, b *transcoder.Bridge) {
	if b == nil {
		return
	}
	if err := b.Stop(m.grace); err != nil {
		s.logger.Warn("transcoder stop", slog.String("error", err.Error()))
	}
}

// transcoderFailed ends a stream whose transcoder died. It runs on the
// bridge's goroutine.
func (m *Manager) transcoderFailed(s *session, b *transcoder.Bridge, err error) {
	s.mu.Lock()
	if b == nil || s.bridge != b || stateOf(s.lifecycle) != domain.StateStreaming {
		s.mu.Unlock()
		s.logger.Debug("ignoring failure of a retired transcoder", slog.String("error", err.Error()))
		return
	}
	name, bridge := m.endLocked(s, eventStop, "transcoder failed")
	s.mu.Unlock()

	m.observer.TranscoderFailed()

	m.stopBridge(s, bridge)
	s.notifier.StreamFailed(name, err)
}

// Get returns a copy of the session's current state.
func (m *Manager) Get(id domain.SessionID) (domain.Session, bool) {
	s, err := m.get(id)
	if err != nil {
		return domain.Session{}, false
	}
	return s.view(), true
}

// Sessions returns every open session ordered by creation time.
func (m *Manager) Sessions() []domain.Session {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]domain.Session, 0, len(all))
	for _, s := range all {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown disconnects every session, stopping transcoders in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]domain.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.Disconnect(id)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(id domain.SessionID) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (m *Manager) claim(name string, id domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.owners[name]; ok && owner != id {
		return false
	}
	m.owners[name] = id
	return true
}

func (m *Manager) release(name string, id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[name] == id {
		delete(m.owners, name)
	}
}

func (s *session) view() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Session{
		ID:         s.id,
		UserID:     s.userID,
		State:      stateOf(s.lifecycle),
		StreamName: s.streamName,
		CreatedAt:  s.createdAt,
	}
}
