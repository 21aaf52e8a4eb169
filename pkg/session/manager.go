package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/bridge"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/tools"
	"github.com/teslashibe/go-porter/pkg/turn"
)

// Defaults for Config.
const (
	DefaultLinkBudget      = 10 * time.Second
	DefaultDisconnectGrace = 2 * time.Second
	DefaultDrainTimeout    = 5 * time.Second
)

// Config wires a Manager to its collaborators.
type Config struct {
	// Transport is the doorbell audio path shared by all calls.
	Transport Transport

	// Link creates one voice link per call.
	Link LinkFactory

	// Dispatcher runs tool calls. Its registry must include the voice tools.
	Dispatcher *tools.Dispatcher

	Turn     turn.Config
	Playback bridge.PlaybackConfig

	// LinkBudget bounds opening the transport and the voice link handshake.
	LinkBudget time.Duration

	// DisconnectGrace is how long disconnect_voice waits before draining
	// playback, so a goodbye still being generated can arrive.
	DisconnectGrace time.Duration

	// DrainTimeout bounds the wait for queued playback on disconnect.
	DrainTimeout time.Duration

	// Prompt builds the first conversation item. Optional.
	Prompt PromptFunc

	// Publisher receives dashboard events. Optional.
	Publisher Publisher

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Validate checks that the required collaborators are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if c.Link == nil {
		errs = append(errs, errors.New("link factory is required"))
	}
	if c.Dispatcher == nil {
		errs = append(errs, errors.New("dispatcher is required"))
	}
	turnCfg := c.Turn
	if turnCfg.BargeIn == "" {
		turnCfg.BargeIn = turn.BargeInInterrupt
	}
	if err := turnCfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: invalid config: %w", err)
	}
	return nil
}

// Manager is the session registry. It accepts rings and owns the
// transport lock.
type Manager struct {
	cfg    Config
	lock   *TransportLock
	logger *slog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *Session
	shutdown bool
	wg       sync.WaitGroup
}

// NewManager creates a manager with no call in progress.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LinkBudget <= 0 {
		cfg.LinkBudget = DefaultLinkBudget
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/teslashibe/go-porter/pkg/session")
	}
	cfg.Turn.Logger = cfg.Logger
	cfg.Playback.Logger = cfg.Logger

	ctx, cancel := context.WithCancel(context.Background())
	metrics.SetSessionState(stateNames, Idle.String())

	return &Manager{
		cfg:    cfg,
		lock:   NewTransportLock(),
		logger: cfg.Logger.With("component", "session"),
		tracer: cfg.Tracer,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// NotifyRing handles a ring. It starts a new call when none is in
// progress and returns ErrSessionBusy otherwise. The call runs in the
// background; ctx only scopes the ring itself.
func (m *Manager) NotifyRing(ctx context.Context, ev RingEvent) (Decision, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		metrics.RingsTotal.WithLabelValues("error").Inc()
		return Decision{}, ErrShutdown
	}
	if cur := m.current; cur != nil && cur.State() != Terminated {
		m.mu.Unlock()
		metrics.RingsTotal.WithLabelValues("busy").Inc()
		m.logger.Info("ring rejected, call in progress", "device", ev.DeviceID, "session_id", cur.ID)
		m.publish(protocol.NewRingMessage(protocol.RingData{
			DeviceID: ev.DeviceID,
			Model:    ev.Model,
			Message:  ev.Message,
			Reason:   "busy",
		}))
		return Decision{Accepted: false, SessionID: cur.ID}, ErrSessionBusy
	}

	s := newSession(m, uuid.NewString(), ev)
	m.current = s
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.RingsTotal.WithLabelValues("accepted").Inc()
	m.logger.Info("ring accepted", "device", ev.DeviceID, "session_id", s.ID, "message", ev.Message)
	m.publish(protocol.NewRingMessage(protocol.RingData{
		DeviceID:  ev.DeviceID,
		Model:     ev.Model,
		Message:   ev.Message,
		Accepted:  true,
		SessionID: s.ID,
	}))

	go func() {
		defer m.wg.Done()
		s.run(m.ctx, trace.LinkFromContext(ctx))
	}()
	return Decision{Accepted: true, SessionID: s.ID}, nil
}

// Current returns the call in progress, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.State() == Terminated {
		return nil
	}
	return m.current
}

// Last returns the most recent call, terminated or not.
func (m *Manager) Last() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Lock exposes the transport lock for status reporting.
func (m *Manager) Lock() *TransportLock {
	return m.lock
}

// Dispatcher returns the tool dispatcher.
func (m *Manager) Dispatcher() *tools.Dispatcher {
	return m.cfg.Dispatcher
}

// Tools lists the registered tool definitions.
func (m *Manager) Tools() []tools.Definition {
	return m.cfg.Dispatcher.Registry().Definitions()
}

// Dispatch runs a tool call outside the voice link, against the active call
// if there is one. The result is returned to the caller only.
func (m *Manager) Dispatch(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCallResult {
	var voice tools.VoiceControl
	s := m.Current()
	if s != nil && s.State() == Active {
		voice = s
	}
	m.publish(protocol.NewToolCallMessage(req))
	res := m.cfg.Dispatcher.Dispatch(ctx, req, voice)
	m.publish(protocol.NewToolResultMessage(res))
	if voice != nil && res.EndCall && res.OK() {
		s.endCall()
	}
	return res
}

// Status reports the current call.
func (m *Manager) Status() Status {
	if s := m.Current(); s != nil {
		st := s.Status()
		st.LockHolder = m.lock.Holder()
		return st
	}
	return Status{State: Idle.String(), LockHolder: m.lock.Holder()}
}

// Shutdown stops accepting rings, ends the call in progress and waits for
// it to terminate or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("session manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(msg *protocol.Message, err error) {
	if m.cfg.Publisher == nil {
		return
	}
	if err != nil {
		m.logger.Warn("failed to build event", "error", err)
		return
	}
	m.cfg.Publisher.Publish(msg)
}
