package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/bridge"
	"github.com/teslashibe/go-porter/pkg/conversation"
	"github.com/teslashibe/go-porter/pkg/protocol"
	"github.com/teslashibe/go-porter/pkg/tools"
	"github.com/teslashibe/go-porter/pkg/turn"
)

// Voice tool answers.
const (
	VoiceConnected        = "Two-way voice communication established."
	VoiceAlreadyConnected = "Two-way voice communication is already established."
	VoiceDisconnected     = "Voice communication disconnected successfully - END"
)

// Session is one doorbell call.
type Session struct {
	ID        string
	CreatedAt time.Time
	Ring      RingEvent

	m      *Manager
	logger *slog.Logger

	mu       sync.RWMutex
	state    State
	cause    error
	link     conversation.Provider
	turn     *turn.Controller
	capture  *bridge.Capture
	playback *bridge.Playback
	ctx      context.Context

	// voiceMu serializes connect_voice and disconnect_voice.
	voiceMu sync.Mutex
	voiceOn atomic.Bool

	hangup     chan struct{}
	hangupOnce sync.Once
	// linkFailed carries a service error that leaves the link unusable.
	linkFailed chan error
	done       chan struct{}
}

// Status is a point-in-time view of a call.
type Status struct {
	SessionID      string                `json:"session_id,omitempty"`
	State          string                `json:"state"`
	Turn           string                `json:"turn,omitempty"`
	VoiceConnected bool                  `json:"voice_connected"`
	DeviceID       string                `json:"device_id,omitempty"`
	StartedAt      time.Time             `json:"started_at,omitzero"`
	Error          string                `json:"error,omitempty"`
	LockHolder     string                `json:"lock_holder,omitempty"`
	Capture        *bridge.CaptureStats  `json:"capture,omitempty"`
	Playback       *bridge.PlaybackStats `json:"playback,omitempty"`
}

func newSession(m *Manager, id string, ev RingEvent) *Session {
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		Ring:      ev,
		m:         m,
		logger:    m.logger.With("session_id", id),
		state:     Ringing,
		ctx:       context.Background(),
		hangup:     make(chan struct{}),
		linkFailed: make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that ended the call, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// Done is closed once the session is Terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// TurnState returns the turn state, or Idle before the call is set up.
func (s *Session) TurnState() turn.State {
	s.mu.RLock()
	ctrl := s.turn
	s.mu.RUnlock()
	if ctrl == nil {
		return turn.Idle
	}
	return ctrl.State()
}

// VoiceConnected reports whether inbound audio is forwarded to the link.
func (s *Session) VoiceConnected() bool {
	return s.voiceOn.Load()
}

// Status reports the call.
func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		SessionID:      s.ID,
		State:          s.state.String(),
		VoiceConnected: s.voiceOn.Load(),
		DeviceID:       s.Ring.DeviceID,
		StartedAt:      s.CreatedAt,
	}
	if s.cause != nil {
		st.Error = s.cause.Error()
	}
	ctrl, capture, playback := s.turn, s.capture, s.playback
	s.mu.RUnlock()

	if ctrl != nil {
		st.Turn = ctrl.State().String()
	}
	if capture != nil {
		cs := capture.Stats()
		st.Capture = &cs
	}
	if playback != nil {
		ps := playback.Stats()
		st.Playback = &ps
	}
	return st
}

// setState moves the state machine. Only the session goroutine calls it.
func (s *Session) setState(to State, cause error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if cause != nil && s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()

	if to == Terminated {
		metrics.SetSessionState(stateNames, Idle.String())
	} else {
		metrics.SetSessionState(stateNames, to.String())
	}
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	trace.SpanFromContext(ctx).AddEvent("state", trace.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	s.logger.Info("session state", "from", from, "to", to, "error", cause)
	s.m.publish(protocol.NewSessionStateMessage(s.ID, from.String(), to.String(), cause))
}

func (s *Session) run(base context.Context, ring trace.Link) {
	ctx, span := s.m.tracer.Start(base, "porter.session",
		trace.WithLinks(ring),
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("doorbell.device", s.Ring.DeviceID),
		),
	)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	outcome, err := s.call(ctx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("session.outcome", outcome))

	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	metrics.SessionDuration.Observe(time.Since(s.CreatedAt).Seconds())

	s.m.lock.Release(s.ID)
	s.setState(Terminated, err)
	span.End()
	close(s.done)
	s.logger.Info("session ended", "outcome", outcome, "duration", time.Since(s.CreatedAt).Round(time.Millisecond))
}

// call drives the session from Ringing until everything is torn down and
// returns the outcome label and the fatal error, if any.
func (s *Session) call(ctx context.Context) (string, error) {
	if !s.m.lock.TryAcquire(s.ID) {
		return "transport_failed", fmt.Errorf("%w by %s", ErrTransportLocked, s.m.lock.Holder())
	}
	s.setState(LinkEstablishing, nil)

	link, outcome, err := s.establish(ctx)
	if err != nil {
		// LinkEstablishing goes straight to Terminated.
		s.logger.Error("call setup failed", "error", err)
		return outcome, err
	}

	ctrl := s.turn
	ctrl.Reset()
	s.setState(Active, nil)

	err = s.stream(ctx, link)
	outcome = classify(err)

	var fatal error
	if !errors.Is(err, errHangup) {
		fatal = err
	}
	s.setState(Disconnecting, fatal)

	s.teardown(link)
	return outcome, fatal
}

// establish opens the transport, builds the streams and connects the link
// within the link budget. On failure everything opened is closed again.
func (s *Session) establish(ctx context.Context) (conversation.Provider, string, error) {
	cfg := s.m.cfg
	setupCtx, cancel := context.WithTimeout(ctx, cfg.LinkBudget)
	defer cancel()

	src, sink, err := cfg.Transport.Open(setupCtx)
	if err != nil {
		s.teardown(nil)
		return nil, "transport_failed", fmt.Errorf("session: open transport: %w", err)
	}

	ctrl, err := turn.NewController(cfg.Turn)
	if err != nil {
		s.teardown(nil)
		return nil, "transport_failed", err
	}
	capture := bridge.NewCapture(src, ctrl, s.logger)
	playback := bridge.NewPlayback(sink, ctrl, cfg.Playback)

	link, err := cfg.Link(setupCtx, s.Ring)
	if err != nil {
		s.teardown(nil)
		return nil, "link_failed", fmt.Errorf("session: create link: %w", err)
	}

	s.mu.Lock()
	s.link, s.turn, s.capture, s.playback = link, ctrl, capture, playback
	s.mu.Unlock()

	s.wire(link, ctrl, playback)

	if err := link.Connect(setupCtx); err != nil {
		s.teardown(link)
		return nil, "link_failed", fmt.Errorf("session: connect link: %w", err)
	}

	if err := src.Start(setupCtx); err != nil {
		s.teardown(link)
		return nil, "transport_failed", fmt.Errorf("session: start capture: %w", err)
	}
	if err := sink.Start(setupCtx); err != nil {
		s.teardown(link)
		return nil, "transport_failed", fmt.Errorf("session: start backchannel: %w", err)
	}
	return link, "", nil
}

// wire registers the link and turn callbacks. Link callbacks run on the
// link's receive loop and must not block.
func (s *Session) wire(link conversation.Provider, ctrl *turn.Controller, playback *bridge.Playback) {
	link.OnAudio(playback.Enqueue)
	link.OnAudioDone(playback.EndTurn)

	link.OnSpeechStarted(func() {
		ctrl.RemoteSpeechStarted(time.Now())
	})
	link.OnSpeechStopped(func() {
		ctrl.RemoteSpeechStopped(time.Now())
	})

	link.OnToolCall(func(req protocol.ToolCallRequest) {
		if req.ReceivedAt.IsZero() {
			req.ReceivedAt = time.Now()
		}
		s.m.publish(protocol.NewToolCallMessage(req))
		go s.dispatch(req)
	})

	link.OnTranscript(func(role, text string) {
		s.logger.Info("transcript", "role", role, "text", text)
		s.m.publish(protocol.NewTranscriptMessage(s.ID, role, text))
	})

	link.OnError(func(err error) {
		if !linkFatal(err) {
			s.logger.Warn("voice link error", "error", err)
			return
		}
		s.logger.Error("voice service refused the call", "error", err)
		select {
		case s.linkFailed <- err:
		default:
		}
	})

	ctrl.OnChange(func(from, to turn.State) {
		s.m.publish(protocol.NewTurnStateMessage(s.ID, from.String(), to.String(), false))
	})

	ctrl.OnBargeIn(func() {
		playback.Interrupt()
		if err := link.CancelResponse(); err != nil {
			s.logger.Warn("failed to cancel response", "error", err)
		}
		s.m.publish(protocol.NewTurnStateMessage(s.ID, turn.AISpeaking.String(), turn.VisitorSpeaking.String(), true))
	})
}

// linkFatal reports whether a service error means the AI will not answer
// for the rest of the call.
func linkFatal(err error) bool {
	return conversation.IsRateLimited(err) || conversation.IsQuotaExceeded(err)
}

// stream runs capture, playback, the ring prompt and the link watcher until
// one of them ends the call.
func (s *Session) stream(ctx context.Context, link conversation.Provider) error {
	s.mu.RLock()
	capture, playback := s.capture, s.playback
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)

	if prompt := s.m.cfg.Prompt; prompt != nil {
		g.Go(func() error {
			text := prompt(gctx, s.Ring)
			if text == "" || gctx.Err() != nil {
				return nil
			}
			if err := link.SendText(text); err != nil {
				s.logger.Warn("failed to send ring prompt", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return capture.Run(gctx, func(f audioio.Frame) error {
			if !s.voiceOn.Load() {
				return nil
			}
			return link.SendAudio(f)
		})
	})

	g.Go(func() error {
		return playback.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.hangup:
			return errHangup
		case err := <-s.linkFailed:
			return err
		case <-link.Done():
			if err := link.Err(); err != nil {
				return err
			}
			return conversation.ErrLinkClosed
		}
	})

	return g.Wait()
}

// teardown closes the link and the transport, which owns the source and
// sink.
func (s *Session) teardown(link conversation.Provider) {
	s.voiceOn.Store(false)
	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.Warn("failed to close voice link", "error", err)
		}
	}
	if err := s.m.cfg.Transport.Close(); err != nil {
		s.logger.Warn("failed to close doorbell transport", "error", err)
	}
}

// dispatch runs one tool call. It is not cancelled by teardown; the result
// is discarded if the call is already disconnecting.
func (s *Session) dispatch(req protocol.ToolCallRequest) {
	s.mu.RLock()
	ctx := context.WithoutCancel(s.ctx)
	s.mu.RUnlock()
	res := s.m.cfg.Dispatcher.Dispatch(ctx, req, s)

	if st := s.State(); st >= Disconnecting {
		s.logger.Info("discarding tool result, call is over", "tool", req.Name, "call_id", req.CallID, "state", st)
		return
	}

	s.mu.RLock()
	link := s.link
	s.mu.RUnlock()

	if err := link.SubmitToolResult(res); err != nil {
		s.logger.Warn("failed to submit tool result", "tool", req.Name, "call_id", req.CallID, "error", err)
		return
	}
	s.m.publish(protocol.NewToolResultMessage(res))

	if res.EndCall && res.OK() {
		s.endCall()
	}
}

// endCall asks the session goroutine to hang up.
func (s *Session) endCall() {
	s.hangupOnce.Do(func() { close(s.hangup) })
}

// ConnectVoice starts forwarding visitor audio to the voice link.
func (s *Session) ConnectVoice(ctx context.Context) (string, error) {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()

	if s.State() != Active {
		return "", ErrNotActive
	}
	if s.voiceOn.Load() {
		return VoiceAlreadyConnected, nil
	}

	s.mu.RLock()
	ctrl := s.turn
	s.mu.RUnlock()
	ctrl.Reset()
	s.voiceOn.Store(true)

	s.logger.Info("voice connected")
	return VoiceConnected, nil
}

// DisconnectVoice lets the goodbye play out, then stops both directions.
// The call ends once the result has been sent.
func (s *Session) DisconnectVoice(ctx context.Context) (string, error) {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()

	if s.State() != Active {
		return "", ErrNotActive
	}

	cfg := s.m.cfg
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(cfg.DisconnectGrace):
	}

	s.mu.RLock()
	playback := s.playback
	s.mu.RUnlock()

	drainCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	if err := playback.WaitDrained(drainCtx); err != nil {
		s.logger.Warn("playback did not drain before disconnect", "error", err)
	}
	cancel()

	playback.Interrupt()
	s.voiceOn.Store(false)

	s.logger.Info("voice disconnected")
	return VoiceDisconnected, nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return "shutdown"
	case errors.Is(err, errHangup):
		return "hangup"
	case errors.Is(err, bridge.ErrCaptureStream):
		return "capture_error"
	case errors.Is(err, bridge.ErrPlaybackTransport):
		return "playback_error"
	case conversation.IsNotConnected(err):
		return "link_closed"
	case linkFatal(err):
		return "rate_limited"
	default:
		return "error"
	}
}

var _ tools.VoiceControl = (*Session)(nil)
