package conversation

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

func TestMockProvider(t *testing.T) {
	t.Run("connect and disconnect", func(t *testing.T) {
		m := NewMock()

		if m.IsConnected() {
			t.Error("should not be connected initially")
		}

		if err := m.Connect(context.Background()); err != nil {
			t.Errorf("connect failed: %v", err)
		}

		if !m.IsConnected() {
			t.Error("should be connected after Connect")
		}

		if err := m.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}

		if m.IsConnected() {
			t.Error("should not be connected after Close")
		}

		select {
		case <-m.Done():
		default:
			t.Error("Done should be closed after Close")
		}

		if !errors.Is(m.Err(), ErrLinkClosed) {
			t.Errorf("expected ErrLinkClosed, got %v", m.Err())
		}
	})

	t.Run("send audio when connected", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())

		f := audioio.Frame{Seq: 1, Format: audioio.PCM16Mono24k, Data: []byte{1, 2, 3, 4}}
		if err := m.SendAudio(f); err != nil {
			t.Errorf("send audio failed: %v", err)
		}

		sent := m.AudioSent()
		if len(sent) != 1 {
			t.Fatalf("expected 1 frame sent, got %d", len(sent))
		}
		if sent[0].Seq != 1 {
			t.Error("frame mismatch")
		}
	})

	t.Run("send audio when not connected", func(t *testing.T) {
		m := NewMock()

		if err := m.SendAudio(audioio.Frame{}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("send after peer close", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())
		m.SimulateClose(io.ErrUnexpectedEOF)

		err := m.SendText("hello")
		if !errors.Is(err, ErrLinkClosed) {
			t.Errorf("expected ErrLinkClosed, got %v", err)
		}
		if !errors.Is(m.Err(), io.ErrUnexpectedEOF) {
			t.Errorf("expected cause to unwrap, got %v", m.Err())
		}
	})

	t.Run("connect failure", func(t *testing.T) {
		m := NewMock()
		m.ConnectFunc = func(ctx context.Context) error { return errors.New("refused") }

		var connErr *ConnectionError
		if err := m.Connect(context.Background()); !errors.As(err, &connErr) {
			t.Errorf("expected ConnectionError, got %v", err)
		}
		select {
		case <-m.Done():
		default:
			t.Error("failed connect should close Done")
		}
	})

	t.Run("simulate callbacks", func(t *testing.T) {
		m := NewMock()

		var frames []audioio.Frame
		var transcriptRole, transcriptText string
		var req protocol.ToolCallRequest
		var started, stopped, audioDone int

		m.OnAudio(func(f audioio.Frame) { frames = append(frames, f) })
		m.OnAudioDone(func() { audioDone++ })
		m.OnSpeechStarted(func() { started++ })
		m.OnSpeechStopped(func() { stopped++ })
		m.OnTranscript(func(role, text string) {
			transcriptRole = role
			transcriptText = text
		})
		m.OnToolCall(func(r protocol.ToolCallRequest) { req = r })

		m.SimulateAudio([]byte{1, 2})
		m.SimulateAudio([]byte{3, 4})
		m.SimulateAudioDone()
		if len(frames) != 2 || frames[0].Seq != 1 || frames[1].Seq != 2 {
			t.Errorf("unexpected frames %+v", frames)
		}
		if frames[0].Direction != audioio.Outbound {
			t.Error("simulated audio should be outbound")
		}
		if audioDone != 1 {
			t.Error("audio done callback not called")
		}

		m.SimulateSpeechStarted()
		m.SimulateSpeechStopped()
		if started != 1 || stopped != 1 {
			t.Errorf("speech callbacks: started=%d stopped=%d", started, stopped)
		}

		m.SimulateTranscript(RoleVisitor, "hello")
		if transcriptRole != RoleVisitor || transcriptText != "hello" {
			t.Errorf("transcript mismatch: %s, %s", transcriptRole, transcriptText)
		}

		m.SimulateToolCall(protocol.ToolCallRequest{CallID: "call-1", Name: protocol.ToolGetWeather})
		if req.CallID != "call-1" || req.Name != protocol.ToolGetWeather {
			t.Errorf("tool call mismatch: %+v", req)
		}
	})

	t.Run("capture tool results", func(t *testing.T) {
		m := NewMock()
		_ = m.Connect(context.Background())

		res := protocol.NewToolResult(protocol.ToolCallRequest{CallID: "c1"}, "ok")
		if err := m.SubmitToolResult(res); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		if err := m.CancelResponse(); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}

		if got := m.ToolResults(); len(got) != 1 || got[0].CallID != "c1" {
			t.Errorf("unexpected results %+v", got)
		}
		if m.Cancels() != 1 {
			t.Errorf("expected 1 cancel, got %d", m.Cancels())
		}
	})
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}

	cfg.Apply(
		WithAPIKey("sk-test"),
		WithVoice(VoiceShimmer),
		WithTimeout(2*time.Second),
		WithTools(Tool{Name: "get_weather"}),
	)
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if cfg.Voice != VoiceShimmer || cfg.Timeout != 2*time.Second || len(cfg.Tools) != 1 {
		t.Errorf("options not applied: %+v", cfg)
	}

	cfg.Apply(WithTemperature(3))
	if err := cfg.Validate(); err == nil {
		t.Error("expected temperature error")
	}

	if _, err := NewOpenAI(); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("NewOpenAI without key: expected ErrMissingAPIKey, got %v", err)
	}
}

func TestErrors(t *testing.T) {
	closed := &ClosedError{Reason: "read failed", Cause: io.EOF}
	if !errors.Is(closed, ErrLinkClosed) {
		t.Error("ClosedError should match ErrLinkClosed")
	}
	if !errors.Is(closed, io.EOF) {
		t.Error("ClosedError should unwrap its cause")
	}
	if !IsNotConnected(closed) {
		t.Error("closed link should count as not connected")
	}

	if !IsRetryable(NewAPIError(503, "", "overloaded")) {
		t.Error("5xx should be retryable")
	}
	if IsRetryable(NewAPIError(400, "invalid_value", "bad")) {
		t.Error("4xx should not be retryable")
	}
	if !IsRateLimited(NewAPIError(0, "rate_limit_exceeded", "slow down")) {
		t.Error("rate limit code should be detected")
	}
	if !IsQuotaExceeded(NewAPIError(0, "insufficient_quota", "pay up")) {
		t.Error("quota code should be detected")
	}

	connErr := NewConnectionError("dial failed", ErrTimeout, true)
	if !errors.Is(connErr, ErrTimeout) || !IsRetryable(connErr) {
		t.Error("ConnectionError should unwrap and be retryable")
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := map[ConnectionState]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateConnected:      "connected",
		StateClosed:         "closed",
		ConnectionState(99): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
