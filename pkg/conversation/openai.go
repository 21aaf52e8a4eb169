package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

const openAIRealtimeURL = "wss://api.openai.com/v1/realtime"

// OpenAI implements Provider for the OpenAI Realtime API.
type OpenAI struct {
	config *Config
	logger *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	state    ConnectionState
	closeErr *ClosedError

	// wsMu serializes writes; gorilla allows one concurrent writer.
	wsMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	outSeq atomic.Uint64

	// Callbacks
	onAudio         func(f audioio.Frame)
	onAudioDone     func()
	onToolCall      func(req protocol.ToolCallRequest)
	onSpeechStarted func()
	onSpeechStopped func()
	onTranscript    func(role, text string)
	onError         func(err error)

	// Metrics
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

// NewOpenAI creates a new OpenAI Realtime voice link.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &OpenAI{
		config: cfg,
		logger: cfg.Logger.With("component", "conversation.openai"),
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Connect dials the service and completes the session handshake within the
// configured timeout. A failed Connect leaves the link closed.
func (o *OpenAI) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateDisconnected {
		o.mu.Unlock()
		return ErrAlreadyConnected
	}
	o.state = StateConnecting
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	base := o.config.BaseURL
	if base == "" {
		base = openAIRealtimeURL
	}
	url := fmt.Sprintf("%s?model=%s", base, o.config.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+o.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: o.config.Timeout,
	}

	o.logger.Info("connecting to OpenAI Realtime API", "model", o.config.Model)

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		o.finish(&ClosedError{Reason: "dial failed", Cause: err})
		if resp != nil {
			return NewConnectionError(
				fmt.Sprintf("dial failed with status %d", resp.StatusCode),
				err,
				resp.StatusCode >= 500,
			)
		}
		return NewConnectionError("dial failed", err, true)
	}

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()

	go o.readLoop(conn)

	select {
	case <-o.ready:
	case <-o.done:
		return NewConnectionError("closed during handshake", o.Err(), true)
	case <-ctx.Done():
		o.Close()
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: no session.created within %v", ErrTimeout, o.config.Timeout)
		}
		return NewConnectionError("session handshake", cause, true)
	}

	if err := o.configureSession(); err != nil {
		o.Close()
		return NewConnectionError("configure session failed", err, true)
	}

	o.mu.Lock()
	if o.state == StateConnecting {
		o.state = StateConnected
	}
	o.mu.Unlock()

	o.logger.Info("connected to OpenAI Realtime API")
	return nil
}

// Close gracefully closes the connection.
func (o *OpenAI) Close() error {
	o.mu.RLock()
	conn := o.conn
	o.mu.RUnlock()

	o.finish(&ClosedError{Reason: "closed locally"})

	if conn != nil {
		o.wsMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		o.wsMu.Unlock()
		conn.Close()
	}

	o.logger.Info("disconnected from OpenAI Realtime API",
		"messages_sent", o.messagesSent.Load(),
		"messages_received", o.messagesReceived.Load(),
	)
	return nil
}

// IsConnected returns true if connected.
func (o *OpenAI) IsConnected() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == StateConnected
}

// Done is closed when the link is gone.
func (o *OpenAI) Done() <-chan struct{} {
	return o.done
}

// Err returns why the link closed, or nil while it is open.
func (o *OpenAI) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closeErr == nil {
		return nil
	}
	return o.closeErr
}

// SendAudio sends one inbound frame.
func (o *OpenAI) SendAudio(f audioio.Frame) error {
	if f.Format != audioio.PCM16Mono24k {
		converted, err := audioio.Convert(f, audioio.PCM16Mono24k)
		if err != nil {
			return err
		}
		f = converted
	}

	return o.write(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(f.Data),
	})
}

// SendText adds a user message and requests a response.
func (o *OpenAI) SendText(text string) error {
	err := o.write(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	if err != nil {
		return err
	}
	return o.write(map[string]string{"type": "response.create"})
}

// SubmitToolResult submits the result of a tool call.
func (o *OpenAI) SubmitToolResult(res protocol.ToolCallResult) error {
	output := res.Payload()
	err := o.write(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": res.CallID,
			"output":  output,
		},
	})
	if err != nil {
		return err
	}

	o.logger.Debug("submitted tool result",
		"call_id", res.CallID,
		"tool", res.Name,
		"result_len", len(output),
		"end_call", res.EndCall,
	)

	if res.EndCall {
		return nil
	}
	return o.write(map[string]string{"type": "response.create"})
}

// CancelResponse cancels the current response.
func (o *OpenAI) CancelResponse() error {
	return o.write(map[string]string{"type": "response.cancel"})
}

// OnAudio sets the audio callback.
func (o *OpenAI) OnAudio(fn func(f audioio.Frame)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAudio = fn
}

// OnAudioDone sets the audio done callback.
func (o *OpenAI) OnAudioDone(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAudioDone = fn
}

// OnToolCall sets the tool call callback.
func (o *OpenAI) OnToolCall(fn func(req protocol.ToolCallRequest)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onToolCall = fn
}

// OnSpeechStarted sets the speech started callback.
func (o *OpenAI) OnSpeechStarted(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSpeechStarted = fn
}

// OnSpeechStopped sets the speech stopped callback.
func (o *OpenAI) OnSpeechStopped(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSpeechStopped = fn
}

// OnTranscript sets the transcript callback.
func (o *OpenAI) OnTranscript(fn func(role, text string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onTranscript = fn
}

// OnError sets the error callback.
func (o *OpenAI) OnError(fn func(err error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onError = fn
}

// configureSession sends session.update.
func (o *OpenAI) configureSession() error {
	apiTools := make([]map[string]any, 0, len(o.config.Tools))
	for _, tool := range o.config.Tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		apiTools = append(apiTools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  params,
		})
	}

	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"instructions":        o.config.SystemPrompt,
		"voice":               o.config.Voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"tools":               apiTools,
		"tool_choice":         "auto",
		"temperature":         o.config.Temperature,
	}
	if o.config.Transcription {
		session["input_audio_transcription"] = map[string]any{"model": "whisper-1"}
	}
	if td := o.config.TurnDetection; td != nil {
		session["turn_detection"] = map[string]any{
			"type":                td.Type,
			"threshold":           td.Threshold,
			"prefix_padding_ms":   td.PrefixPaddingMs,
			"silence_duration_ms": td.SilenceDurationMs,
		}
	}

	return o.write(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// write sends one JSON message. A failed write closes the link.
func (o *OpenAI) write(v any) error {
	o.mu.RLock()
	conn := o.conn
	closeErr := o.closeErr
	o.mu.RUnlock()

	if closeErr != nil {
		return closeErr
	}
	if conn == nil {
		return ErrNotConnected
	}

	o.wsMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(o.config.WriteTimeout))
	err := conn.WriteJSON(v)
	o.wsMu.Unlock()

	if err != nil {
		ce := &ClosedError{Reason: "write failed", Cause: err}
		o.finish(ce)
		conn.Close()
		return ce
	}

	o.messagesSent.Add(1)
	return nil
}

// finish records why the link ended and closes Done. First caller wins.
func (o *OpenAI) finish(ce *ClosedError) {
	o.doneOnce.Do(func() {
		o.mu.Lock()
		o.closeErr = ce
		o.state = StateClosed
		o.mu.Unlock()
		close(o.done)
	})
}

// readLoop processes incoming WebSocket messages until the link dies.
func (o *OpenAI) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(o.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				o.logger.Info("connection closed by peer")
				o.finish(&ClosedError{Reason: "closed by peer", Cause: err})
				return
			}
			select {
			case <-o.done:
				// Closed locally; the read error is expected.
			default:
				o.logger.Error("read error", "error", err)
			}
			o.finish(&ClosedError{Reason: "read failed", Cause: err})
			return
		}

		o.messagesReceived.Add(1)

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			o.logger.Warn("failed to parse message", "error", err)
			continue
		}

		o.handleMessage(msg)
	}
}

// handleMessage demultiplexes a single message.
func (o *OpenAI) handleMessage(msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "session.created":
		o.readyOnce.Do(func() { close(o.ready) })
		o.logger.Info("session created")

	case "session.updated":
		o.logger.Debug("session updated")

	case "input_audio_buffer.speech_started":
		o.logger.Debug("speech started")
		o.emit(func() func() { return o.onSpeechStarted })

	case "input_audio_buffer.speech_stopped":
		o.logger.Debug("speech stopped")
		o.emit(func() func() { return o.onSpeechStopped })

	case "conversation.item.input_audio_transcription.completed":
		if transcript, ok := msg["transcript"].(string); ok {
			o.emitTranscript(RoleVisitor, transcript)
		}

	case "response.audio.delta":
		if delta, ok := msg["delta"].(string); ok {
			audio, err := base64.StdEncoding.DecodeString(delta)
			if err != nil {
				o.logger.Warn("bad audio delta", "error", err)
				return
			}
			responseID, _ := msg["response_id"].(string)
			o.emitAudio(audioio.Frame{
				Seq:       o.outSeq.Add(1),
				Direction: audioio.Outbound,
				Format:    audioio.PCM16Mono24k,
				Data:      audio,
				Timestamp: time.Now(),
				Response:  responseID,
			})
		}

	case "response.audio.done":
		o.emit(func() func() { return o.onAudioDone })

	case "response.audio_transcript.done":
		if transcript, ok := msg["transcript"].(string); ok {
			o.emitTranscript(RoleAssistant, transcript)
		}

	case "response.function_call_arguments.done":
		o.handleFunctionCall(msg)

	case "error":
		if errData, ok := msg["error"].(map[string]any); ok {
			errMsg, _ := errData["message"].(string)
			errCode, _ := errData["code"].(string)
			apiErr := NewAPIError(0, errCode, errMsg)
			apiErr.Type, _ = errData["type"].(string)
			o.logger.Warn("API error", "code", errCode, "message", errMsg)
			o.emitError(apiErr)
		}

	default:
		// Ignore other message types
	}
}

// handleFunctionCall turns a completed function call into a ToolCallRequest.
func (o *OpenAI) handleFunctionCall(msg map[string]any) {
	name, _ := msg["name"].(string)
	callID, _ := msg["call_id"].(string)
	argsStr, _ := msg["arguments"].(string)

	req := protocol.ToolCallRequest{
		CallID:     callID,
		Name:       protocol.ToolName(name),
		ReceivedAt: time.Now(),
	}
	args, err := protocol.ParseArgs(argsStr)
	if err != nil {
		o.logger.Warn("unparseable tool arguments", "name", name, "error", err)
		req.ArgsError = err.Error()
	}
	req.Args = args

	o.logger.Info("tool call received", "name", name, "call_id", callID)

	o.mu.RLock()
	fn := o.onToolCall
	o.mu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

// Emit helpers

func (o *OpenAI) emit(get func() func()) {
	o.mu.RLock()
	fn := get()
	o.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (o *OpenAI) emitAudio(f audioio.Frame) {
	o.mu.RLock()
	fn := o.onAudio
	o.mu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

func (o *OpenAI) emitTranscript(role, text string) {
	o.mu.RLock()
	fn := o.onTranscript
	o.mu.RUnlock()
	if fn != nil {
		fn(role, text)
	}
}

func (o *OpenAI) emitError(err error) {
	o.mu.RLock()
	fn := o.onError
	o.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Ensure OpenAI implements Provider.
var _ Provider = (*OpenAI)(nil)
