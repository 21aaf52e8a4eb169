package conversation

import (
	"context"
	"sync"

	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

// Mock is a mock implementation of Provider for testing.
type Mock struct {
	mu sync.RWMutex

	// State
	connected bool
	closeErr  *ClosedError
	done      chan struct{}
	doneOnce  sync.Once
	outSeq    uint64

	// Callbacks
	onAudio         func(f audioio.Frame)
	onAudioDone     func()
	onToolCall      func(req protocol.ToolCallRequest)
	onSpeechStarted func()
	onSpeechStopped func()
	onTranscript    func(role, text string)
	onError         func(err error)

	// Configurable behavior
	ConnectFunc          func(ctx context.Context) error
	SendAudioFunc        func(f audioio.Frame) error
	SubmitToolResultFunc func(res protocol.ToolCallResult) error

	// Captured calls
	audioSent   []audioio.Frame
	textsSent   []string
	toolResults []protocol.ToolCallResult
	cancels     int
}

// NewMock creates a new Mock provider.
func NewMock() *Mock {
	return &Mock{done: make(chan struct{})}
}

// Connect implements Provider.
func (m *Mock) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			m.finish(&ClosedError{Reason: "dial failed", Cause: err})
			return NewConnectionError("mock connect", err, false)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return ErrAlreadyConnected
	}
	m.connected = true
	return nil
}

// Close implements Provider.
func (m *Mock) Close() error {
	m.finish(&ClosedError{Reason: "closed locally"})
	return nil
}

// IsConnected implements Provider.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Done implements Provider.
func (m *Mock) Done() <-chan struct{} {
	return m.done
}

// Err implements Provider.
func (m *Mock) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closeErr == nil {
		return nil
	}
	return m.closeErr
}

// SendAudio implements Provider.
func (m *Mock) SendAudio(f audioio.Frame) error {
	if m.SendAudioFunc != nil {
		if err := m.SendAudioFunc(f); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	m.audioSent = append(m.audioSent, f)
	return nil
}

// SendText implements Provider.
func (m *Mock) SendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	m.textsSent = append(m.textsSent, text)
	return nil
}

// SubmitToolResult implements Provider.
func (m *Mock) SubmitToolResult(res protocol.ToolCallResult) error {
	if m.SubmitToolResultFunc != nil {
		if err := m.SubmitToolResultFunc(res); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	m.toolResults = append(m.toolResults, res)
	return nil
}

// CancelResponse implements Provider.
func (m *Mock) CancelResponse() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	m.cancels++
	return nil
}

// usable reports why the mock cannot accept writes. Caller holds m.mu.
func (m *Mock) usable() error {
	if m.closeErr != nil {
		return m.closeErr
	}
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

// OnAudio implements Provider.
func (m *Mock) OnAudio(fn func(f audioio.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAudio = fn
}

// OnAudioDone implements Provider.
func (m *Mock) OnAudioDone(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAudioDone = fn
}

// OnToolCall implements Provider.
func (m *Mock) OnToolCall(fn func(req protocol.ToolCallRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolCall = fn
}

// OnSpeechStarted implements Provider.
func (m *Mock) OnSpeechStarted(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSpeechStarted = fn
}

// OnSpeechStopped implements Provider.
func (m *Mock) OnSpeechStopped(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSpeechStopped = fn
}

// OnTranscript implements Provider.
func (m *Mock) OnTranscript(fn func(role, text string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTranscript = fn
}

// OnError implements Provider.
func (m *Mock) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

func (m *Mock) finish(ce *ClosedError) {
	m.doneOnce.Do(func() {
		m.mu.Lock()
		m.closeErr = ce
		m.connected = false
		m.mu.Unlock()
		close(m.done)
	})
}

// Test helpers

// SimulateAudio delivers one outbound PCM16 24 kHz frame with the next
// sequence number.
func (m *Mock) SimulateAudio(pcm []byte) {
	m.SimulateResponseAudio("", pcm)
}

// SimulateResponseAudio is SimulateAudio for a frame of the given response.
func (m *Mock) SimulateResponseAudio(responseID string, pcm []byte) {
	m.mu.Lock()
	m.outSeq++
	f := audioio.Frame{
		Seq:       m.outSeq,
		Direction: audioio.Outbound,
		Format:    audioio.PCM16Mono24k,
		Data:      pcm,
		Response:  responseID,
	}
	fn := m.onAudio
	m.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}

// SimulateAudioDone triggers the OnAudioDone callback.
func (m *Mock) SimulateAudioDone() {
	m.mu.RLock()
	fn := m.onAudioDone
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SimulateToolCall triggers the OnToolCall callback.
func (m *Mock) SimulateToolCall(req protocol.ToolCallRequest) {
	m.mu.RLock()
	fn := m.onToolCall
	m.mu.RUnlock()
	if fn != nil {
		fn(req)
	}
}

// SimulateSpeechStarted triggers the OnSpeechStarted callback.
func (m *Mock) SimulateSpeechStarted() {
	m.mu.RLock()
	fn := m.onSpeechStarted
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SimulateSpeechStopped triggers the OnSpeechStopped callback.
func (m *Mock) SimulateSpeechStopped() {
	m.mu.RLock()
	fn := m.onSpeechStopped
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SimulateTranscript triggers the OnTranscript callback.
func (m *Mock) SimulateTranscript(role, text string) {
	m.mu.RLock()
	fn := m.onTranscript
	m.mu.RUnlock()
	if fn != nil {
		fn(role, text)
	}
}

// SimulateError triggers the OnError callback.
func (m *Mock) SimulateError(err error) {
	m.mu.RLock()
	fn := m.onError
	m.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// SimulateClose drops the link as if the remote side went away.
func (m *Mock) SimulateClose(cause error) {
	m.finish(&ClosedError{Reason: "closed by peer", Cause: cause})
}

// AudioSent returns a copy of the frames sent so far.
func (m *Mock) AudioSent() []audioio.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]audioio.Frame{}, m.audioSent...)
}

// TextsSent returns a copy of the text messages sent so far.
func (m *Mock) TextsSent() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.textsSent...)
}

// ToolResults returns a copy of the submitted tool results.
func (m *Mock) ToolResults() []protocol.ToolCallResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.ToolCallResult{}, m.toolResults...)
}

// Cancels returns how many times CancelResponse was called.
func (m *Mock) Cancels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancels
}

// Ensure Mock implements Provider.
var _ Provider = (*Mock)(nil)
