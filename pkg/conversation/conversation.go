// Package conversation is the voice session link: one persistent
// bidirectional channel per call to a realtime voice service.
//
// The link frames outbound audio and control messages, demultiplexes inbound
// messages into audio frames, tool-call requests and turn events, and reports
// transport loss through Done/Err. It never reconnects on its own.
//
// Example usage:
//
//	link, err := conversation.NewOpenAI(
//	    conversation.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	    conversation.WithSystemPrompt(prompt),
//	    conversation.WithTools(tools...),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer link.Close()
//
//	link.OnAudio(func(f audioio.Frame) {
//	    playback.Enqueue(f)
//	})
//
//	link.OnToolCall(func(req protocol.ToolCallRequest) {
//	    link.SubmitToolResult(dispatcher.Dispatch(ctx, req, session))
//	})
//
//	if err := link.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
package conversation

import (
	"context"

	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

// Provider defines the interface for realtime voice links.
// Register callbacks before Connect; they are invoked from the receive loop,
// one at a time and in arrival order.
type Provider interface {
	// Connect dials the service, waits for the session handshake within the
	// configured link budget and sends the session configuration.
	Connect(ctx context.Context) error

	// Close shuts the link down. Done is closed afterwards.
	Close() error

	// IsConnected returns true while the link is usable.
	IsConnected() bool

	// Done is closed when the link is gone for any reason.
	Done() <-chan struct{}

	// Err returns a *ClosedError once Done is closed, nil before.
	Err() error

	// SendAudio streams one inbound frame to the service. Frames are
	// converted to the service's format when needed.
	SendAudio(f audioio.Frame) error

	// SendText adds a user message to the conversation and asks for a response.
	SendText(text string) error

	// SubmitToolResult returns a tool result. A follow-up response is
	// requested unless the result ends the call.
	SubmitToolResult(res protocol.ToolCallResult) error

	// CancelResponse interrupts the response being generated.
	CancelResponse() error

	// OnAudio is called for every outbound audio frame from the service.
	OnAudio(fn func(f audioio.Frame))

	// OnAudioDone is called when the service finishes a spoken response.
	OnAudioDone(fn func())

	// OnToolCall is called when the service invokes a tool.
	OnToolCall(fn func(req protocol.ToolCallRequest))

	// OnSpeechStarted is called when the service detects visitor speech.
	OnSpeechStarted(fn func())

	// OnSpeechStopped is called when the service detects the end of visitor speech.
	OnSpeechStopped(fn func())

	// OnTranscript is called with finished utterances. role is "visitor" or "assistant".
	OnTranscript(fn func(role, text string))

	// OnError is called for error events that do not close the link.
	OnError(fn func(err error))
}
