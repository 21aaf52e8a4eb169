package tools

import (
	"context"

	"github.com/teslashibe/go-porter/pkg/protocol"
)

// ConnectVoice returns the connect_voice tool. It starts two-way audio on
// the session that received the call.
func ConnectVoice() Tool {
	return &Func{
		Name:        protocol.ToolConnectVoice,
		Description: "Connect two-way voice with the visitor at the door. Call this first, before speaking.",
		Parameters:  Object(nil),
		Handler: func(ctx context.Context, call Call) (any, error) {
			if call.Voice == nil {
				return nil, ErrNoVoiceControl
			}
			return call.Voice.ConnectVoice(ctx)
		},
	}
}

// DisconnectVoice returns the disconnect_voice tool. Its successful result
// ends the call.
func DisconnectVoice() Tool {
	return &Func{
		Name:        protocol.ToolDisconnectVoice,
		Description: "End the conversation and disconnect voice. Call this after saying goodbye.",
		Parameters:  Object(nil),
		EndsCall:    true,
		Handler: func(ctx context.Context, call Call) (any, error) {
			if call.Voice == nil {
				return nil, ErrNoVoiceControl
			}
			return call.Voice.DisconnectVoice(ctx)
		},
	}
}
