// Package session runs doorbell calls from ring to teardown.
//
// A Manager owns at most one non-terminal Session. Each Session opens the
// doorbell audio transport and a voice link, runs capture and playback
// gated by a turn controller, routes tool calls through the dispatcher and
// tears everything down when the call ends:
//
//	Ringing → LinkEstablishing → Active → Disconnecting → Terminated
//
// The session goroutine is the only writer of the state. Everything else
// reads it and reacts.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/conversation"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

// State is the lifecycle state of a call.
type State int

const (
	// Idle is reported by the manager when no call is in progress.
	Idle State = iota
	Ringing
	LinkEstablishing
	Active
	Disconnecting
	// Terminated is the only terminal state.
	Terminated
)

var stateNames = []string{"idle", "ringing", "link_establishing", "active", "disconnecting", "terminated"}

func (s State) String() string {
	if s < Idle || s > Terminated {
		return "unknown"
	}
	return stateNames[s]
}

var (
	// ErrSessionBusy is returned by NotifyRing while another call is in a
	// non-terminal state. The ring never enters the state machine.
	ErrSessionBusy = errors.New("session: another call is in progress")

	// ErrShutdown is returned by NotifyRing after Shutdown.
	ErrShutdown = errors.New("session: manager is shut down")

	// ErrNotActive is returned by voice control outside the Active state.
	ErrNotActive = errors.New("session: call is not active")

	// ErrTransportLocked means the audio transport is held by someone else.
	ErrTransportLocked = errors.New("session: audio transport is locked")

	errHangup = errors.New("session: call ended by disconnect_voice")
)

// RingEvent is a doorbell ring reported by the webhook.
type RingEvent struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	// Message is the alarm text sent by the doorbell, if any.
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`
}

// Decision is the answer to a ring.
type Decision struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
}

// Transport opens the doorbell audio path. Open returns an unstarted source
// and sink; Close releases both.
type Transport interface {
	Open(ctx context.Context) (audioio.Source, audioio.Sink, error)
	Close() error
}

// LinkFactory creates the voice link for one call. Callbacks are registered
// by the session before Connect.
type LinkFactory func(ctx context.Context, ev RingEvent) (conversation.Provider, error)

// PromptFunc builds the first conversation item for a call. An empty
// string sends nothing.
type PromptFunc func(ctx context.Context, ev RingEvent) string

// Publisher receives dashboard events.
type Publisher interface {
	Publish(msg *protocol.Message)
}
