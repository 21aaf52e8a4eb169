package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureStream is matched by every CaptureError.
	ErrCaptureStream = errors.New("bridge: capture stream failed")

	// ErrPlaybackTransport is matched by every PlaybackError.
	ErrPlaybackTransport = errors.New("bridge: playback transport failed")
)

// CaptureError reports why inbound capture stopped. It is session-fatal.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("bridge: capture from %s failed: %v", e.Source, e.Err)
}

// Is matches ErrCaptureStream.
func (e *CaptureError) Is(target error) bool {
	return target == ErrCaptureStream
}

// Unwrap returns the transport error.
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// PlaybackError reports a write the backchannel rejected. It is session-fatal.
type PlaybackError struct {
	Sink string
	Seq  uint64
	Err  error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("bridge: playback to %s failed at frame %d: %v", e.Sink, e.Seq, e.Err)
}

// Is matches ErrPlaybackTransport.
func (e *PlaybackError) Is(target error) bool {
	return target == ErrPlaybackTransport
}

// Unwrap returns the transport error.
func (e *PlaybackError) Unwrap() error {
	return e.Err
}
