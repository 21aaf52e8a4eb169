package audioio

import (
	"context"
	"io"
	"time"
)

// Direction tells which way a frame travels.
type Direction int

const (
	// Inbound frames flow from the doorbell microphone to the voice service.
	Inbound Direction = iota
	// Outbound frames flow from the voice service to the doorbell speaker.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Frame is an ordered chunk of audio. Frames are treated as immutable once
// produced: stages that transform audio return a new Frame.
type Frame struct {
	// Seq increases strictly within one stream's lifetime.
	Seq uint64

	Direction Direction
	Format    Format

	// Data holds the encoded samples, interleaved when stereo.
	Data []byte

	// Timestamp is when the frame was produced.
	Timestamp time.Time

	// Response names the voice service response an outbound frame belongs
	// to. Empty when the producer does not track responses.
	Response string
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// Samples decodes the frame into linear PCM16 samples.
func (f Frame) Samples() ([]int16, error) {
	return decode(f.Data, f.Format)
}

// Source yields frames captured from a device.
type Source interface {
	// Start begins capture. Read may be called afterwards.
	Start(ctx context.Context) error

	// Read returns the next frame, blocking until one is available.
	// Returns io.EOF once the source is closed.
	Read(ctx context.Context) (Frame, error)

	// Format returns the encoding of produced frames.
	Format() Format

	// Name returns the backend name (e.g., "ffmpeg", "mock").
	Name() string

	// Close releases all resources. After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// FramesRead is the total number of frames read.
	FramesRead int64 `json:"frames_read"`

	// BytesRead is the total number of audio bytes read.
	BytesRead int64 `json:"bytes_read"`

	// Overruns is the number of frames dropped before they were read.
	Overruns int64 `json:"overruns"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
