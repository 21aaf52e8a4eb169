package audioio

import (
	"context"
	"io"
)

// Sink plays frames on a device, e.g. the doorbell speaker.
type Sink interface {
	// Start opens the output path. Write may be called afterwards.
	Start(ctx context.Context) error

	// Write sends a frame to the device. Frames must already be in Format().
	// It may block while the device paces output.
	Write(ctx context.Context, frame Frame) error

	// Clear discards anything buffered but not yet sent.
	// Used to cut playback short when the visitor barges in.
	Clear() error

	// Format returns the encoding the sink expects.
	Format() Format

	// Name returns the backend name (e.g., "rtp", "mock").
	Name() string

	// Close releases all resources. After Close, the sink cannot be restarted.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// FramesWritten is the total number of frames written.
	FramesWritten int64 `json:"frames_written"`

	// BytesWritten is the total number of audio bytes written.
	BytesWritten int64 `json:"bytes_written"`

	// PacketsSent is the number of transport packets emitted (RTP backends).
	PacketsSent int64 `json:"packets_sent"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
