// Package audioio provides the audio frame model shared by the doorbell
// transport, the bridge streams and the voice link.
//
// It covers:
//   - Frame and Format, the encoding descriptor every stage agrees on
//   - Convert, the stateless frame adapter (PCM16 and G.711 mu-law)
//   - Source and Sink, the transport-facing capture and playback interfaces
//   - Mock implementations for tests without a doorbell
package audioio

import (
	"errors"
	"fmt"
	"time"
)

// Encoding identifies how samples are stored in Frame.Data.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"
	// EncodingMuLaw is 8-bit G.711 mu-law.
	EncodingMuLaw Encoding = "mulaw"
)

// ErrUnsupportedEncoding is returned when no conversion path exists between
// two formats, or a format itself is not one we can process.
var ErrUnsupportedEncoding = errors.New("audioio: unsupported encoding")

// ErrMalformedFrame is returned when frame data does not line up with its format.
var ErrMalformedFrame = errors.New("audioio: malformed frame")

// FormatError describes which format was rejected and why.
type FormatError struct {
	Format Format
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audioio: unsupported encoding %s: %s", e.Format, e.Reason)
}

// Unwrap lets errors.Is match ErrUnsupportedEncoding.
func (e *FormatError) Unwrap() error {
	return ErrUnsupportedEncoding
}

// Format is the encoding descriptor carried by every frame.
type Format struct {
	Encoding   Encoding `yaml:"encoding" json:"encoding"`
	SampleRate int      `yaml:"sample_rate" json:"sample_rate"`
	Channels   int      `yaml:"channels" json:"channels"`
}

// Well-known formats.
var (
	// PCM16Mono24k is what the realtime voice service speaks.
	PCM16Mono24k = Format{Encoding: EncodingPCM16, SampleRate: 24000, Channels: 1}
	// MuLawMono8k is the ONVIF backchannel payload format.
	MuLawMono8k = Format{Encoding: EncodingMuLaw, SampleRate: 8000, Channels: 1}
)

// BitDepth returns bits per sample for the encoding.
func (f Format) BitDepth() int {
	switch f.Encoding {
	case EncodingPCM16:
		return 16
	case EncodingMuLaw:
		return 8
	default:
		return 0
	}
}

// BytesPerSample returns the storage size of one sample of one channel.
func (f Format) BytesPerSample() int {
	return f.BitDepth() / 8
}

// Validate reports whether f is a format Convert can handle.
func (f Format) Validate() error {
	if f.BitDepth() == 0 {
		return &FormatError{Format: f, Reason: "unknown encoding"}
	}
	if f.SampleRate <= 0 {
		return &FormatError{Format: f, Reason: "sample rate must be positive"}
	}
	if f.Channels < 1 || f.Channels > 2 {
		return &FormatError{Format: f, Reason: "only mono and stereo are supported"}
	}
	return nil
}

// Duration returns how long n bytes of audio last in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSample() * f.Channels * f.SampleRate
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// BytesFor returns the byte length of d worth of audio, aligned to whole samples.
func (f Format) BytesFor(d time.Duration) int {
	samples := int(float64(f.SampleRate) * d.Seconds())
	return samples * f.Channels * f.BytesPerSample()
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}

// Config holds the capture configuration negotiated with the doorbell.
type Config struct {
	// SampleRate is the capture sample rate in Hz.
	// Default: 24000 (required by OpenAI Realtime)
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// ChunkSize is the number of bytes read per frame.
	// Default: 1024 (~21ms at 24kHz PCM16 mono)
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		Channels:   1,
		ChunkSize:  1024,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.ChunkSize <= 0 || c.ChunkSize%(2*c.Channels) != 0 {
		return fmt.Errorf("chunk_size must be a positive multiple of %d, got %d", 2*c.Channels, c.ChunkSize)
	}
	return nil
}

// Format returns the PCM16 format described by the config.
func (c *Config) Format() Format {
	return Format{Encoding: EncodingPCM16, SampleRate: c.SampleRate, Channels: c.Channels}
}

// ChunkDuration returns the audio duration of one chunk.
func (c *Config) ChunkDuration() time.Duration {
	return c.Format().Duration(c.ChunkSize)
}
