package doorbell

import (
	"context"
	"errors"

	"github.com/teslashibe/go-porter/pkg/audioio"
)

// ErrFallbackDisabled is returned by FallbackSink. The alternate
// backchannel path is not implemented for any supported device.
var ErrFallbackDisabled = errors.New("doorbell: fallback backchannel is disabled")

// FallbackSink occupies the backchannel slot when the fallback strategy is
// configured. It never plays audio.
type FallbackSink struct{}

// NewFallbackSink returns the fallback backchannel.
func NewFallbackSink() *FallbackSink {
	return &FallbackSink{}
}

func (FallbackSink) Start(context.Context) error                { return ErrFallbackDisabled }
func (FallbackSink) Write(context.Context, audioio.Frame) error { return ErrFallbackDisabled }
func (FallbackSink) Clear() error                               { return nil }
func (FallbackSink) Format() audioio.Format                     { return BackchannelFormat }
func (FallbackSink) Name() string                               { return "fallback" }
func (FallbackSink) Close() error                               { return nil }

var _ audioio.Sink = FallbackSink{}
