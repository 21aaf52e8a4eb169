// Package bridge moves audio between the doorbell transport and the voice
// link.
//
// Capture pulls inbound frames from an audioio.Source, checks their
// ordering, feeds levels to the turn controller and hands them on.
// Playback queues outbound frames from the voice link and writes them to an
// audioio.Sink, holding them while the visitor has the floor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/turn"
)

// Capture is the inbound stream for one session.
type Capture struct {
	src    audioio.Source
	turn   *turn.Controller
	logger *slog.Logger

	lastSeq uint64
	started bool

	frames    atomic.Int64
	missing   atomic.Int64
	discarded atomic.Int64
}

// CaptureStats summarises a capture run.
type CaptureStats struct {
	Frames    int64 `json:"frames"`
	Missing   int64 `json:"missing"`
	Discarded int64 `json:"discarded"`
}

// NewCapture creates a capture stream over src. ctrl may be nil when turn
// tracking is not wanted.
func NewCapture(src audioio.Source, ctrl *turn.Controller, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		src:    src,
		turn:   ctrl,
		logger: logger.With("component", "bridge.capture", "source", src.Name()),
	}
}

// Run reads frames until ctx is cancelled, the source fails or emit fails.
// Frames reach emit in source order. A source error is returned as a
// *CaptureError; cancellation returns nil.
func (c *Capture) Run(ctx context.Context, emit func(audioio.Frame) error) error {
	c.logger.Info("capture started")
	defer c.logger.Info("capture stopped",
		"frames", c.frames.Load(),
		"missing", c.missing.Load(),
		"discarded", c.discarded.Load(),
	)

	for {
		f, err := c.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &CaptureError{Source: c.src.Name(), Err: err}
		}

		if !c.accept(f) {
			continue
		}

		if c.turn != nil {
			if samples, err := f.Samples(); err == nil {
				at := f.Timestamp
				if at.IsZero() {
					at = time.Now()
				}
				c.turn.Observe(audioio.Level(samples), at)
			} else {
				c.logger.Warn("undecodable frame", "seq", f.Seq, "error", err)
			}
		}

		c.frames.Add(1)
		metrics.FramesTotal.WithLabelValues("inbound").Inc()

		if err := emit(f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("bridge: forward frame %d: %w", f.Seq, err)
		}
	}
}

// accept enforces strictly increasing sequence numbers. Gaps are counted
// as missing frames; stale or duplicate frames are discarded.
func (c *Capture) accept(f audioio.Frame) bool {
	if !c.started {
		c.started = true
		c.lastSeq = f.Seq
		return true
	}

	if f.Seq <= c.lastSeq {
		c.discarded.Add(1)
		c.logger.Warn("discarding out-of-order frame", "seq", f.Seq, "last_seq", c.lastSeq)
		return false
	}

	if f.Seq > c.lastSeq+1 {
		gap := f.Seq - c.lastSeq - 1
		c.missing.Add(int64(gap))
		metrics.FramesDropped.WithLabelValues("inbound").Add(float64(gap))
		c.logger.Warn("capture degraded: frames missing", "gap", gap, "after_seq", c.lastSeq)
	}

	c.lastSeq = f.Seq
	return true
}

// Stats returns counters for this stream.
func (c *Capture) Stats() CaptureStats {
	return CaptureStats{
		Frames:    c.frames.Load(),
		Missing:   c.missing.Load(),
		Discarded: c.discarded.Load(),
	}
}
