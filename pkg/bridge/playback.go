package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/audioio"
	"github.com/teslashibe/go-porter/pkg/turn"
)

// cancelledMemory is how many interrupted responses are remembered.
const cancelledMemory = 8

// PlaybackConfig tunes the outbound stream.
type PlaybackConfig struct {
	// Latency is how much audio a turn buffers before the first write.
	Latency time.Duration

	// QueueSize bounds the number of queued frames. Overflow drops the oldest.
	QueueSize int

	// Tick is how often the stream re-checks the gate, the latency timer and
	// time-based turn transitions while it has nothing to write.
	Tick time.Duration

	// Exhausted is how long a started turn may starve before it is treated
	// as finished without an end-of-turn mark.
	Exhausted time.Duration

	Logger *slog.Logger
}

// DefaultPlaybackConfig returns the defaults used on doorbell calls.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		Latency:   200 * time.Millisecond,
		QueueSize: 50,
		Tick:      20 * time.Millisecond,
		Exhausted: time.Second,
	}
}

// Playback is the outbound stream for one session.
type Playback struct {
	sink   audioio.Sink
	turn   *turn.Controller
	cfg    PlaybackConfig
	logger *slog.Logger

	mu       sync.Mutex
	queue    []audioio.Frame
	buffered time.Duration
	inflight bool

	// current turn
	pending   bool // frames arrived for a turn not yet started
	firstAt   time.Time
	started   bool
	ended     bool
	lastWrite time.Time

	// response is the latest response seen; cancelled holds interrupted ones
	// whose late frames are discarded.
	response  string
	cancelled []string

	drained chan struct{} // closed while nothing is queued or in flight
	wake    chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

// PlaybackStats summarises a playback run.
type PlaybackStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// NewPlayback creates a playback stream writing to sink. ctrl may be nil,
// in which case frames are never gated.
func NewPlayback(sink audioio.Sink, ctrl *turn.Controller, cfg PlaybackConfig) *Playback {
	def := DefaultPlaybackConfig()
	if cfg.Latency < 0 {
		cfg.Latency = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Exhausted <= 0 {
		cfg.Exhausted = def.Exhausted
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	drained := make(chan struct{})
	close(drained)

	return &Playback{
		sink:    sink,
		turn:    ctrl,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "bridge.playback", "sink", sink.Name()),
		drained: drained,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds an outbound frame to the current turn. Frames of an
// interrupted response are discarded.
func (p *Playback) Enqueue(f audioio.Frame) {
	p.mu.Lock()
	if f.Response != "" {
		if p.isCancelled(f.Response) {
			p.mu.Unlock()
			p.logger.Debug("discarding frame of interrupted response", "seq", f.Seq, "response", f.Response)
			return
		}
		p.response = f.Response
	}
	if len(p.queue) >= p.cfg.QueueSize {
		old := p.queue[0]
		p.queue = p.queue[1:]
		p.buffered -= old.Duration()
		p.dropped.Add(1)
		metrics.FramesDropped.WithLabelValues("outbound").Inc()
		p.logger.Warn("playback degraded: queue full, dropping oldest frame", "seq", old.Seq)
	}

	if !p.pending && !p.started {
		p.pending = true
		p.firstAt = time.Now()
		p.ended = false
	}
	p.queue = append(p.queue, f)
	p.buffered += f.Duration()
	p.markBusy()
	p.mu.Unlock()

	p.signal()
}

// EndTurn marks that the voice service finished the current turn.
func (p *Playback) EndTurn() {
	p.mu.Lock()
	if p.pending || p.started {
		p.ended = true
	}
	p.mu.Unlock()
	p.signal()
}

// Interrupt discards everything queued and cuts the current turn short.
func (p *Playback) Interrupt() {
	p.mu.Lock()
	n := len(p.queue)
	wasStarted := p.started
	p.cancel(p.response)
	for _, f := range p.queue {
		p.cancel(f.Response)
	}
	p.response = ""
	p.queue = nil
	p.buffered = 0
	p.resetTurn()
	p.markDrainedIfIdle()
	p.mu.Unlock()

	if err := p.sink.Clear(); err != nil {
		p.logger.Warn("sink clear failed", "error", err)
	}
	if wasStarted && p.turn != nil {
		p.turn.Drained(time.Now())
	}
	p.logger.Info("playback interrupted", "discarded", n)
	p.signal()
}

// WaitDrained blocks until nothing is queued or being written, or ctx ends.
func (p *Playback) WaitDrained(ctx context.Context) error {
	for {
		p.mu.Lock()
		ch := p.drained
		p.mu.Unlock()

		select {
		case <-ch:
			p.mu.Lock()
			idle := len(p.queue) == 0 && !p.inflight
			p.mu.Unlock()
			if idle {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run writes queued frames until ctx is cancelled or the sink rejects a
// write. A rejected write is returned as a *PlaybackError.
func (p *Playback) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	p.logger.Info("playback started", "latency", p.cfg.Latency, "queue_size", p.cfg.QueueSize)
	defer func() {
		p.logger.Info("playback stopped", "written", p.written.Load(), "dropped", p.dropped.Load())
	}()

	target := p.sink.Format()

	for {
		if ctx.Err() != nil {
			return nil
		}

		f, ok := p.next(time.Now())
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.wake:
			case now := <-ticker.C:
				if p.turn != nil {
					p.turn.Tick(now)
				}
			}
			continue
		}

		if f.Format != target {
			converted, err := audioio.Convert(f, target)
			if err != nil {
				p.finishWrite()
				p.logger.Warn("dropping unconvertible frame", "seq", f.Seq, "error", err)
				continue
			}
			f = converted
		}

		// The visitor may have barged in since the frame was dequeued.
		if p.turn != nil && !p.turn.AllowOutbound() {
			p.finishWrite()
			continue
		}

		if err := p.sink.Write(ctx, f); err != nil {
			p.finishWrite()
			if ctx.Err() != nil {
				return nil
			}
			return &PlaybackError{Sink: p.sink.Name(), Seq: f.Seq, Err: err}
		}

		p.written.Add(1)
		metrics.FramesTotal.WithLabelValues("outbound").Inc()
		p.finishWrite()
	}
}

// next pops the frame to write now, if any, and drives turn transitions.
func (p *Playback) next(now time.Time) (audioio.Frame, bool) {
	p.mu.Lock()

	if len(p.queue) == 0 {
		finished := p.started && (p.ended || now.Sub(p.lastWrite) >= p.cfg.Exhausted)
		if finished {
			p.resetTurn()
		}
		p.mu.Unlock()
		if finished && p.turn != nil {
			p.turn.OutboundEnded(now)
		}
		return audioio.Frame{}, false
	}

	if p.turn != nil && !p.turn.AllowOutbound() {
		p.mu.Unlock()
		return audioio.Frame{}, false
	}

	if !p.started {
		ready := p.ended || p.buffered >= p.cfg.Latency || now.Sub(p.firstAt) >= p.cfg.Latency
		p.mu.Unlock()
		if !ready {
			return audioio.Frame{}, false
		}

		// OutboundStarted fires turn callbacks; they must not run under p.mu.
		if p.turn != nil && !p.turn.OutboundStarted(now) {
			return audioio.Frame{}, false
		}

		p.mu.Lock()
		if len(p.queue) == 0 {
			// interrupted while the turn was being claimed
			p.mu.Unlock()
			if p.turn != nil {
				p.turn.Drained(now)
			}
			return audioio.Frame{}, false
		}
		p.started = true
		p.pending = false
	}

	f := p.queue[0]
	p.queue = p.queue[1:]
	p.buffered -= f.Duration()
	p.inflight = true
	p.mu.Unlock()
	return f, true
}

func (p *Playback) finishWrite() {
	p.mu.Lock()
	p.inflight = false
	p.lastWrite = time.Now()
	p.markDrainedIfIdle()
	p.mu.Unlock()
}

// resetTurn forgets the current turn. Caller holds p.mu.
func (p *Playback) resetTurn() {
	p.pending = false
	p.started = false
	p.ended = false
	p.firstAt = time.Time{}
	if len(p.queue) > 0 {
		// frames of the next turn are already waiting
		p.pending = true
		p.firstAt = time.Now()
	}
}

// cancel remembers id as interrupted. Caller holds p.mu.
func (p *Playback) cancel(id string) {
	if id == "" || p.isCancelled(id) {
		return
	}
	if len(p.cancelled) >= cancelledMemory {
		p.cancelled = p.cancelled[1:]
	}
	p.cancelled = append(p.cancelled, id)
}

// isCancelled reports whether id was interrupted. Caller holds p.mu.
func (p *Playback) isCancelled(id string) bool {
	for _, c := range p.cancelled {
		if c == id {
			return true
		}
	}
	return false
}

// markBusy opens a new drained channel. Caller holds p.mu.
func (p *Playback) markBusy() {
	select {
	case <-p.drained:
		p.drained = make(chan struct{})
	default:
	}
}

// markDrainedIfIdle closes the drained channel when idle. Caller holds p.mu.
func (p *Playback) markDrainedIfIdle() {
	if len(p.queue) != 0 || p.inflight {
		return
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

func (p *Playback) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns counters for this stream.
func (p *Playback) Stats() PlaybackStats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return PlaybackStats{
		Written: p.written.Load(),
		Dropped: p.dropped.Load(),
		Queued:  queued,
	}
}

// String implements fmt.Stringer for logs.
func (p *Playback) String() string {
	s := p.Stats()
	return fmt.Sprintf("playback(%s written=%d dropped=%d queued=%d)", p.sink.Name(), s.Written, s.Dropped, s.Queued)
}
