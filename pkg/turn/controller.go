package turn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-porter/internal/metrics"
)

// Controller is the turn-taking state machine. It is the only writer of the
// turn state; streams read it through AllowOutbound and State.
//
// All inputs carry an explicit timestamp so debounce windows are measured on
// the clock of the event that drives them.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
	// holder is who is releasing the floor while Transitioning.
	holder State

	activeSince time.Time // start of the current run of loud frames
	quietSince  time.Time // start of the current run of quiet frames
	endedAt     time.Time // when the AI turn ended

	onChange  []func(from, to State)
	onBargeIn []func()
}

type event struct {
	from, to State
	bargeIn  bool
}

// NewController creates a controller in Idle.
func NewController(cfg Config) (*Controller, error) {
	if cfg.BargeIn == "" {
		cfg.BargeIn = BargeInInterrupt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With("component", "turn"),
		state:  Idle,
	}, nil
}

// OnChange registers a callback fired after every transition.
// Callbacks run outside the controller lock.
func (c *Controller) OnChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnBargeIn registers a callback fired when visitor speech cuts an AI turn.
func (c *Controller) OnBargeIn(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBargeIn = append(c.onBargeIn, fn)
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Policy returns the configured barge-in policy.
func (c *Controller) Policy() BargeInPolicy {
	return c.cfg.BargeIn
}

// AllowOutbound reports whether playback may write to the doorbell now.
// The visitor keeps the floor through a pause until SilenceDebounce elapses.
func (c *Controller) AllowOutbound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.visitorHoldsFloor()
}

// visitorHoldsFloor is true while the visitor speaks or is pausing.
// Caller holds c.mu.
func (c *Controller) visitorHoldsFloor() bool {
	return c.state == VisitorSpeaking || (c.state == Transitioning && c.holder == VisitorSpeaking)
}

// Observe feeds the level of one inbound frame captured at `at`.
func (c *Controller) Observe(level float64, at time.Time) State {
	c.mu.Lock()
	var evs []event

	loud := level >= c.cfg.SilenceThreshold
	if loud {
		c.quietSince = time.Time{}
		if c.activeSince.IsZero() {
			c.activeSince = at
		}
	} else {
		c.activeSince = time.Time{}
		if c.quietSince.IsZero() {
			c.quietSince = at
		}
	}
	sustained := loud && at.Sub(c.activeSince) >= c.cfg.SpeechDebounce

	switch c.state {
	case Idle:
		if sustained {
			evs = c.move(evs, VisitorSpeaking, false)
		}

	case VisitorSpeaking:
		if !loud {
			c.holder = VisitorSpeaking
			evs = c.move(evs, Transitioning, false)
		}

	case AISpeaking:
		if sustained {
			evs = c.bargeIn(evs)
		}

	case Transitioning:
		switch {
		case c.holder == VisitorSpeaking && loud:
			evs = c.move(evs, VisitorSpeaking, false)
		case c.holder == VisitorSpeaking && at.Sub(c.quietSince) >= c.cfg.SilenceDebounce:
			evs = c.move(evs, Idle, false)
		case c.holder == AISpeaking && sustained:
			// AI turn already finished; the visitor simply takes the floor.
			evs = c.move(evs, VisitorSpeaking, false)
		case c.holder == AISpeaking && at.Sub(c.endedAt) >= c.cfg.SilenceDebounce:
			evs = c.move(evs, Idle, false)
		}
	}

	state := c.state
	c.mu.Unlock()
	c.fire(evs)
	return state
}

// OutboundStarted is called by playback before the first write of an AI
// turn. It returns false while the visitor holds the floor.
func (c *Controller) OutboundStarted(at time.Time) bool {
	c.mu.Lock()
	var evs []event
	ok := true

	switch {
	case c.visitorHoldsFloor():
		ok = false
	case c.state == Idle, c.state == Transitioning:
		evs = c.move(evs, AISpeaking, false)
	}

	c.mu.Unlock()
	c.fire(evs)
	return ok
}

// OutboundEnded is called when the AI turn has no more audio: the
// end-of-turn mark arrived and the queue is exhausted.
func (c *Controller) OutboundEnded(at time.Time) {
	c.mu.Lock()
	var evs []event
	if c.state == AISpeaking {
		c.holder = AISpeaking
		c.endedAt = at
		evs = c.move(evs, Transitioning, false)
	}
	c.mu.Unlock()
	c.fire(evs)
}

// Drained is called once playback has nothing buffered or in flight.
// A finished or flushed AI turn releases the floor immediately.
func (c *Controller) Drained(at time.Time) {
	c.mu.Lock()
	var evs []event
	if c.state == AISpeaking || (c.state == Transitioning && c.holder == AISpeaking) {
		evs = c.move(evs, Idle, false)
	}
	c.mu.Unlock()
	c.fire(evs)
}

// Tick advances time-based transitions when no frames arrive.
func (c *Controller) Tick(at time.Time) State {
	c.mu.Lock()
	var evs []event
	if c.state == Transitioning {
		switch c.holder {
		case AISpeaking:
			if at.Sub(c.endedAt) >= c.cfg.SilenceDebounce {
				evs = c.move(evs, Idle, false)
			}
		case VisitorSpeaking:
			if !c.quietSince.IsZero() && at.Sub(c.quietSince) >= c.cfg.SilenceDebounce {
				evs = c.move(evs, Idle, false)
			}
		}
	}
	state := c.state
	c.mu.Unlock()
	c.fire(evs)
	return state
}

// RemoteSpeechStarted handles speech detected by the voice service.
// It goes through the same barge-in policy as local activity.
func (c *Controller) RemoteSpeechStarted(at time.Time) {
	c.mu.Lock()
	var evs []event

	switch c.state {
	case AISpeaking:
		evs = c.bargeIn(evs)
	case Idle, Transitioning:
		c.quietSince = time.Time{}
		evs = c.move(evs, VisitorSpeaking, false)
	}

	c.mu.Unlock()
	c.fire(evs)
}

// RemoteSpeechStopped handles end of speech reported by the voice service.
func (c *Controller) RemoteSpeechStopped(at time.Time) {
	c.mu.Lock()
	var evs []event
	if c.state == VisitorSpeaking {
		c.holder = VisitorSpeaking
		if c.quietSince.IsZero() {
			c.quietSince = at
		}
		evs = c.move(evs, Transitioning, false)
	}
	c.mu.Unlock()
	c.fire(evs)
}

// Reset returns to Idle and forgets all debounce state.
// Used when a call becomes active and after the voice link is lost.
func (c *Controller) Reset() {
	c.mu.Lock()
	var evs []event
	c.activeSince = time.Time{}
	c.quietSince = time.Time{}
	c.endedAt = time.Time{}
	if c.state != Idle {
		evs = c.move(evs, Idle, false)
	}
	c.mu.Unlock()
	c.fire(evs)
}

// bargeIn applies the policy to sustained visitor speech during an AI turn.
// Caller holds c.mu.
func (c *Controller) bargeIn(evs []event) []event {
	if c.cfg.BargeIn != BargeInInterrupt {
		return evs
	}
	return c.move(evs, VisitorSpeaking, true)
}

// move records a transition. Caller holds c.mu.
func (c *Controller) move(evs []event, to State, bargeIn bool) []event {
	from := c.state
	if from == to {
		return evs
	}
	c.state = to
	return append(evs, event{from: from, to: to, bargeIn: bargeIn})
}

func (c *Controller) fire(evs []event) {
	if len(evs) == 0 {
		return
	}

	c.mu.Lock()
	onChange := append([]func(from, to State){}, c.onChange...)
	onBargeIn := append([]func(){}, c.onBargeIn...)
	c.mu.Unlock()

	for _, ev := range evs {
		metrics.TurnTransitions.WithLabelValues(ev.to.String()).Inc()
		if ev.bargeIn {
			metrics.BargeIns.Inc()
			c.logger.Info("visitor barged in, cutting playback")
			for _, fn := range onBargeIn {
				fn()
			}
		}
		c.logger.Debug("turn transition", "from", ev.from, "to", ev.to)
		for _, fn := range onChange {
			fn(ev.from, ev.to)
		}
	}
}
