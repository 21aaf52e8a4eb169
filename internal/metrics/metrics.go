// Package metrics holds the Prometheus collectors for go-porter.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "porter"

var (
	// RingsTotal counts ring events by result: accepted, busy, limited, error.
	RingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rings_total",
			Help:      "Doorbell ring events by result",
		},
		[]string{"result"},
	)

	// SessionsTotal counts finished sessions by outcome: hangup, link_closed,
	// capture_error, playback_error, link_failed, shutdown.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Terminated call sessions by outcome",
		},
		[]string{"outcome"},
	)

	// SessionState is 1 for the state the current session is in.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current call session state (1 = active state)",
		},
		[]string{"state"},
	)

	// SessionDuration observes how long sessions lasted.
	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Call session duration from ring to teardown",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// ToolCallsTotal counts dispatches by tool and status (ok or an error code).
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by tool and status",
		},
		[]string{"tool", "status"},
	)

	// ToolCallDuration observes dispatch latency per tool.
	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool dispatch latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"tool"},
	)

	// FramesTotal counts audio frames moved by direction.
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames bridged by direction",
		},
		[]string{"direction"},
	)

	// FramesDropped counts frames lost by direction (sequence gaps, queue overflow).
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped or missing by direction",
		},
		[]string{"direction"},
	)

	// TurnTransitions counts turn-taking transitions by target state.
	TurnTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Turn-taking transitions by target state",
		},
		[]string{"to"},
	)

	// BargeIns counts playback interruptions caused by visitor speech.
	BargeIns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "AI turns cut short by visitor speech",
		},
	)
)

var allMetrics = []prometheus.Collector{
	RingsTotal,
	SessionsTotal,
	SessionState,
	SessionDuration,
	ToolCallsTotal,
	ToolCallDuration,
	FramesTotal,
	FramesDropped,
	TurnTransitions,
	BargeIns,
}

var (
	registry *prometheus.Registry
	once     sync.Once
)

// Registry returns the process registry with all porter collectors plus the
// Go runtime and process collectors.
func Registry() *prometheus.Registry {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		for _, c := range allMetrics {
			registry.MustRegister(c)
		}
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// SetSessionState marks state as the only active session state.
func SetSessionState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}
