package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SessionEvents     *prometheus.CounterVec
	Exchanges         prometheus.Counter
	StreamOutcomes    *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram
	ActiveStreams     prometheus.Gauge
	SynthesisOutcomes *prometheus.CounterVec
	SynthesisAttempts prometheus.Histogram
	SynthesisDuration prometheus.Histogram
	FlaggedSessions   prometheus.Counter
	WSMessages        *prometheus.CounterVec
	Stages            *StageWindow
}

// NewMetrics registers the instruments on reg, or the default registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Interview session lifecycle events by type.",
		}, []string{"event"}),
		Exchanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Completed user/assistant exchanges.",
		}),
		StreamOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Chat stream outcomes (ok, cancelled, timeout, error).",
		}, []string{"outcome"}),
		FirstDeltaLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency to the first streamed assistant text in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2500, 4000, 8000, 15000},
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Chat streams currently in flight.",
		}),
		SynthesisOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_outcomes_total",
			Help:      "Synthesis runs by outcome (ok, degraded, reverted, deduplicated).",
		}, []string{"outcome"}),
		SynthesisAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_attempts",
			Help:      "Model calls needed per synthesis run.",
			Buckets:   []float64{1, 2},
		}),
		SynthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Wall time of a synthesis run.",
			Buckets:   []float64{2, 5, 10, 20, 30, 60, 120},
		}),
		FlaggedSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_sessions_total",
			Help:      "Sessions flagged for review after reaching the message ceiling.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished(outcome string, total time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.Exchanges.Inc()
		m.Stages.Observe(StageStreamTotal, total)
	} else {
		m.Stages.ObserveIndicator("stream_" + outcome)
	}
}

func (m *Metrics) ObserveFirstDelta(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
	m.Stages.Observe(StageFirstDelta, d)
}

func (m *Metrics) SynthesisFinished(outcome string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisOutcomes.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.SynthesisAttempts.Observe(float64(attempts))
	}
	m.SynthesisDuration.Observe(d.Seconds())
	m.Stages.Observe(StageSynthesisTotal, d)
	if outcome != "ok" {
		m.Stages.ObserveIndicator("synthesis_" + outcome)
	}
}

func (m *Metrics) SessionFlagged() {
	if m == nil {
		return
	}
	m.FlaggedSessions.Inc()
	m.Stages.ObserveIndicator("session_flagged")
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
