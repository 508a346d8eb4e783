package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stages of a call, reported at /v1/perf/latency.
const (
	StageAIDial               = "ai_dial"
	StageOpenToSessionCreated = "open_to_session_created"
	StageStartToFirstAudio    = "start_to_first_audio"
	StageToolInvoke           = "tool_invoke"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	DroppedFrames   *prometheus.CounterVec
	MalformedEvents *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	ToolLatency     *prometheus.HistogramVec
	StageLatency    *prometheus.HistogramVec
	Indicators      *prometheus.CounterVec

	budgets map[string]time.Duration
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls currently relayed.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Call session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by leg, direction and type.",
		}, []string{"leg", "direction", "type"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_frames_total",
			Help:      "Audio frames dropped by leg and reason.",
		}, []string{"leg", "reason"}),
		MalformedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Unparseable inbound payloads by leg.",
		}, []string{"leg"}),
		Disconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connection terminations by leg and kind.",
		}, []string{"leg", "kind"}),
		ToolInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool execution latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"tool"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Call stage latency in milliseconds by stage and outcome.",
			Buckets:   stageBucketsMS,
		}, []string{"stage", "outcome"}),
		Indicators: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_indicators_total",
			Help:      "Relay events without a latency, by name.",
		}, []string{"name"}),
	}
}

// SetStageBudgets sets the per-stage targets the latency report compares
// against. Call it before serving traffic.
func (m *Metrics) SetStageBudgets(budgets map[string]time.Duration) {
	if m == nil {
		return
	}
	m.budgets = budgets
}

// ObserveStage records a successful latency sample for the named stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.ObserveStageOutcome(stage, "ok", d)
}

func (m *Metrics) ObserveStageOutcome(stage, outcome string, d time.Duration) {
	if m == nil || stage == "" || d < 0 {
		return
	}
	m.StageLatency.WithLabelValues(stage, outcome).Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil || name == "" {
		return
	}
	m.Indicators.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveToolInvocation(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(float64(d.Milliseconds()))
	m.ObserveStageOutcome(StageToolInvoke, outcome, d)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) CountSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) CountMessage(leg, direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(leg, direction, msgType).Inc()
}

func (m *Metrics) CountDroppedFrame(leg, reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(leg, reason).Inc()
}

func (m *Metrics) CountMalformed(leg string) {
	if m == nil {
		return
	}
	m.MalformedEvents.WithLabelValues(leg).Inc()
}

func (m *Metrics) CountDisconnect(leg, kind string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(leg, kind).Inc()
}
