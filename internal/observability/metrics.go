package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the companion client.
type Metrics struct {
	registry prometheus.Gatherer

	BridgePages        prometheus.Gauge
	StateTransitions   *prometheus.CounterVec
	DeviceRestarts     *prometheus.CounterVec
	DeviceErrors       *prometheus.CounterVec
	Utterances         *prometheus.CounterVec
	ChatAttempts       *prometheus.CounterVec
	ChatLatency        prometheus.Histogram
	SpeechUtterances   *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	IntegrationsPolled *prometheus.CounterVec

	stages *turnStageWindow
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry registers instruments on reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction never collides.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		BridgePages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_pages",
			Help:      "Number of browser pages attached to the device bridge.",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_state_transitions_total",
			Help:      "Voice session state transitions by target state.",
		}, []string{"state"}),
		DeviceRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_device_restarts_total",
			Help:      "Scheduled recognition device restarts by error class.",
		}, []string{"class"}),
		DeviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_device_errors_total",
			Help:      "Recognition device errors by code.",
		}, []string{"code"}),
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Batched utterances by outcome.",
		}, []string{"outcome"}),
		ChatAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_attempts_total",
			Help:      "Backend chat attempts by result.",
		}, []string{"result"}),
		ChatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_roundtrip_ms",
			Help:      "Backend chat round-trip latency in milliseconds, retries included.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		SpeechUtterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_utterances_total",
			Help:      "Spoken assistant replies by outcome.",
		}, []string{"outcome"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Bridge WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		IntegrationsPolled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrations_polls_total",
			Help:      "Integration status polls by result.",
		}, []string{"result"}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveChatLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ChatLatency.Observe(float64(d.Milliseconds()))
}

// ObserveTurnStage records one stage duration in the rolling percentile window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// Handler exposes the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
