// internal/utils/metrics.go
package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "omnet"

// Metrics holds the prometheus collectors for the avatar core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	turnsTotal         *prometheus.CounterVec
	turnDuration       *prometheus.HistogramVec
	inferenceDuration  *prometheus.HistogramVec
	sessionResets      *prometheus.CounterVec
	modelEvictions     prometheus.Counter
	modelLoads         *prometheus.CounterVec
	activeModels       prometheus.Gauge
	feedbackAdjust     *prometheus.CounterVec
	preferenceUpdates  prometheus.Counter
	persistenceErrors  *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	wsConnections      prometheus.Gauge
	avatarConfigReload *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "turns_total",
			Help:      "Conversation turns by avatar and outcome",
		}, []string{"avatar", "outcome"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "turn_duration_seconds",
			Help:      "End to end turn latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"avatar"}),
		inferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "inference_duration_seconds",
			Help:      "Inference backend latency by model and status",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model", "status"}),
		sessionResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_resets_total",
			Help:      "Sessions started fresh, by reason",
		}, []string{"reason"}),
		modelEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "model_evictions_total",
			Help:      "Active models evicted by the LRU policy",
		}),
		modelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "model_loads_total",
			Help:      "Model activation attempts by status",
		}, []string{"status"}),
		activeModels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_models",
			Help:      "Models currently in the active set",
		}),
		feedbackAdjust: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feedback_adjustments_total",
			Help:      "Personality adjustments applied, by dimension",
		}, []string{"dimension"}),
		preferenceUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "preference_recomputes_total",
			Help:      "User preference recomputations",
		}),
		persistenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persistence_errors_total",
			Help:      "Store failures by operation",
		}, []string{"op"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_connections",
			Help:      "Open websocket chat connections",
		}),
		avatarConfigReload: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "avatar_config_reloads_total",
			Help:      "Avatar configuration reloads by status",
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordTurn(avatar, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(avatar, outcome).Inc()
	m.turnDuration.WithLabelValues(avatar).Observe(d.Seconds())
}

func (m *Metrics) RecordInference(model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(model, status).Observe(d.Seconds())
}

func (m *Metrics) RecordSessionReset(reason string) {
	if m == nil {
		return
	}
	m.sessionResets.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordModelEviction() {
	if m == nil {
		return
	}
	m.modelEvictions.Inc()
}

func (m *Metrics) RecordModelLoad(status string) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveModels(n int) {
	if m == nil {
		return
	}
	m.activeModels.Set(float64(n))
}

func (m *Metrics) RecordFeedbackAdjustment(dimension string) {
	if m == nil {
		return
	}
	m.feedbackAdjust.WithLabelValues(dimension).Inc()
}

func (m *Metrics) RecordPreferenceRecompute() {
	if m == nil {
		return
	}
	m.preferenceUpdates.Inc()
}

func (m *Metrics) RecordPersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// WebsocketConnected adjusts the open connection gauge by delta.
func (m *Metrics) WebsocketConnected(delta int) {
	if m == nil {
		return
	}
	m.wsConnections.Add(float64(delta))
}

func (m *Metrics) RecordAvatarReload(status string) {
	if m == nil {
		return
	}
	m.avatarConfigReload.WithLabelValues(status).Inc()
}
