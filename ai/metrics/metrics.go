// Package metrics exports Prometheus metrics for the chat pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns a Prometheus registry and every pipeline metric. All record
// methods are nil-receiver safe, so components can hold an optional exporter
// without guarding each call site.
type Exporter struct {
	registry *prometheus.Registry

	// Bridge metrics
	bridgeCalls    *prometheus.CounterVec
	bridgeDuration *prometheus.HistogramVec

	// Extractor metrics
	extractorRuns *prometheus.CounterVec

	// Orchestrator metrics
	chatRequests    *prometheus.CounterVec
	fallbackReplies *prometheus.CounterVec

	// Session store metrics
	sessionsActive prometheus.Gauge
	sessionsSwept  prometheus.Counter
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the bridge latency histogram (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default exporter configuration. The buckets lean
// long because a bridge call legitimately waits up to the response timeout.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewExporter creates an exporter with all pipeline metrics registered.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dripcast",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Total agent bridge calls by outcome class",
		},
		[]string{"outcome"},
	)

	e.bridgeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dripcast",
			Subsystem: "bridge",
			Name:      "call_seconds",
			Help:      "Agent bridge call duration in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"outcome"},
	)

	e.extractorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dripcast",
			Subsystem: "plan",
			Name:      "extractor_runs_total",
			Help:      "Extraction attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	e.chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dripcast",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Chat messages handled by surface",
		},
		[]string{"surface"},
	)

	e.fallbackReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dripcast",
			Subsystem: "chat",
			Name:      "fallback_replies_total",
			Help:      "Locally generated replies served instead of agent output",
		},
		[]string{"kind"},
	)

	e.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dripcast",
			Subsystem: "plan",
			Name:      "sessions_active",
			Help:      "Plan-building sessions currently held in memory",
		},
	)

	e.sessionsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dripcast",
			Subsystem: "plan",
			Name:      "sessions_swept_total",
			Help:      "Expired plan sessions evicted by the background sweep",
		},
	)

	registry.MustRegister(
		e.bridgeCalls,
		e.bridgeDuration,
		e.extractorRuns,
		e.chatRequests,
		e.fallbackReplies,
		e.sessionsActive,
		e.sessionsSwept,
	)

	return e
}

// ObserveBridgeCall records one bridge call with its outcome class.
func (e *Exporter) ObserveBridgeCall(outcome string, elapsed time.Duration) {
	if e == nil {
		return
	}
	e.bridgeCalls.WithLabelValues(outcome).Inc()
	e.bridgeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordExtractorRun records one strategy attempt.
func (e *Exporter) RecordExtractorRun(strategy, outcome string) {
	if e == nil {
		return
	}
	e.extractorRuns.WithLabelValues(strategy, outcome).Inc()
}

// RecordChatRequest records one handled chat message.
func (e *Exporter) RecordChatRequest(surface string) {
	if e == nil {
		return
	}
	e.chatRequests.WithLabelValues(surface).Inc()
}

// RecordFallbackReply records a locally generated reply.
func (e *Exporter) RecordFallbackReply(kind string) {
	if e == nil {
		return
	}
	e.fallbackReplies.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the live plan-session count.
func (e *Exporter) SetActiveSessions(count int) {
	if e == nil {
		return
	}
	e.sessionsActive.Set(float64(count))
}

// AddSweptSessions counts sessions evicted by a sweep pass.
func (e *Exporter) AddSweptSessions(count int) {
	if e == nil {
		return
	}
	e.sessionsSwept.Add(float64(count))
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
