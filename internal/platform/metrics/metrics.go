package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seechange-ingest/internal/domain"
)

// Metrics holds Prometheus counters and gauges for the ingest service.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	framesAccepted     prometheus.Counter
	framesRejected     *prometheus.CounterVec
	streamsStarted     prometheus.Counter
	streamsEnded       prometheus.Counter
	transcoderFailures prometheus.Counter
	persistenceErrors  prometheus.Counter
	activeStreams      prometheus.Gauge
	activeSessions     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the ingest service.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		framesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_frames_accepted_total",
			Help: "Frames verified and queued for a transcoder",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seechange_frames_rejected_total",
			Help: "Frames rejected, by reason code",
		}, []string{"reason"}),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_streams_started_total",
			Help: "Total number of streams started",
		}),
		streamsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_streams_ended_total",
			Help: "Total number of streams ended",
		}),
		transcoderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_transcoder_failures_total",
			Help: "Transcoder processes that failed to launch or exited unexpectedly",
		}),
		persistenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seechange_persistence_errors_total",
			Help: "Stream lifecycle events that could not be stored",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seechange_active_streams",
			Help: "Number of live streams",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seechange_active_sessions",
			Help: "Number of open producer connections",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.framesAccepted,
		m.framesRejected,
		m.streamsStarted,
		m.streamsEnded,
		m.transcoderFailures,
		m.persistenceErrors,
		m.activeStreams,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// FrameAccepted counts a queued frame.
func (m *Metrics) FrameAccepted() {
	m.framesAccepted.Inc()
}

// FrameRejected counts a rejected frame under its error code.
func (m *Metrics) FrameRejected(code domain.Code) {
	m.framesRejected.WithLabelValues(string(code)).Inc()
}

// StreamStarted counts a started stream.
func (m *Metrics) StreamStarted() {
	m.streamsStarted.Inc()
}

// StreamEnded counts an ended stream.
func (m *Metrics) StreamEnded() {
	m.streamsEnded.Inc()
}

// TranscoderFailed counts a failed transcoder.
func (m *Metrics) TranscoderFailed() {
	m.transcoderFailures.Inc()
}

// PersistenceFailed counts a lost lifecycle event. The error is ignored; it
// has already been logged.
func (m *Metrics) PersistenceFailed(error) {
	m.persistenceErrors.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	scrape := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		scrape.ServeHTTP(w, r)
	})
}
