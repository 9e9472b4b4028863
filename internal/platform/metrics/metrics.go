package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the session rotator.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	sessionsStartedTotal  prometheus.Counter
	sessionsFailedTotal   prometheus.Counter
	rotationsTotal        prometheus.Counter
	encoderRestartsTotal  prometheus.Counter
	lifecycleRetriesTotal prometheus.Counter
	activeSessions        prometheus.Gauge
	errorsTotal           prometheus.Counter
}

// New creates and registers Prometheus metrics for the rotator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_sessions_started_total",
		Help: "Total number of sessions whose encoder was started",
	})
	sessionsFailedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_sessions_failed_total",
		Help: "Total number of session attempts abandoned after errors",
	})
	rotationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_rotations_total",
		Help: "Total number of completed current-to-next session rotations",
	})
	encoderRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_encoder_restarts_total",
		Help: "Total number of encoder processes restarted after unexpected exit",
	})
	lifecycleRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_lifecycle_retries_total",
		Help: "Total number of retried broadcast control API calls",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rotator_active_sessions",
		Help: "Number of sessions currently held by the rotator (current and next)",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotator_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		sessionsStartedTotal,
		sessionsFailedTotal,
		rotationsTotal,
		encoderRestartsTotal,
		lifecycleRetriesTotal,
		activeSessions,
		errorsTotal,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		sessionsStartedTotal:  sessionsStartedTotal,
		sessionsFailedTotal:   sessionsFailedTotal,
		rotationsTotal:        rotationsTotal,
		encoderRestartsTotal:  encoderRestartsTotal,
		lifecycleRetriesTotal: lifecycleRetriesTotal,
		activeSessions:        activeSessions,
		errorsTotal:           errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsFailed increments the failed session attempts counter.
func (m *Metrics) IncSessionsFailed() {
	m.sessionsFailedTotal.Inc()
}

// IncRotations increments the rotations counter.
func (m *Metrics) IncRotations() {
	m.rotationsTotal.Inc()
}

// IncEncoderRestarts increments the encoder restart counter.
func (m *Metrics) IncEncoderRestarts() {
	m.encoderRestartsTotal.Inc()
}

// IncLifecycleRetries increments the retried control API call counter.
func (m *Metrics) IncLifecycleRetries() {
	m.lifecycleRetriesTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
