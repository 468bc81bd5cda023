package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for experiment streaming and the
// console's HTTP traffic.
//
// All record methods are safe to call on a nil *Metrics, so components can
// run without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ExperimentStarted("gpt-small")
//	metrics.FragmentReceived("gpt-small", len(fragment))
type Metrics struct {
	// ExperimentsStarted counts experiments handed to the runner.
	// Labels: model
	ExperimentsStarted *prometheus.CounterVec

	// ExperimentsEnded counts terminal outcomes.
	// Labels: model, status (finished|failed|cancelled)
	ExperimentsEnded *prometheus.CounterVec

	// ActiveExperiments tracks runs with an open or opening stream.
	// Labels: model
	ActiveExperiments *prometheus.GaugeVec

	// FragmentsReceived counts streamed fragments applied to output.
	// Labels: model
	FragmentsReceived *prometheus.CounterVec

	// OutputBytes counts streamed output bytes.
	// Labels: model
	OutputBytes *prometheus.CounterVec

	// TimeToFirstFragment measures latency from start to first fragment.
	// Labels: model
	TimeToFirstFragment *prometheus.HistogramVec

	// ExperimentDuration measures run lifetime in seconds.
	// Labels: model, status
	ExperimentDuration *prometheus.HistogramVec

	// BackendRequestCounter counts REST calls to the serving backend.
	// Labels: method, endpoint, status (success|error)
	BackendRequestCounter *prometheus.CounterVec

	// BackendRequestDuration measures REST call latency.
	// Labels: method, endpoint
	BackendRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts console API requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures console API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ExperimentsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldeck_experiments_started_total",
				Help: "Total number of experiments started by model",
			},
			[]string{"model"},
		),

		ExperimentsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldeck_experiments_ended_total",
				Help: "Total number of experiments reaching a terminal state by model and status",
			},
			[]string{"model", "status"},
		),

		ActiveExperiments: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modeldeck_active_experiments",
				Help: "Current number of experiments with an open stream",
			},
			[]string{"model"},
		),

		FragmentsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldeck_stream_fragments_total",
				Help: "Total number of streamed fragments applied to experiment output",
			},
			[]string{"model"},
		),

		OutputBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldeck_stream_output_bytes_total",
				Help: "Total number of streamed output bytes",
			},
			[]string{"model"},
		),

		TimeToFirstFragment: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modeldeck_time_to_first_fragment_seconds",
				Help:    "Latency between experiment start and its first streamed fragment",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"model"},
		),

		ExperimentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modeldeck_experiment_duration_seconds",
				Help:    "Duration of experiment runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model", "status"},
		),

		BackendRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldeck_backend_requests_total",
				Help: "Total number of REST requests to the serving backend",
			},
			[]string{"method", "endpoint", "status"},
		),

		BackendRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modeldeck_backend_request_duration_seconds",
				Help:    "Duration of REST requests to the serving backend",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeldeck_http_requests_total",
				Help: "Total number of console HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modeldeck_http_request_duration_seconds",
				Help:    "Duration of console HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ExperimentStarted records a new run and marks it active.
func (m *Metrics) ExperimentStarted(model string) {
	if m == nil {
		return
	}
	m.ExperimentsStarted.WithLabelValues(model).Inc()
	m.ActiveExperiments.WithLabelValues(model).Inc()
}

// ExperimentEnded records a terminal outcome and clears the active mark.
//
// Example:
//
//	start := time.Now()
//	// ... stream ...
//	metrics.ExperimentEnded("gpt-small", "finished", time.Since(start).Seconds())
func (m *Metrics) ExperimentEnded(model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveExperiments.WithLabelValues(model).Dec()
	m.ExperimentsEnded.WithLabelValues(model, status).Inc()
	m.ExperimentDuration.WithLabelValues(model, status).Observe(durationSeconds)
}

// FragmentReceived records one applied fragment of n bytes.
func (m *Metrics) FragmentReceived(model string, n int) {
	if m == nil {
		return
	}
	m.FragmentsReceived.WithLabelValues(model).Inc()
	m.OutputBytes.WithLabelValues(model).Add(float64(n))
}

// FirstFragment records time-to-first-fragment.
func (m *Metrics) FirstFragment(model string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragment.WithLabelValues(model).Observe(latencySeconds)
}

// RecordBackendRequest records one REST call to the serving backend.
func (m *Metrics) RecordBackendRequest(method, endpoint, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.BackendRequestCounter.WithLabelValues(method, endpoint, status).Inc()
	m.BackendRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for a console HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
