package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Run metrics
	RunsTotal            *prometheus.CounterVec
	RunDuration          *prometheus.HistogramVec
	RunsInProgress       *prometheus.GaugeVec
	PreconditionFailures *prometheus.CounterVec

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Partition mover metrics
	PartitionsMoved *prometheus.CounterVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics. Nothing is registered until Register is called.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
			[]string{"method"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of async migration runs by terminal status",
			},
			[]string{"migration", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Async migration run duration in seconds",
				Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"migration", "status"},
		),
		RunsInProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of async migration runs currently executing",
			},
			[]string{"migration"},
		),
		PreconditionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "precondition_failures_total",
				Help:      "Total number of runs refused by a precondition",
			},
			[]string{"migration"},
		),

		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of plan operations executed",
			},
			[]string{"direction", "kind", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Plan operation duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"direction", "kind"},
		),

		PartitionsMoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_moved_total",
				Help:      "Total number of partitions attached to a new table and dropped from the old one",
			},
			[]string{"from_table", "to_table"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of run events handed to the broker",
			},
			[]string{"event_type", "result"},
		),
	}
}

// Register registers all metrics with the given registerer
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.RunsTotal,
		m.RunDuration,
		m.RunsInProgress,
		m.PreconditionFailures,
		m.OperationsTotal,
		m.OperationDuration,
		m.PartitionsMoved,
		m.EventsPublished,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RunStarted marks a run of the migration as executing
func (m *Metrics) RunStarted(migration string) {
	if m == nil {
		return
	}
	m.RunsInProgress.WithLabelValues(migration).Inc()
}

// RunFinished records the terminal status of a run
func (m *Metrics) RunFinished(migration, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsInProgress.WithLabelValues(migration).Dec()
	m.RunsTotal.WithLabelValues(migration, status).Inc()
	m.RunDuration.WithLabelValues(migration, status).Observe(duration.Seconds())
}

// PreconditionFailed counts a run refused before any operation ran
func (m *Metrics) PreconditionFailed(migration string) {
	if m == nil {
		return
	}
	m.PreconditionFailures.WithLabelValues(migration).Inc()
}

// ObserveOperation records one forward or rollback operation
func (m *Metrics) ObserveOperation(direction, kind string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(direction, kind, result).Inc()
	m.OperationDuration.WithLabelValues(direction, kind).Observe(duration.Seconds())
}

// PartitionMoved counts one partition moved between tables
func (m *Metrics) PartitionMoved(from, to string) {
	if m == nil {
		return
	}
	m.PartitionsMoved.WithLabelValues(from, to).Inc()
}

// EventPublished counts one run event publish attempt
func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

// HTTPMetricsMiddleware returns middleware that collects HTTP metrics
func (m *Metrics) HTTPMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			// Route templates keep ids out of the label set
			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
