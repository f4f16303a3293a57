package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pipeline metrics
	UploadsTotal         *prometheus.CounterVec
	PipelineStepDuration *prometheus.HistogramVec
	PipelineFailures     *prometheus.CounterVec

	// Jobs metrics
	JobsActive    prometheus.Gauge
	JobsAborted   prometheus.Counter
	JobsCompleted prometheus.Counter

	// Token metrics
	TokensIssued  *prometheus.CounterVec
	TokensRejected *prometheus.CounterVec

	// Catalog metrics
	CatalogGenerations   prometheus.Counter
	CatalogPackagesTotal prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registry. A nil
// registry uses the default one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpkg_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xpkg_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpkg_uploads_total",
				Help: "Total number of version uploads by terminal status",
			},
			[]string{"status"},
		),
		PipelineStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xpkg_pipeline_step_duration_seconds",
				Help:    "Duration of each ingest pipeline step",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"step"},
		),
		PipelineFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpkg_pipeline_failures_total",
				Help: "Pipeline failures by status",
			},
			[]string{"status"},
		),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xpkg_jobs_active",
			Help: "Jobs currently tracked by the coordinator",
		}),
		JobsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xpkg_jobs_aborted_total",
			Help: "Jobs aborted by the coordinator",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xpkg_jobs_completed_total",
			Help: "Jobs that completed normally",
		}),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpkg_tokens_issued_total",
				Help: "Tokens issued by type",
			},
			[]string{"type"},
		),
		TokensRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xpkg_tokens_rejected_total",
				Help: "Token validations rejected by reason",
			},
			[]string{"reason"},
		),
		CatalogGenerations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xpkg_catalog_generations_total",
			Help: "Catalog snapshot regenerations",
		}),
		CatalogPackagesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xpkg_catalog_packages",
			Help: "Packages in the last catalog snapshot",
		}),
	}

	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.UploadsTotal, m.PipelineStepDuration, m.PipelineFailures,
		m.JobsActive, m.JobsAborted, m.JobsCompleted,
		m.TokensIssued, m.TokensRejected,
		m.CatalogGenerations, m.CatalogPackagesTotal,
	}
	if registry != nil {
		registry.MustRegister(collectors...)
	} else {
		prometheus.MustRegister(collectors...)
	}
	return m
}

// InstrumentHandler wraps an HTTP handler with request metrics.
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsHandler exposes the registry for scraping.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	if registry != nil {
		return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
