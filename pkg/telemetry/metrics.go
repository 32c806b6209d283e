package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the cloud check. A nil *Metrics and
// a disabled one are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Problem metrics
	problemsDetected   *prometheus.CounterVec
	scanErrors         *prometheus.CounterVec
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of check runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of check runs completed",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of check runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active check runs",
			},
		),

		problemsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "problems_detected_total",
				Help:      "Total number of problems detected by type",
			},
			[]string{"type"},
		),
		scanErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_errors_total",
				Help:      "Total number of candidates that could not be checked",
			},
			[]string{"type"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of problem outcomes by resolution and disposition",
			},
			[]string{"type", "resolution", "disposition"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of problem resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "resolution"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of cloud and agent adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of adapter call errors",
			},
			[]string{"adapter", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.problemsDetected,
		m.scanErrors,
		m.resolutions,
		m.resolutionDuration,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Problem Metrics

// RecordProblemDetected counts a problem retained by a scan.
func (m *Metrics) RecordProblemDetected(problemType string) {
	if !m.enabled() {
		return
	}
	m.problemsDetected.WithLabelValues(problemType).Inc()
}

// RecordScanError counts a candidate whose handler could not be built or verified.
func (m *Metrics) RecordScanError(problemType string) {
	if !m.enabled() {
		return
	}
	m.scanErrors.WithLabelValues(problemType).Inc()
}

// RecordResolution records the outcome of one problem.
func (m *Metrics) RecordResolution(problemType, resolution, disposition string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	if resolution == "" {
		resolution = "none"
	}
	m.resolutions.WithLabelValues(problemType, resolution, disposition).Inc()
	m.resolutionDuration.WithLabelValues(problemType, resolution).Observe(duration.Seconds())
}

// Adapter Metrics

// RecordAdapterCall records a cloud or agent call with its duration and result.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(adapter, operation).Inc()
	}
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}
