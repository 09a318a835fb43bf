package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for froyoflow. A nil *Metrics and a
// disabled instance are both no-ops.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Action metrics
	actionExecutions *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec

	// Remote executor metrics
	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec
	activeSessions     prometheus.Gauge
	sessionsReaped     *prometheus.CounterVec

	// Manifest metrics
	manifestSyncs        *prometheus.CounterVec
	manifestFilesFetched *prometheus.CounterVec

	// Policy metrics
	policyDenials *prometheus.CounterVec

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
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs completed",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		actionExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_executions_total",
				Help:      "Total number of action executions by final state",
			},
			[]string{"action", "state"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action executions in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of remote executor calls",
			},
			[]string{"call", "outcome"},
		),
		remoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote executor calls in seconds",
				Buckets:   buckets,
			},
			[]string{"call"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executor_active_sessions",
				Help:      "Current number of live executor sessions",
			},
		),
		sessionsReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_sessions_reaped_total",
				Help:      "Total number of executor sessions disposed by the reaper",
			},
			[]string{"reason"},
		),

		manifestSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_syncs_total",
				Help:      "Total number of manifest synchronizations by outcome",
			},
			[]string{"outcome"},
		),
		manifestFilesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_files_fetched_total",
				Help:      "Total number of manifest files fetched",
			},
			[]string{"category", "outcome"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of steps denied by policy",
			},
			[]string{"action"},
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
		m.actionExecutions,
		m.actionDuration,
		m.remoteCalls,
		m.remoteCallDuration,
		m.activeSessions,
		m.sessionsReaped,
		m.manifestSyncs,
		m.manifestFilesFetched,
		m.policyDenials,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the metrics registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if !m.Enabled() {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its final state and duration.
func (m *Metrics) RecordRunCompleted(state string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Action Metrics

// RecordActionExecution records one action lifecycle and its final state.
func (m *Metrics) RecordActionExecution(action, state string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.actionExecutions.WithLabelValues(action, state).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// Remote Executor Metrics

// RecordRemoteCall records a remote executor call. Outcome is "ok" or an
// error code.
func (m *Metrics) RecordRemoteCall(call, outcome string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.remoteCalls.WithLabelValues(call, outcome).Inc()
	m.remoteCallDuration.WithLabelValues(call).Observe(duration.Seconds())
}

// SetActiveSessions sets the number of live executor sessions.
func (m *Metrics) SetActiveSessions(count int) {
	if !m.Enabled() {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionReaped records a session disposed by the reaper.
func (m *Metrics) RecordSessionReaped(reason string) {
	if !m.Enabled() {
		return
	}
	m.sessionsReaped.WithLabelValues(reason).Inc()
}

// Manifest Metrics

// RecordManifestSync records a manifest synchronization outcome
// (offline, unchanged, updated, failed).
func (m *Metrics) RecordManifestSync(outcome string) {
	if !m.Enabled() {
		return
	}
	m.manifestSyncs.WithLabelValues(outcome).Inc()
}

// RecordManifestFileFetched records a fetch of one tracked file.
func (m *Metrics) RecordManifestFileFetched(category, outcome string) {
	if !m.Enabled() {
		return
	}
	m.manifestFilesFetched.WithLabelValues(category, outcome).Inc()
}

// Policy Metrics

// RecordPolicyDenial records a step rejected by admission policy.
func (m *Metrics) RecordPolicyDenial(action string) {
	if !m.Enabled() {
		return
	}
	m.policyDenials.WithLabelValues(action).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.Enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on ListenAddress in the background. The
// caller shuts the returned server down. It returns nil when metrics are
// disabled or no standalone address is configured.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("listen", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return server
}
