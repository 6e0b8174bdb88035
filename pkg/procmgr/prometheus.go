package procmgr

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	crashes          *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	startFailures    *prometheus.CounterVec
	backoffDuration  *prometheus.HistogramVec
	watchDuration    prometheus.Histogram
	running          prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "aurora"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_state_transitions_total",
			Help:      "Total number of service state transitions",
		},
		[]string{"service", "from_state", "to_state"},
	)

	pmc.crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_crashes_total",
			Help:      "Total number of observed service exits",
		},
		[]string{"service", "exit_code"},
	)

	pmc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_restarts_total",
			Help:      "Total number of successful service restarts",
		},
		[]string{"service"},
	)

	pmc.startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_start_failures_total",
			Help:      "Total number of failed service launches",
		},
		[]string{"service"},
	)

	pmc.backoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_restart_backoff_seconds",
			Help:      "Delay before the next restart attempt of a crashed service",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	pmc.watchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "supervisor_watch_iteration_seconds",
			Help:      "Duration of one supervisor watch loop pass",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pmc.running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_running",
			Help:      "Number of services currently running",
		},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.crashes,
		pmc.restarts,
		pmc.startFailures,
		pmc.backoffDuration,
		pmc.watchDuration,
		pmc.running,
	)

	return pmc
}

// ServiceStateTransition records a state transition
func (pmc *PrometheusMetricsCollector) ServiceStateTransition(name string, fromState, toState ServiceStatus) {
	pmc.stateTransitions.WithLabelValues(
		name,
		fromState.String(),
		toState.String(),
	).Inc()
}

// ServiceCrash records an observed exit
func (pmc *PrometheusMetricsCollector) ServiceCrash(name string, exitCode int) {
	pmc.crashes.WithLabelValues(name, strconv.Itoa(exitCode)).Inc()
}

// ServiceRestart records a successful restart
func (pmc *PrometheusMetricsCollector) ServiceRestart(name string) {
	pmc.restarts.WithLabelValues(name).Inc()
}

// ServiceStartFailure records a failed launch
func (pmc *PrometheusMetricsCollector) ServiceStartFailure(name string) {
	pmc.startFailures.WithLabelValues(name).Inc()
}

// RestartBackoff records a restart backoff delay
func (pmc *PrometheusMetricsCollector) RestartBackoff(name string, delay time.Duration) {
	pmc.backoffDuration.WithLabelValues(name).Observe(delay.Seconds())
}

// WatchIteration records a watch loop pass
func (pmc *PrometheusMetricsCollector) WatchIteration(duration time.Duration) {
	pmc.watchDuration.Observe(duration.Seconds())
}

// RunningServices sets the running gauge
func (pmc *PrometheusMetricsCollector) RunningServices(count int) {
	pmc.running.Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
