package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the job engine. A Metrics built
// with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsCreated   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Transition metrics
	transitionsRejected *prometheus.CounterVec

	// Join metrics
	joinsCreated  prometheus.Counter
	joinsResolved *prometheus.CounterVec
	pendingJoins  prometheus.Gauge

	// Wakeup metrics
	wakeupsDispatched *prometheus.CounterVec
	wakeupFailures    *prometheus.CounterVec
	wakeupDuration    *prometheus.HistogramVec

	// Scheduler metrics
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	queueDepth    prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
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

		jobsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Total number of async jobs created",
			},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of async jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time from job creation to its terminal status",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		transitionsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_rejected_total",
				Help:      "Total number of state transitions rejected by a state machine",
			},
			[]string{"kind", "event"},
		),
		joinsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_created_total",
				Help:      "Total number of join records created",
			},
		),
		joinsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_resolved_total",
				Help:      "Total number of join records resolved by a joined job completion",
			},
			[]string{"status"},
		),
		pendingJoins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "wake_candidates",
				Help:      "Joins ready for a wakeup in the last scheduler cycle",
			},
		),
		wakeupsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wakeups_dispatched_total",
				Help:      "Total number of wakeup handler invocations that succeeded",
			},
			[]string{"outcome"},
		),
		wakeupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wakeup_failures_total",
				Help:      "Total number of wakeup handler invocations that failed",
			},
			[]string{"outcome", "permanent"},
		),
		wakeupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wakeup_duration_seconds",
				Help:      "Duration of wakeup handler invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"handler"},
		),
		cycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_cycles_total",
				Help:      "Total number of wake scheduler cycles run",
			},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_cycle_duration_seconds",
				Help:      "Duration of wake scheduler cycles in seconds",
				Buckets:   buckets,
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_queue_depth",
				Help:      "Wakeup tasks waiting for a worker",
			},
		),
	}

	registry.MustRegister(
		m.jobsCreated,
		m.jobsCompleted,
		m.jobDuration,
		m.transitionsRejected,
		m.joinsCreated,
		m.joinsResolved,
		m.pendingJoins,
		m.wakeupsDispatched,
		m.wakeupFailures,
		m.wakeupDuration,
		m.cycles,
		m.cycleDuration,
		m.queueDepth,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the registry the collectors are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordJobCreated increments the created jobs counter.
func (m *Metrics) RecordJobCreated() {
	if !m.enabled() {
		return
	}
	m.jobsCreated.Inc()
}

// RecordJobCompleted records a job reaching status after running for duration.
func (m *Metrics) RecordJobCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransitionRejected counts an illegal event for an entity kind.
func (m *Metrics) RecordTransitionRejected(kind, event string) {
	if !m.enabled() {
		return
	}
	m.transitionsRejected.WithLabelValues(kind, event).Inc()
}

// RecordJoinCreated increments the created joins counter.
func (m *Metrics) RecordJoinCreated() {
	if !m.enabled() {
		return
	}
	m.joinsCreated.Inc()
}

// RecordJoinsResolved adds n resolved joins for the joined job status.
func (m *Metrics) RecordJoinsResolved(status string, n int64) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.joinsResolved.WithLabelValues(status).Add(float64(n))
}

// RecordWakeup records one handler invocation.
func (m *Metrics) RecordWakeup(handler, outcome string, duration time.Duration, err error, permanent bool) {
	if !m.enabled() {
		return
	}
	m.wakeupDuration.WithLabelValues(handler).Observe(duration.Seconds())
	if err == nil {
		m.wakeupsDispatched.WithLabelValues(outcome).Inc()
		return
	}
	p := "false"
	if permanent {
		p = "true"
	}
	m.wakeupFailures.WithLabelValues(outcome, p).Inc()
}

// RecordCycle records one scheduler cycle and the candidates it found.
func (m *Metrics) RecordCycle(duration time.Duration, candidates int) {
	if !m.enabled() {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.pendingJoins.Set(float64(candidates))
}

// SetQueueDepth sets the number of queued wakeup tasks.
func (m *Metrics) SetQueueDepth(n int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(float64(n))
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

// StartMetricsServer starts an HTTP server to expose metrics. Listen errors
// other than shutdown are sent to errCh when it is non-nil.
func (m *Metrics) StartMetricsServer(errCh chan<- error) {
	if !m.enabled() {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := m.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errCh != nil {
			errCh <- err
		}
	}()
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
