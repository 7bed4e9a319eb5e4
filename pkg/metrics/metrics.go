package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics holds the Prometheus collectors for the batch core. A nil
// *Metrics is valid and records nothing, so wiring is optional.
type Metrics struct {
	registry *prometheus.Registry

	sessionsSubmitted prometheus.Counter
	jobsByStatus      *prometheus.GaugeVec
	jobRetries        prometheus.Counter
	jobDuration       prometheus.Histogram
	queueDepth        prometheus.Gauge
	workerCount       prometheus.Gauge
	memoryPercent     prometheus.Gauge
	modelPoolSize     prometheus.Gauge
	modelLoads        prometheus.Counter
}

// New creates a metrics set on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxbatch_sessions_submitted_total",
			Help: "Total number of batch sessions submitted",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxbatch_jobs",
			Help: "Number of jobs by status",
		}, []string{"status"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxbatch_job_retries_total",
			Help: "Total number of job retry attempts",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxbatch_job_duration_seconds",
			Help:    "Wall-clock duration of completed job attempts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxbatch_queue_depth",
			Help: "Number of jobs waiting in the work queue",
		}),
		workerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxbatch_workers",
			Help: "Current target worker count",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxbatch_memory_percent",
			Help: "System memory utilization observed by the governor",
		}),
		modelPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxbatch_model_pool_size",
			Help: "Number of loaded model instances",
		}),
		modelLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxbatch_model_loads_total",
			Help: "Total number of model load operations",
		}),
	}

	m.registry.MustRegister(
		m.sessionsSubmitted, m.jobsByStatus, m.jobRetries, m.jobDuration,
		m.queueDepth, m.workerCount, m.memoryPercent, m.modelPoolSize, m.modelLoads,
	)
	return m
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionSubmitted increments the submitted sessions counter
func (m *Metrics) SessionSubmitted() {
	if m != nil {
		m.sessionsSubmitted.Inc()
	}
}

// SetJobs sets the gauge for one job status
func (m *Metrics) SetJobs(status string, n int) {
	if m != nil {
		m.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// JobRetried increments the retry counter
func (m *Metrics) JobRetried() {
	if m != nil {
		m.jobRetries.Inc()
	}
}

// ObserveJobDuration records one attempt duration in seconds
func (m *Metrics) ObserveJobDuration(seconds float64) {
	if m != nil {
		m.jobDuration.Observe(seconds)
	}
}

// SetQueueDepth sets the queue depth gauge
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// SetWorkerCount sets the worker count gauge
func (m *Metrics) SetWorkerCount(n int) {
	if m != nil {
		m.workerCount.Set(float64(n))
	}
}

// SetMemoryPercent sets the memory utilization gauge
func (m *Metrics) SetMemoryPercent(p float64) {
	if m != nil {
		m.memoryPercent.Set(p)
	}
}

// SetModelPoolSize sets the model pool gauge
func (m *Metrics) SetModelPoolSize(n int) {
	if m != nil {
		m.modelPoolSize.Set(float64(n))
	}
}

// ModelLoaded increments the model load counter
func (m *Metrics) ModelLoaded() {
	if m != nil {
		m.modelLoads.Inc()
	}
}
