// ABOUTME: Prometheus metrics for routing decisions, jobs, and recovery
// ABOUTME: Implements the dispatcher and loader observer interfaces; nil *Metrics is a no-op

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the router
type Metrics struct {
	registry *prometheus.Registry

	// Routing
	DecisionsTotal *prometheus.CounterVec

	// Jobs
	JobsTotal           *prometheus.CounterVec
	JobDuration         prometheus.Histogram
	JobBatchSize        prometheus.Histogram
	MessagesQueuedTotal prometheus.Counter

	// Recovery
	RecoveriesTotal *prometheus.CounterVec

	// Platform side effects
	PlatformErrorsTotal *prometheus.CounterVec

	ServerStartTime time.Time
}

// New creates and registers all metrics on a fresh registry.
// activeConversations is sampled on every scrape; it may be nil.
func New(activeConversations func() int) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry:        reg,
		ServerStartTime: time.Now(),
	}

	m.DecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_router_decisions_total",
			Help: "Routing decisions made for inbound messages",
		},
		[]string{"decision"},
	)

	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_router_jobs_total",
			Help: "Jobs finished, by result",
		},
		[]string{"result"},
	)

	m.JobDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echo_router_job_duration_seconds",
			Help:    "Duration of job runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	m.JobBatchSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "echo_router_job_batch_size",
			Help:    "Number of user messages carried by each job",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	m.MessagesQueuedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "echo_router_messages_queued_total",
			Help: "Messages queued behind a running job",
		},
	)

	m.RecoveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_router_recoveries_total",
			Help: "Conversation recovery attempts, by result",
		},
		[]string{"result"},
	)

	m.PlatformErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_router_platform_errors_total",
			Help: "Failed platform side effects, by operation",
		},
		[]string{"operation"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "echo_router_uptime_seconds",
			Help: "Seconds since the router started",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	if activeConversations != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "echo_router_conversations_active",
				Help: "Conversations currently held in memory",
			},
			func() float64 { return float64(activeConversations()) },
		)
	}

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveDecision counts a routing decision.
func (m *Metrics) ObserveDecision(decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// JobStarted records the batch size of a starting job.
func (m *Metrics) JobStarted(batchSize int) {
	if m == nil {
		return
	}
	m.JobBatchSize.Observe(float64(batchSize))
}

// JobFinished counts a finished job.
func (m *Metrics) JobFinished(result string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(result).Inc()
}

// ObserveJobDuration records how long a job ran.
func (m *Metrics) ObserveJobDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.Observe(d.Seconds())
}

// MessageQueued counts a message queued behind a running job.
func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.MessagesQueuedTotal.Inc()
}

// ObserveRecovery counts a recovery attempt.
func (m *Metrics) ObserveRecovery(result string) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(result).Inc()
}

// PlatformError counts a failed platform call.
func (m *Metrics) PlatformError(operation string) {
	if m == nil {
		return
	}
	m.PlatformErrorsTotal.WithLabelValues(operation).Inc()
}
