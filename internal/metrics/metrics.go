// Package metrics exposes the orchestrator's internal Prometheus
// metrics: queue depth and lease age for the Durable Queue (C1), active
// worker count for the Worker Pool (C2), and per-phase cycle gauges for
// the Autonomous Cycle Engine (C9).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgepilot/forgepilot/internal/domain"
)

// Registry owns this process's metric collectors and exposes them over
// a plain net/http handler for scraping.
type Registry struct {
	reg *prometheus.Registry

	queueDepth    *prometheus.GaugeVec
	leaseAge      *prometheus.HistogramVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeWorkers prometheus.Gauge
	cyclesByPhase *prometheus.GaugeVec
}

// New creates a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forgepilot",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs currently queued, by kind and status.",
		}, []string{"kind", "status"}),
		leaseAge: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forgepilot",
			Subsystem: "queue",
			Name:      "lease_age_seconds",
			Help:      "Age of a job's lease at the time it was completed, failed, or reclaimed.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forgepilot",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total jobs processed, by kind and terminal outcome.",
		}, []string{"kind", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forgepilot",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a single job execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forgepilot",
			Subsystem: "worker",
			Name:      "active",
			Help:      "Number of worker goroutines currently holding a leased job.",
		}),
		cyclesByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forgepilot",
			Subsystem: "cycle",
			Name:      "tasks_in_phase",
			Help:      "Number of Autonomous Cycle Engine tasks currently in each phase.",
		}, []string{"phase"}),
	}

	reg.MustRegister(r.queueDepth, r.leaseAge, r.jobsTotal, r.jobDuration, r.activeWorkers, r.cyclesByPhase)
	return r
}

// Handler returns the HTTP handler to mount for Prometheus scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current number of jobs of kind in status.
func (r *Registry) SetQueueDepth(kind domain.JobKind, status domain.JobStatus, n int) {
	r.queueDepth.WithLabelValues(string(kind), string(status)).Set(float64(n))
}

// ObserveLeaseAgeSeconds records how long a job's lease had been held
// when it reached a terminal or reclaimed state.
func (r *Registry) ObserveLeaseAgeSeconds(kind domain.JobKind, seconds float64) {
	r.leaseAge.WithLabelValues(string(kind)).Observe(seconds)
}

// IncJobsTotal records one job reaching outcome ("succeeded", "failed",
// "canceled") for kind.
func (r *Registry) IncJobsTotal(kind domain.JobKind, outcome string) {
	r.jobsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveJobDurationSeconds records one job's execution wall-clock time.
func (r *Registry) ObserveJobDurationSeconds(kind domain.JobKind, seconds float64) {
	r.jobDuration.WithLabelValues(string(kind)).Observe(seconds)
}

// SetActiveWorkers records the current count of workers holding a
// leased job.
func (r *Registry) SetActiveWorkers(n int) {
	r.activeWorkers.Set(float64(n))
}

// SetCyclesInPhase records the current count of tasks sitting in phase.
func (r *Registry) SetCyclesInPhase(phase domain.CyclePhase, n int) {
	r.cyclesByPhase.WithLabelValues(string(phase)).Set(float64(n))
}
