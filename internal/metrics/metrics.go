// Package metrics exposes run counters through a dedicated prometheus
// registry served by the status API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's counters. A nil *Metrics is valid and makes
// every method a no-op, so tests and metric-less runs need no wiring.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted   prometheus.Counter
	jobsSucceeded   prometheus.Counter
	jobsFailed      *prometheus.CounterVec
	jobsRetried     prometheus.Counter
	pollErrors      prometheus.Counter
	callsClassified *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callscore_jobs_submitted_total",
			Help: "Jobs accepted by the scheduler.",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callscore_jobs_succeeded_total",
			Help: "Jobs that reached a successful terminal state.",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_jobs_failed_total",
			Help: "Jobs that reached a failed terminal state, by failure kind.",
		}, []string{"kind"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callscore_jobs_retried_total",
			Help: "Retry attempts created for transiently failed jobs.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callscore_poll_errors_total",
			Help: "Poll cycles that could not reach the scheduler.",
		}),
		callsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callscore_calls_classified_total",
			Help: "Calls placed into a bucket, by bucket.",
		}, []string{"bucket"}),
	}
	m.registry.MustRegister(m.jobsSubmitted, m.jobsSucceeded, m.jobsFailed,
		m.jobsRetried, m.pollErrors, m.callsClassified)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) JobSubmitted() {
	if m != nil {
		m.jobsSubmitted.Inc()
	}
}

func (m *Metrics) JobSucceeded() {
	if m != nil {
		m.jobsSucceeded.Inc()
	}
}

func (m *Metrics) JobFailed(kind string) {
	if m != nil {
		m.jobsFailed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) JobRetried() {
	if m != nil {
		m.jobsRetried.Inc()
	}
}

func (m *Metrics) PollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

func (m *Metrics) CallClassified(bucket string) {
	if m != nil {
		m.callsClassified.WithLabelValues(bucket).Inc()
	}
}
