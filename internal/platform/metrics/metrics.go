// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blockflow"

// Claim results.
const (
	ClaimClaimed   = "claimed"
	ClaimEmpty     = "empty"
	ClaimContended = "contended"
	ClaimError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	claims          *prometheus.CounterVec
	contentionRetry prometheus.Counter
	blockOutcomes   *prometheus.CounterVec
	blockDuration   *prometheus.HistogramVec
	runTransitions  *prometheus.CounterVec
	reaped          prometheus.Counter
	enqueued        *prometheus.CounterVec
	notifyFailures  prometheus.Counter
}

// New builds the collectors on a dedicated registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Queue claim attempts by result.",
		}, []string{"result"}),
		contentionRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_contention_retries_total",
			Help:      "Claim retries caused by store contention.",
		}),
		blockOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_attempts_total",
			Help:      "Finished block attempts by block type and status.",
		}, []string{"block_type", "status"}),
		blockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_duration_seconds",
			Help:      "Duration of block attempts in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"block_type"}),
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Pipeline runs reaching a terminal status.",
		}, []string{"status"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_block_runs_total",
			Help:      "Block runs failed by the reaper after their worker was lost.",
		}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_total",
			Help:      "Queue items inserted by reason.",
		}, []string{"reason"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Run notifications that could not be delivered.",
		}),
	}
	reg.MustRegister(
		m.claims,
		m.contentionRetry,
		m.blockOutcomes,
		m.blockDuration,
		m.runTransitions,
		m.reaped,
		m.enqueued,
		m.notifyFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) ContentionRetry() {
	if m == nil {
		return
	}
	m.contentionRetry.Inc()
}

func (m *Metrics) BlockFinished(blockType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.blockOutcomes.WithLabelValues(blockType, status).Inc()
	m.blockDuration.WithLabelValues(blockType).Observe(took.Seconds())
}

func (m *Metrics) RunTransition(status string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Reaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

// Enqueued counts inserted items; reason is "root", "child" or "retry".
func (m *Metrics) Enqueued(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.enqueued.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
