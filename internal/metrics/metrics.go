// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsClaimed      *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	outboxDeliveries *prometheus.CounterVec
	leaseExpirations prometheus.Counter
	runningJobs      *prometheus.GaugeVec
	outboxBacklog    prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	jobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trainflow_jobs_claimed_total",
		Help: "Jobs claimed, by queue.",
	}, []string{"queue"})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trainflow_job_transitions_total",
		Help: "Job status transitions.",
	}, []string{"to"})

	outboxDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trainflow_outbox_deliveries_total",
		Help: "Webhook delivery attempts by outcome (delivered, retried, failed).",
	}, []string{"outcome"})

	leaseExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trainflow_lease_expirations_total",
		Help: "Job leases reclaimed by the sweeper.",
	})

	runningJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trainflow_running_jobs",
		Help: "Jobs currently running, by queue.",
	}, []string{"queue"})

	outboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trainflow_outbox_backlog",
		Help: "Outbox rows currently due for delivery.",
	})

	reg.MustRegister(jobsClaimed, transitions, outboxDeliveries, leaseExpirations, runningJobs, outboxBacklog)
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncClaimed records a successful job claim.
func IncClaimed(queue string) {
	mu.RLock()
	defer mu.RUnlock()
	jobsClaimed.WithLabelValues(queue).Inc()
}

// IncTransition records a job status transition.
func IncTransition(to string) {
	mu.RLock()
	defer mu.RUnlock()
	transitions.WithLabelValues(to).Inc()
}

// IncDelivery records a webhook delivery outcome.
func IncDelivery(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	outboxDeliveries.WithLabelValues(outcome).Inc()
}

// IncLeaseExpired records a sweeper lease reclaim.
func IncLeaseExpired() {
	mu.RLock()
	defer mu.RUnlock()
	leaseExpirations.Inc()
}

// SetRunningJobs records the current running count for a queue.
func SetRunningJobs(queue string, n float64) {
	mu.RLock()
	defer mu.RUnlock()
	runningJobs.WithLabelValues(queue).Set(n)
}

// SetOutboxBacklog records the current deliverable outbox depth.
func SetOutboxBacklog(n float64) {
	mu.RLock()
	defer mu.RUnlock()
	outboxBacklog.Set(n)
}
