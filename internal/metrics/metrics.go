// Package metrics exposes the daemon's Prometheus metrics. A single
// global registry is created on first use; every component records into
// it and the API serves it on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all orchestrator metrics.
type Registry struct {
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	CurrentMode        *prometheus.GaugeVec
	RollbackAlarm      prometheus.Gauge

	ServiceUp      *prometheus.GaugeVec
	RepairAttempts *prometheus.CounterVec
	DriftDetected  prometheus.Counter

	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	EventsDropped prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_transitions_total",
		Help: "Mode transitions by target and outcome",
	}, []string{"target", "outcome"})

	r.TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "egress_transition_duration_seconds",
		Help:    "Wall time of mode transitions",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"target"})

	r.CurrentMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_current_mode",
		Help: "1 for the active mode, 0 for the rest",
	}, []string{"mode"})

	r.RollbackAlarm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "egress_rollback_failed",
		Help: "1 while the rollback-failed standing alarm is raised",
	})

	r.ServiceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_service_up",
		Help: "1 when the managed service's last probe was healthy",
	}, []string{"service"})

	r.RepairAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_repair_attempts_total",
		Help: "Reconciler repair attempts by service",
	}, []string{"service"})

	r.DriftDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egress_drift_detected_total",
		Help: "Reconciler observations of declared vs live state drift",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_api_requests_total",
		Help: "API requests by path and status",
	}, []string{"path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "egress_api_latency_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	r.EventsDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "egress_events_dropped_total",
		Help: "Events dropped by the hub due to slow subscribers",
	})

	return r
}

// SetCurrentMode flips the per-mode gauge so exactly one mode reads 1.
func (r *Registry) SetCurrentMode(active string, all []string) {
	for _, m := range all {
		v := 0.0
		if m == active {
			v = 1.0
		}
		r.CurrentMode.WithLabelValues(m).Set(v)
	}
}

// ObserveTransition records one finished transition.
func (r *Registry) ObserveTransition(target, outcome string, dur time.Duration) {
	r.TransitionsTotal.WithLabelValues(target, outcome).Inc()
	r.TransitionDuration.WithLabelValues(target).Observe(dur.Seconds())
}
