package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"nemtdispatch/internal/model"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)

	// SolveRuns counts recorded solves by algorithm and shadow mode.
	SolveRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ids_solve_runs_total", Help: "Recorded IDS solve runs."},
		[]string{"algorithm", "mode"},
	)
	// SolveDuration is engine wall time per run in seconds.
	SolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "ids_solve_duration_seconds", Help: "IDS engine solve time in seconds.", Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5}},
		[]string{"algorithm"},
	)
	// TripsAssigned counts placements by source (hard_lock, soft_lock, gap_fill, displacement).
	TripsAssigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ids_trips_assigned_total", Help: "Trips assigned by IDS runs, by placement source."},
		[]string{"source"},
	)
	// TripsUnassigned counts unplaced trips by reason code.
	TripsUnassigned = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ids_trips_unassigned_total", Help: "Trips left unassigned by IDS runs, by reason."},
		[]string{"reason"},
	)
	// LockViolations counts hard-lock violations found by the run audit.
	LockViolations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ids_lock_violations_total", Help: "Hard-lock violations reported by IDS runs."},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(SolveRuns)
		Registry.MustRegister(SolveDuration)
		Registry.MustRegister(TripsAssigned)
		Registry.MustRegister(TripsUnassigned)
		Registry.MustRegister(LockViolations)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// ObserveRun records the outcome of a completed run.
func ObserveRun(run model.ShadowRun) {
	if run.Result == nil {
		return
	}
	mode := "shadow"
	if !run.ShadowMode {
		mode = "live"
	}
	algo := run.Result.Algorithm
	SolveRuns.WithLabelValues(algo, mode).Inc()
	SolveDuration.WithLabelValues(algo).Observe(float64(run.SolveDurationMs) / 1000)
	for _, a := range run.Result.Assignments {
		TripsAssigned.WithLabelValues(string(a.Source)).Inc()
	}
	for _, u := range run.Result.Unassigned {
		TripsUnassigned.WithLabelValues(string(u.Reason)).Inc()
	}
	if run.LockViolations > 0 {
		LockViolations.Add(float64(run.LockViolations))
	}
}
