package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EngineRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackrun_engine_requests_total",
			Help: "Engine API requests by method and status code",
		},
		[]string{"method", "code"},
	)

	WorkloadRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackrun_workload_runs_total",
			Help: "Workload runs by kind (container, service) and result",
		},
		[]string{"kind", "result"},
	)

	WorkloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackrun_workload_duration_seconds",
			Help:    "Wall time of a workload run from create to delete",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		},
		[]string{"kind"},
	)

	TaskPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackrun_task_polls_total",
			Help: "Task list polls by observed task state",
		},
		[]string{"state"},
	)

	RegistryAuth = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackrun_registry_auth_total",
			Help: "Registry challenge negotiations by scheme and result",
		},
		[]string{"scheme", "result"},
	)

	EventReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackrun_event_reconnects_total",
			Help: "Event subscription re-issues by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(EngineRequests)
	prometheus.MustRegister(WorkloadRuns)
	prometheus.MustRegister(WorkloadDuration)
	prometheus.MustRegister(TaskPolls)
	prometheus.MustRegister(RegistryAuth)
	prometheus.MustRegister(EventReconnects)
}

// Handler returns the prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer helps measure operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the histogram for the given label values
func (t *Timer) ObserveDuration(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
