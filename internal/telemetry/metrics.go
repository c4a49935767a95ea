package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EvaluationsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "evals_created_total", Help: "Evaluations created through the API"})
	JobsScheduled           = prometheus.NewCounter(prometheus.CounterOpts{Name: "evals_jobs_scheduled_total", Help: "Scheduled jobs created"})
	JobsFired               = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "evals_jobs_fired_total", Help: "Scheduled jobs fired, by kind"}, []string{"kind"})
	DuplicateJobsCollapsed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "evals_duplicate_jobs_collapsed_total", Help: "Duplicate job records removed during reconciliation"})
	NotificationsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "evals_notifications_sent_total", Help: "Notification recipients contacted"})
	NotificationFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "evals_notification_failures_total", Help: "Notification sends that failed"})
	FiringFailures          = prometheus.NewCounter(prometheus.CounterOpts{Name: "evals_firing_failures_total", Help: "Fired jobs whose dispatch returned an error"})
	ScheduledDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "evals_trigger_scheduled_depth", Help: "Tokens waiting in the scheduled trigger set"})
	InFlightGauge           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "evals_firings_inflight", Help: "Firing tokens currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EvaluationsCreated,
			JobsScheduled,
			JobsFired,
			DuplicateJobsCollapsed,
			NotificationsSent,
			NotificationFailures,
			FiringFailures,
			ScheduledDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
