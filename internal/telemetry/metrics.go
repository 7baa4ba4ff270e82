package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "triage_tasks_enqueued_total", Help: "Tasks enqueued by kind"}, []string{"kind"})
	TasksCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "triage_tasks_completed_total", Help: "Tasks completed by kind"}, []string{"kind"})
	TasksRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "triage_tasks_retried_total", Help: "Task attempts that failed and will retry"}, []string{"kind"})
	TasksFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "triage_tasks_failed_total", Help: "Tasks that exhausted their attempt ceiling"}, []string{"kind"})
	TasksReleased   = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_tasks_released_total", Help: "Stale running tasks reset to pending by the sweep"})
	SyncChanges     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "triage_sync_changes_total", Help: "Mailbox changes processed by kind"}, []string{"kind"})
	DraftsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_drafts_created_total", Help: "Reply drafts created"})
	WebhookRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "triage_webhook_rejects_total", Help: "Notifications rejected by the rate limiter"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "triage_queue_depth", Help: "Pending tasks in the queue"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "triage_tasks_inflight", Help: "Tasks currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksCompleted,
			TasksRetried,
			TasksFailed,
			TasksReleased,
			SyncChanges,
			DraftsCreated,
			WebhookRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
