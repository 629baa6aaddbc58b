package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsReceived       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcripts_events_total", Help: "Inbound chat events by outcome"}, []string{"outcome"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_rate_limit_rejects_total", Help: "Events rejected by the per-conversation rate limiter"})
	RateLimitDegraded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_rate_limit_degraded_total", Help: "Events admitted because the rate limiter was unreachable"})
	IdempotencyDegraded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_idempotency_degraded_total", Help: "Dedup checks answered from the process-local fallback"})
	JobsDispatched       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_jobs_dispatched_total", Help: "Jobs published to the work queue"})
	DispatchFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_dispatch_failures_total", Help: "Jobs that failed before reaching the queue"})
	WorkerSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_worker_succeeded_total", Help: "Jobs whose worker stages all succeeded"})
	WorkerFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_worker_failed_total", Help: "Jobs failed by a worker stage"})
	StageDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "transcripts_stage_duration_seconds", Help: "Worker stage latency", Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}}, []string{"stage"})
	LeasesRequeued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_leases_requeued_total", Help: "Messages redelivered after a lease expired"})
	Reconciled           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcripts_reconciled_total", Help: "Callbacks reconciled by outcome"}, []string{"outcome"})
	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "transcripts_notification_failures_total", Help: "Conversation notifications that could not be delivered"})
	TaskFailures         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transcripts_task_failures_total", Help: "Background tasks that exhausted their attempts"}, []string{"task"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcripts_queue_depth", Help: "Ready queue depth"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transcripts_inflight", Help: "Jobs currently leased by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsReceived,
			RateLimitRejects,
			RateLimitDegraded,
			IdempotencyDegraded,
			JobsDispatched,
			DispatchFailures,
			WorkerSuccess,
			WorkerFailures,
			StageDuration,
			LeasesRequeued,
			Reconciled,
			NotificationFailures,
			TaskFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
