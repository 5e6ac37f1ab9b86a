package metrics

import "github.com/prometheus/client_golang/prometheus"

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HttpErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total number of failed HTTP requests (4xx/5xx)",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var WebhooksReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Inbound webhooks by source and gateway result",
	},
	[]string{"source", "result"},
)

var DispatchOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_outcomes_total",
		Help: "Dispatch results per message category",
	},
	[]string{"category", "outcome"},
)

var ReconcileOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reconcile_outcomes_total",
		Help: "Provider status callbacks by reconciliation result",
	},
	[]string{"outcome"},
)

var ProviderRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "provider_requests_total",
		Help: "Calls to the messaging provider",
	},
	[]string{"operation", "result"},
)

var ProviderRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "provider_request_duration_seconds",
		Help:    "Latency of messaging provider calls in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var WorkflowHookFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "workflow_hook_failures_total",
		Help: "Failed workflow hook notifications",
	},
	[]string{"workflow"},
)

var QueuePublishFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queue_publish_failures_total",
		Help: "Events that could not be published",
	},
	[]string{"topic"},
)

var QueueJobRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queue_job_retries_total",
		Help: "Queue job retries after a handler error",
	},
	[]string{"topic"},
)

var QueueJobFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "queue_job_failures_total",
		Help: "Queue jobs dropped after exhausting retries",
	},
	[]string{"topic"},
)

func InitAPIMetrics() {
	prometheus.MustRegister(HttpRequestsTotal)
	prometheus.MustRegister(HttpRequestDuration)
	prometheus.MustRegister(HttpErrorsTotal)
	prometheus.MustRegister(HttpRateLimitRejectionsTotal)
	prometheus.MustRegister(WebhooksReceivedTotal)
	prometheus.MustRegister(QueuePublishFailuresTotal)
}

func InitWorkerMetrics() {
	prometheus.MustRegister(DispatchOutcomesTotal)
	prometheus.MustRegister(ReconcileOutcomesTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(WorkflowHookFailuresTotal)
	prometheus.MustRegister(QueueJobRetriesTotal)
	prometheus.MustRegister(QueueJobFailuresTotal)
}
