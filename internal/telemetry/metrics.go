package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_submitted_total", Help: "Jobs accepted for conversion"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_succeeded_total", Help: "Jobs that reached the succeeded state"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_failed_total", Help: "Jobs that reached the failed state"})
	StepRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_step_retries_total", Help: "Step-level retries across all jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})

	ActivitiesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_activities_inflight", Help: "Conversion activities currently executing"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_queue_depth", Help: "Jobs waiting in the ready queue"})

	ConversionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "media_conversion_duration_seconds",
		Help:    "Wall time spent inside conversion handlers",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	WebhooksDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_webhooks_delivered_total", Help: "Webhook deliveries acknowledged with a 2xx"})
	WebhookRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_webhook_retries_total", Help: "Webhook delivery attempts that will be retried"})
	WebhooksExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_webhooks_exhausted_total", Help: "Webhook deliveries that ran out of attempts"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			StepRetries,
			RateLimitRejects,
			ActivitiesInFlight,
			QueueDepthGauge,
			ConversionDuration,
			WebhooksDelivered,
			WebhookRetries,
			WebhooksExhausted,
		)
	})
	return promhttp.Handler()
}
