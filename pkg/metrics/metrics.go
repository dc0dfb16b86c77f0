package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the tracker
type Metrics struct {
	JobsInitialized   *prometheus.CounterVec
	JobsTerminal      *prometheus.CounterVec
	ProgressUpdates   prometheus.Counter
	DeliveryAttempts  prometheus.Counter
	DeliveryFailures  prometheus.Counter
	DeliverySuccesses prometheus.Counter
	NonceReplays      prometheus.Counter
	SSESubscribers    prometheus.Gauge
	SSEEventsSent     prometheus.Counter
	LaunchFailures    *prometheus.CounterVec
	AsrPolls          prometheus.Counter
}

// New registers the tracker metrics on a registry
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsInitialized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrackd_jobs_initialized_total",
			Help: "Jobs initialized, by engine",
		}, []string{"engine"}),
		JobsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrackd_jobs_terminal_total",
			Help: "Jobs reaching a terminal status, by status",
		}, []string{"status"}),
		ProgressUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_progress_updates_total",
			Help: "Progress updates merged into job records",
		}),
		DeliveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_webhook_delivery_failures_total",
			Help: "Failed webhook delivery attempts",
		}),
		DeliverySuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_webhook_delivery_successes_total",
			Help: "Successful webhook deliveries",
		}),
		NonceReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_callback_nonce_replays_total",
			Help: "Inbound callbacks rejected as replays",
		}),
		SSESubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobtrackd_sse_subscribers",
			Help: "Currently connected SSE subscribers",
		}),
		SSEEventsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_sse_events_sent_total",
			Help: "SSE status events written to subscribers",
		}),
		LaunchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrackd_launch_failures_total",
			Help: "Job launch failures, by reason",
		}, []string{"reason"}),
		AsrPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobtrackd_asr_polls_total",
			Help: "Polls against the external transcription API",
		}),
	}
}

// NewDefault registers on the default Prometheus registry
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
