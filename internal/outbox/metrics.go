package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of outbox events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of outbox delivery attempts that failed and were rescheduled or quarantined.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tracker",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	quarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "outbox",
		Name:      "events_quarantined_total",
		Help:      "Number of outbox events quarantined after exhausting delivery attempts, labeled by topic.",
	}, []string{"topic"})

	requeuedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "outbox",
		Name:      "events_requeued_total",
		Help:      "Number of quarantined outbox events returned to the delivery queue.",
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, quarantinedCounter, requeuedCounter)
}
