package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Series are labelled by processor name ("transitions" in trackerd, "sync" in syncd).
var (
	messagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "messages_processed_total",
		Help:      "Messages handled and committed.",
	}, []string{"consumer", "event_type"})

	handlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "handler_errors_total",
		Help:      "Messages left uncommitted because the handler failed.",
	}, []string{"consumer", "event_type"})

	poisonMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "decode_errors_total",
		Help:      "Undecodable messages committed without handling.",
	}, []string{"consumer", "topic"})

	consumerWatermark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tracker",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Broker timestamp of the newest committed message.",
	}, []string{"consumer", "topic"})
)

func init() {
	prometheus.MustRegister(messagesProcessed, handlerFailures, poisonMessages, consumerWatermark)
}

func (p *Processor) observeCommitted(msg Message) {
	messagesProcessed.WithLabelValues(p.name, msg.EventType).Inc()
	if msg.Timestamp.IsZero() {
		return
	}
	consumerWatermark.WithLabelValues(p.name, msg.Topic).Set(float64(msg.Timestamp.Unix()))
}

func (p *Processor) observeHandlerFailure(msg Message) {
	handlerFailures.WithLabelValues(p.name, msg.EventType).Inc()
}

func (p *Processor) observePoison(topic string) {
	poisonMessages.WithLabelValues(p.name, topic).Inc()
}
