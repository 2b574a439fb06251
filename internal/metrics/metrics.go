// Package metrics exposes Prometheus counters and gauges for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fenilsonani/remailer/internal/logging"
)

var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remailer_messages_received_total",
		Help: "Total number of messages accepted at ingress",
	})

	MessagesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remailer_messages_saved_total",
		Help: "Total number of messages persisted to the spool",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remailer_messages_rejected_total",
		Help: "Total number of messages rejected at ingress, by reason",
	}, []string{"reason"})

	MessagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remailer_messages_forwarded_total",
		Help: "Total number of messages forwarded to the upstream submission server",
	})

	MessagesErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remailer_messages_errored_total",
		Help: "Total number of forward attempts that failed",
	})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "remailer_forward_duration_seconds",
		Help:    "Time taken for a single upstream forward call",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "remailer_queue_depth",
		Help: "Current number of .eml files in each spool queue",
	}, []string{"queue"})
)

// Sink adapts the relay event stream to the metrics above, implementing
// logging.EventSink so bootstrap can fan the same events into logs and
// metrics without the ingress/relay code knowing about either.
type Sink struct{}

// NewSink returns an EventSink that records Prometheus metrics.
func NewSink() *Sink {
	return &Sink{}
}

// Emit implements logging.EventSink.
func (s *Sink) Emit(ev logging.Event) {
	switch ev.Kind {
	case logging.EventReceiving:
		MessagesReceived.Inc()
	case logging.EventSaved:
		MessagesSaved.Inc()
	case logging.EventReject:
		reason := "unknown"
		if ev.Fields != nil {
			if r, ok := ev.Fields["reason"].(string); ok && r != "" {
				reason = r
			}
		}
		MessagesRejected.WithLabelValues(reason).Inc()
	case logging.EventForwarded:
		MessagesForwarded.Inc()
		if ev.Fields != nil {
			if d, ok := ev.Fields["duration_seconds"].(float64); ok {
				ForwardDuration.Observe(d)
			}
		}
	case logging.EventError:
		MessagesErrored.Inc()
	}
}

// SetQueueDepth records the current size of a spool queue for the gauge.
func SetQueueDepth(queue string, n int) {
	QueueDepth.WithLabelValues(queue).Set(float64(n))
}
