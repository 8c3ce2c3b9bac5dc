package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyrelay"

const (
	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "total",
			Help:      "Push deliveries by outcome",
		},
		[]string{"outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time to deliver one push message",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)

	messagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Messages recorded after fan-out",
		},
	)

	fanoutSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "fanout_subscribers",
			Help:      "Subscribers reached per message",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

// recordDelivery records the outcome and duration of one delivery.
func recordDelivery(outcome string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(outcome).Inc()
	deliveryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// recordMessageSent records a persisted message and its fan-out size.
func recordMessageSent(subscribers int) {
	messagesSent.Inc()
	fanoutSize.Observe(float64(subscribers))
}
