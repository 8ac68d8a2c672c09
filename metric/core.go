package metric

import "github.com/prometheus/client_golang/prometheus"

const namespace = "healthnote"

// CoreMetrics contains the relay-level metrics shared across components.
type CoreMetrics struct {
	EventsAccepted      *prometheus.CounterVec
	EventsRejected      *prometheus.CounterVec
	EventsForwarded     *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
	FramesDropped       *prometheus.CounterVec
	QueryDuration       prometheus.Histogram
	StoreDuration       *prometheus.HistogramVec
}

func newCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		EventsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "accepted_total",
				Help:      "Total events accepted, by privacy level",
			},
			[]string{"privacy"},
		),

		EventsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "rejected_total",
				Help:      "Total events rejected, by validation error",
			},
			[]string{"reason"},
		),

		EventsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "forwarded_total",
				Help:      "Total private events forwarded to satellites, by outcome",
			},
			[]string{"outcome"},
		),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "connections_active",
				Help:      "Number of open client connections",
			},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "subscriptions_active",
				Help:      "Number of live subscriptions across all connections",
			},
		),

		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "frames_dropped_total",
				Help:      "Outbound frames shed under backpressure, by reason",
			},
			[]string{"reason"},
		),

		QueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Filter query execution duration",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),

		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Event store operation duration",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
	}
}
