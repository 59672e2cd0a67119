package siem

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives callbacks for finished deliveries. Nil funcs are skipped.
type Hooks struct {
	// OnDelivery fires once per delivery reaching a terminal state, with
	// the number of attempts it took.
	OnDelivery func(siemType, status string, attempts int)
}

// Metrics holds Prometheus metrics for SIEM deliveries.
type Metrics struct {
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryAttempts *prometheus.HistogramVec
}

// NewMetrics registers and returns delivery metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_siem_deliveries_total",
			Help: "Total SIEM deliveries by SIEM type and terminal status.",
		}, []string{"siem_type", "status"}),
		DeliveryAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_siem_delivery_attempts",
			Help:    "Attempts taken per delivery reaching a terminal state.",
			Buckets: prometheus.LinearBuckets(1, 1, 6), // 1 .. 6
		}, []string{"siem_type"}),
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryAttempts,
	)

	return m
}

// Hooks returns a Hooks that increments the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDelivery: func(siemType, status string, attempts int) {
			m.DeliveriesTotal.WithLabelValues(siemType, status).Inc()
			if attempts > 0 {
				m.DeliveryAttempts.WithLabelValues(siemType).Observe(float64(attempts))
			}
		},
	}
}
