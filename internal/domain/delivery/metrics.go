package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors of the delivery subsystem.
type Metrics struct {
	Dispatched      *prometheus.CounterVec
	GatewayRequests *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec
	Required        prometheus.Counter
	Delivered       prometheus.Counter
	Pending         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rxsync",
			Subsystem: "delivery",
			Name:      "dispatched_total",
			Help:      "Envelopes handled by the dispatcher by outcome.",
		}, []string{"outcome"}),

		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rxsync",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Calls to central by operation and status code (0 = transport error).",
		}, []string{"op", "status"}),

		GatewayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rxsync",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Latency of calls to central.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10, 30},
		}, []string{"op"}),

		Required: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rxsync",
			Subsystem: "delivery",
			Name:      "required_total",
			Help:      "Updates recorded in the ledger as required.",
		}),

		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rxsync",
			Subsystem: "delivery",
			Name:      "delivered_total",
			Help:      "Updates confirmed delivered to central.",
		}),

		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rxsync",
			Subsystem: "delivery",
			Name:      "pending",
			Help:      "Required updates not yet delivered.",
		}),
	}
}
