// Package metrics groups the Prometheus instruments used across the daemon.
// Registered once at startup via New(); passed by pointer wherever needed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Sent     *prometheus.CounterVec
	Failed   *prometheus.CounterVec
	Degraded prometheus.Counter

	QueueDepthPriority prometheus.Gauge
	QueueDepthNormal   prometheus.Gauge

	Streak prometheus.Gauge
	Rests  prometheus.Counter

	ActiveIdentity *prometheus.GaugeVec
}

// New registers all instruments with the given registerer and returns the
// populated Metrics struct. Using a custom registry (instead of the global
// default) keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_sent_total",
			Help: "Deliveries handed to the transport, by priority class.",
		}, []string{"class"}),

		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deliveries_failed_total",
			Help: "Deliveries resolved without a send, by terminal reason.",
		}, []string{"reason"}),

		Degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deliveries_degraded_total",
			Help: "Rich payloads that fell back to plain text.",
		}),

		QueueDepthPriority: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth_priority",
			Help: "Items waiting in the priority queue.",
		}),
		QueueDepthNormal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth_normal",
			Help: "Items waiting in the normal queue.",
		}),

		Streak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pacing_streak",
			Help: "Deliveries completed since the last rest.",
		}),
		Rests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacing_rests_total",
			Help: "Rest periods entered after hitting a streak limit.",
		}),

		ActiveIdentity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_identity",
			Help: "1 for the identity currently holding the live session.",
		}, []string{"identity"}),
	}

	reg.MustRegister(
		m.Sent,
		m.Failed,
		m.Degraded,
		m.QueueDepthPriority,
		m.QueueDepthNormal,
		m.Streak,
		m.Rests,
		m.ActiveIdentity,
	)

	return m
}
