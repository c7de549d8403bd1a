// Package telemetry exposes the engine's Prometheus collectors: sample
// stability flips, certificates delivered, and active subscriber
// streams, grounded on the teacher's transitive prometheus/common
// dependency promoted here to a direct client_golang metrics surface.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors registered against one registry.
type Metrics struct {
	SampleStabilityFlips prometheus.Counter
	CertificatesDelivered prometheus.Counter
	CertificatesExpired  prometheus.Counter
	ActiveStreams        prometheus.Gauge
	PendingPoolSize      prometheus.Gauge
	SampleStable         prometheus.Gauge
	ConnectedPeers       prometheus.Gauge
}

// New creates the collector set and registers it against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SampleStabilityFlips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tce",
			Name:      "sample_stability_flips_total",
			Help:      "Number of times the peer sample transitioned from unstable to stable.",
		}),
		CertificatesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tce",
			Name:      "certificates_delivered_total",
			Help:      "Number of certificates that reached the Delivered state.",
		}),
		CertificatesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tce",
			Name:      "certificates_expired_total",
			Help:      "Number of certificates that reached the Expired state.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tce",
			Name:      "active_subscriber_streams",
			Help:      "Number of subscriber streams currently Active.",
		}),
		PendingPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tce",
			Name:      "pending_pool_size",
			Help:      "Number of certificates in the storage pending pool awaiting delivery.",
		}),
		SampleStable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tce",
			Name:      "sample_stable",
			Help:      "Set to 1 once the peer sample satisfies all role targets; not reset if stability is later lost.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tce",
			Name:      "connected_peers",
			Help:      "Number of peers currently known to the gatekeeper directory.",
		}),
	}

	reg.MustRegister(
		m.SampleStabilityFlips,
		m.CertificatesDelivered,
		m.CertificatesExpired,
		m.ActiveStreams,
		m.PendingPoolSize,
		m.SampleStable,
		m.ConnectedPeers,
	)
	return m
}
