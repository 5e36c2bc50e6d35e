package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the transport's observable counters to a Prometheus
// registry. Constructing a Metrics does not register it; callers decide
// where (and whether) it is exposed.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ReconnectAttempts *prometheus.CounterVec
	ReconnectGiveUps  *prometheus.CounterVec
	HandshakeFailures *prometheus.CounterVec
	SendErrors        *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Number of peer channels currently open.",
		}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts made per peer.",
		}, []string{"peer"}),
		ReconnectGiveUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_giveups_total",
			Help:      "Times the reconnection loop gave up on a peer.",
		}, []string{"peer"}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "handshake_failures_total",
			Help:      "Handshake attempts that failed or timed out.",
		}, []string{"peer"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "send_errors_total",
			Help:      "sendRemoteMessage calls that failed.",
		}, []string{"peer"}),
	}
}

// Register adds every collector to reg. Safe to call with a dedicated
// registry per Transport instance in tests.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ActiveConnections,
		m.ReconnectAttempts,
		m.ReconnectGiveUps,
		m.HandshakeFailures,
		m.SendErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
