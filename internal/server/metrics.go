package server

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles every Prometheus collector the server exposes on its
// admin listener. Kept as a struct (rather than package-level globals) so
// tests can construct a server against a private registry.
type metrics struct {
	ordersAdmitted       prometheus.Counter
	ordersRejected       *prometheus.CounterVec
	tradesTotal          prometheus.Counter
	notificationsDropped prometheus.Counter
	restingOrders        *prometheus.GaugeVec
	activeSessions       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ordersAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_admitted_total",
			Help: "Orders accepted into the book or matched without resting.",
		}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Orders rejected at decode or admission time, by reason.",
		}, []string{"reason"}),
		tradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trades_total",
			Help: "Trades produced by the matching engine.",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications dropped because a client's sink was full.",
		}),
		restingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "book_resting_orders",
			Help: "Number of resting orders, by side.",
		}, []string{"side"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Number of currently connected client sessions.",
		}),
	}

	reg.MustRegister(m.ordersAdmitted, m.ordersRejected, m.tradesTotal,
		m.notificationsDropped, m.restingOrders, m.activeSessions)
	return m
}
