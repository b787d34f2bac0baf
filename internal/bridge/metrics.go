package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's Prometheus instruments.
type Metrics struct {
	State           prometheus.Gauge
	ConnectAttempts prometheus.Counter
	Disconnects     prometheus.Counter
	Reports         *prometheus.CounterVec
	ReportsDropped  prometheus.Counter
}

// NewMetrics creates the agent metrics and registers them with reg.
// A nil reg yields unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "babel_bridge_connection_state",
			Help: "Companion connection state (0=disconnected, 1=connecting, 2=open)",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_bridge_connect_attempts_total",
			Help: "Total number of companion connection attempts",
		}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_bridge_disconnects_total",
			Help: "Total number of open companion connections that closed",
		}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "babel_bridge_reports_total",
			Help: "Total number of context_change frames sent, by app label",
		}, []string{"app"}),
		ReportsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "babel_bridge_reports_dropped_total",
			Help: "Total number of context reports dropped because the connection was not open",
		}),
	}
}
