// Package obs exposes Prometheus instrumentation for the trading core.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the core reports.
type Metrics struct {
	OrdersRouted   prometheus.Counter
	OrdersRejected *prometheus.CounterVec
	TradesExecuted prometheus.Counter
	KillSwitch     prometheus.Gauge
	BreakerTrips   *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	LedgerEntries  prometheus.Counter
	DailyPnL       prometheus.Gauge
	OpenPositions  prometheus.Gauge
	QuoteUpdates   prometheus.Counter
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "orders_routed_total",
			Help:      "Orders accepted by the router and submitted to a broker.",
		}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by the router, by rejection code.",
		}, []string{"code"}),
		TradesExecuted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "trades_executed_total",
			Help:      "Fills produced by the broker.",
		}),
		KillSwitch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Name:      "kill_switch_active",
			Help:      "1 while the kill switch is active.",
		}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "circuit_breaker_trips_total",
			Help:      "Circuit breaker trips, by breaker kind.",
		}, []string{"kind"}),
		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "anomalies_total",
			Help:      "Anomalies recorded by the PnL monitor, by severity.",
		}, []string{"severity"}),
		LedgerEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "ledger_entries_total",
			Help:      "Entries appended to the trade ledger.",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Name:      "daily_pnl_dollars",
			Help:      "Total PnL for the current UTC day.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Name:      "open_positions",
			Help:      "Number of open positions on the default account.",
		}),
		QuoteUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tradecore",
			Name:      "quote_updates_total",
			Help:      "Price ticks fed to the paper broker.",
		}),
	}
}
