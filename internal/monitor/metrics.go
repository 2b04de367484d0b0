package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the gateway's operational counters and gauges.
type Metrics struct {
	OrdersCreated  prometheus.Counter
	OrdersSent     prometheus.Counter
	OrdersExecuted prometheus.Counter
	OrdersFailed   prometheus.Counter
	Fills          prometheus.Counter
	RiskAlerts     prometheus.Counter
	Emergencies    prometheus.Counter

	DayPnL         prometheus.Gauge
	LossThreshold  prometheus.Gauge
	ReconcileAlive prometheus.Gauge
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_orders_created_total",
			Help: "Order records persisted before send.",
		}),
		OrdersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_orders_sent_total",
			Help: "Orders accepted by the broker.",
		}),
		OrdersExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_orders_executed_total",
			Help: "Orders confirmed complete by reconciliation.",
		}),
		OrdersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_orders_failed_total",
			Help: "Orders that ended rejected, cancelled or unplaceable.",
		}),
		Fills: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_fills_total",
			Help: "Confirmed broker fills.",
		}),
		RiskAlerts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_risk_alerts_total",
			Help: "Risk engine alerts (ratchets, breaches, violations).",
		}),
		Emergencies: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradegate_emergencies_total",
			Help: "Emergency direct-liquidation escalations.",
		}),
		DayPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_day_pnl",
			Help: "Current day PnL as reported by the broker.",
		}),
		LossThreshold: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_loss_threshold",
			Help: "Current dynamic loss threshold (negative).",
		}),
		ReconcileAlive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_reconcile_alive",
			Help: "1 when the reconciliation loop passed recently.",
		}),
	}
}
