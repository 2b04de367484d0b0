// Package monitor turns bus traffic into prometheus series and operator
// alerts. It is purely observational: nothing here feeds back into the
// trading pipeline.
package monitor

import (
	"context"
	"fmt"
	"time"

	"tradegate/internal/events"
)

// StatusFunc samples the risk and reconciliation state for the gauges.
type StatusFunc func() (dayPnL, threshold float64, reconcileAlive bool)

// Monitor consumes bus events and keeps the metrics current.
type Monitor struct {
	metrics *Metrics
	sink    AlertSink
}

func New(metrics *Metrics, sink AlertSink) *Monitor {
	if sink == nil {
		sink = LogSink{}
	}
	return &Monitor{metrics: metrics, sink: sink}
}

// Run consumes the bus firehose and samples status until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, bus *events.Bus, status StatusFunc, sampleEvery time.Duration) {
	stream, unsub := bus.SubscribeAll(256)
	defer unsub()

	if sampleEvery <= 0 {
		sampleEvery = 15 * time.Second
	}
	ticker := time.NewTicker(sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			m.observe(msg)
		case <-ticker.C:
			if status == nil {
				continue
			}
			pnl, threshold, alive := status()
			m.metrics.DayPnL.Set(pnl)
			m.metrics.LossThreshold.Set(threshold)
			if alive {
				m.metrics.ReconcileAlive.Set(1)
			} else {
				m.metrics.ReconcileAlive.Set(0)
			}
		}
	}
}

// observe maps one bus message onto its counter, alerting where warranted.
func (m *Monitor) observe(msg events.Message) {
	switch msg.Topic {
	case events.EventOrderCreated:
		m.metrics.OrdersCreated.Inc()
	case events.EventOrderSent:
		m.metrics.OrdersSent.Inc()
	case events.EventOrderExecuted:
		m.metrics.OrdersExecuted.Inc()
	case events.EventOrderFailed:
		m.metrics.OrdersFailed.Inc()
	case events.EventFill:
		m.metrics.Fills.Inc()
	case events.EventRiskAlert:
		m.metrics.RiskAlerts.Inc()
		m.sink.Alert(LevelWarning, fmt.Sprint(msg.Payload))
	case events.EventEmergency:
		m.metrics.Emergencies.Inc()
		m.sink.Alert(LevelCritical, fmt.Sprintf("EMERGENCY: %v", msg.Payload))
	}
}
