package events

// Event identifies a bus topic.
type Event string

const (
	EventOrderCreated  Event = "order.created"
	EventOrderSent     Event = "order.sent"
	EventOrderExecuted Event = "order.executed"
	EventOrderFailed   Event = "order.failed"
	EventFill          Event = "fill"
	EventStrategyFlat  Event = "strategy.flat"
	EventRiskAlert     Event = "risk.alert"
	EventEmergency     Event = "risk.emergency"
)
