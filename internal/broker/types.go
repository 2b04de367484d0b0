package broker

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a held direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind classifies an execution intent.
type Kind string

const (
	KindEntry  Kind = "ENTRY"
	KindAdjust Kind = "ADJUST"
	KindExit   Kind = "EXIT"
)

// PriceMode selects order pricing.
type PriceMode string

const (
	PriceMarket PriceMode = "MARKET"
	PriceLimit  PriceMode = "LIMIT"
)

// OrderRequest captures one concrete leg to be sent to the broker.
type OrderRequest struct {
	Exchange  string
	Symbol    string
	Side      Side
	Qty       int
	Product   string // e.g. NRML, MIS
	PriceMode PriceMode
	Price     float64
	StopLoss  float64
	Target    float64
	Trailing  float64
	Tag       string
}

// OrderState is the broker's view of an order in its book.
type OrderState string

const (
	StateOpen      OrderState = "OPEN"
	StatePending   OrderState = "PENDING"
	StateComplete  OrderState = "COMPLETE"
	StateRejected  OrderState = "REJECTED"
	StateCancelled OrderState = "CANCELLED"
	StateExpired   OrderState = "EXPIRED"
)

// Terminal reports whether the broker will never change this state again.
func (s OrderState) Terminal() bool {
	switch s {
	case StateComplete, StateRejected, StateCancelled, StateExpired:
		return true
	}
	return false
}

// BrokerOrder is one entry of the broker's order book.
type BrokerOrder struct {
	OrderID   string
	Exchange  string
	Symbol    string
	Side      Side
	Qty       int
	FilledQty int
	AvgPrice  float64
	State     OrderState
	Message   string
	Tag       string
}

// NetPosition is one entry of the broker's live position book.
// NetQty is signed: positive long, negative short.
type NetPosition struct {
	Exchange string
	Symbol   string
	Product  string
	NetQty   int
	AvgPrice float64
	LastPrice float64
	PnL      float64
}

// Side returns the direction of the net position.
func (p NetPosition) Side() Side {
	if p.NetQty < 0 {
		return SideSell
	}
	return SideBuy
}

// AbsQty returns the unsigned position size.
func (p NetPosition) AbsQty() int {
	if p.NetQty < 0 {
		return -p.NetQty
	}
	return p.NetQty
}

// Limits reports account margin figures.
type Limits struct {
	Cash            float64
	MarginUsed      float64
	MarginAvailable float64
}

// Holding is a long-term holding row (informational only).
type Holding struct {
	Symbol   string
	Qty      int
	AvgPrice float64
}

// Quote is a snapshot price (informational only).
type Quote struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
}

// SymbolMatch is one symbol-search result (informational only).
type SymbolMatch struct {
	Exchange string
	Symbol   string
	Name     string
}
