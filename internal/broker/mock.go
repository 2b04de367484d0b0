package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MockClient is an in-memory paper broker. Orders fill (or reject) instantly
// and maintain a net position book, which makes it usable both as a dry-run
// venue and as the wire client in tests. Payloads are returned in the wrapped
// container shape so the Gateway's normalization path is exercised for real.
type MockClient struct {
	mu      sync.Mutex
	nextID  int
	book    []BrokerOrder
	net     map[string]*NetPosition // exchange|symbol|product

	// Failure knobs for tests.
	FailLogin     bool
	FailValidate  bool
	RejectSymbols map[string]string // symbol -> rejection message
	BlindOps      map[string]bool   // op name -> return nil payload
	MarkPnL       map[string]float64 // symbol -> reported PnL override
}

// NewMockClient returns an empty paper broker.
func NewMockClient() *MockClient {
	return &MockClient{
		net:           make(map[string]*NetPosition),
		RejectSymbols: make(map[string]string),
		BlindOps:      make(map[string]bool),
		MarkPnL:       make(map[string]float64),
	}
}

func (m *MockClient) Login(ctx context.Context) error {
	if m.FailLogin {
		return errors.New("mock: login refused")
	}
	return nil
}

func (m *MockClient) Validate(ctx context.Context) error {
	if m.FailValidate {
		return errors.New("mock: session invalid")
	}
	return nil
}

func posKey(exchange, symbol, product string) string {
	return exchange + "|" + symbol + "|" + product
}

func (m *MockClient) Place(ctx context.Context, req OrderRequest) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BlindOps["place"] {
		return nil, nil
	}

	m.nextID++
	id := fmt.Sprintf("MOCK-%06d", m.nextID)

	o := BrokerOrder{
		OrderID:  id,
		Exchange: req.Exchange,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Qty:      req.Qty,
		Tag:      req.Tag,
	}

	if msg, rejected := m.RejectSymbols[req.Symbol]; rejected {
		o.State = StateRejected
		o.Message = msg
	} else {
		o.State = StateComplete
		o.FilledQty = req.Qty
		o.AvgPrice = req.Price
		m.applyFill(req)
	}
	m.book = append(m.book, o)

	return map[string]any{
		"status": "success",
		"data":   map[string]any{"order_id": id},
	}, nil
}

// applyFill merges a completed order into the net position book. Caller holds mu.
func (m *MockClient) applyFill(req OrderRequest) {
	key := posKey(req.Exchange, req.Symbol, req.Product)
	p, ok := m.net[key]
	if !ok {
		p = &NetPosition{Exchange: req.Exchange, Symbol: req.Symbol, Product: req.Product}
		m.net[key] = p
	}
	if req.Side == SideBuy {
		p.NetQty += req.Qty
	} else {
		p.NetQty -= req.Qty
	}
	p.AvgPrice = req.Price
	p.LastPrice = req.Price
	if p.NetQty == 0 {
		delete(m.net, key)
	}
}

func (m *MockClient) Modify(ctx context.Context, brokerOrderID string, req OrderRequest) (any, error) {
	return map[string]any{"status": "success", "data": map[string]any{"order_id": brokerOrderID}}, nil
}

func (m *MockClient) Cancel(ctx context.Context, brokerOrderID string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.book {
		if m.book[i].OrderID == brokerOrderID && !m.book[i].State.Terminal() {
			m.book[i].State = StateCancelled
		}
	}
	return map[string]any{"status": "success", "data": map[string]any{"order_id": brokerOrderID}}, nil
}

func (m *MockClient) Orders(ctx context.Context) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BlindOps["orders"] {
		return nil, nil
	}

	rows := make([]any, 0, len(m.book))
	for _, o := range m.book {
		rows = append(rows, map[string]any{
			"order_id":   o.OrderID,
			"exchange":   o.Exchange,
			"symbol":     o.Symbol,
			"side":       string(o.Side),
			"qty":        float64(o.Qty),
			"filled_qty": float64(o.FilledQty),
			"avg_price":  o.AvgPrice,
			"status":     string(o.State),
			"message":    o.Message,
			"tag":        o.Tag,
		})
	}
	return map[string]any{"status": "success", "data": rows}, nil
}

func (m *MockClient) Positions(ctx context.Context) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BlindOps["positions"] {
		return nil, nil
	}

	rows := make([]any, 0, len(m.net))
	for _, p := range m.net {
		pnl := p.PnL
		if v, ok := m.MarkPnL[p.Symbol]; ok {
			pnl = v
		}
		rows = append(rows, map[string]any{
			"exchange":  p.Exchange,
			"symbol":    p.Symbol,
			"product":   p.Product,
			"net_qty":   float64(p.NetQty),
			"avg_price": p.AvgPrice,
			"ltp":       p.LastPrice,
			"pnl":       pnl,
		})
	}
	return map[string]any{"status": "success", "net": rows}, nil
}

func (m *MockClient) Limits(ctx context.Context) (any, error) {
	if m.BlindOps["limits"] {
		return nil, nil
	}
	return map[string]any{
		"status": "success",
		"data": map[string]any{
			"cash":             1_000_000.0,
			"margin_used":      0.0,
			"margin_available": 1_000_000.0,
		},
	}, nil
}

func (m *MockClient) Holdings(ctx context.Context) (any, error) {
	if m.BlindOps["holdings"] {
		return nil, nil
	}
	return map[string]any{"status": "success", "data": []any{}}, nil
}

func (m *MockClient) Quote(ctx context.Context, exchange, symbol string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0.0
	for _, p := range m.net {
		if p.Symbol == symbol {
			last = p.LastPrice
		}
	}
	return map[string]any{
		"status": "success",
		"data":   map[string]any{"symbol": symbol, "ltp": last},
	}, nil
}

func (m *MockClient) Search(ctx context.Context, exchange, query string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := []any{}
	for _, p := range m.net {
		if strings.Contains(p.Symbol, strings.ToUpper(query)) {
			rows = append(rows, map[string]any{"exchange": p.Exchange, "symbol": p.Symbol})
		}
	}
	return map[string]any{"status": "success", "data": rows}, nil
}

// SetPosition seeds the net book directly (manual-trade simulation in tests).
func (m *MockClient) SetPosition(exchange, symbol, product string, netQty int, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := posKey(exchange, symbol, product)
	if netQty == 0 {
		delete(m.net, key)
		return
	}
	m.net[key] = &NetPosition{
		Exchange: exchange, Symbol: symbol, Product: product,
		NetQty: netQty, AvgPrice: price, LastPrice: price,
	}
}

// OrderCount reports how many orders the mock has accepted.
func (m *MockClient) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.book)
}
