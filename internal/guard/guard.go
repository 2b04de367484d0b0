// Package guard keeps the in-memory authoritative view of per-strategy and
// global positions. Entries are created when an ENTRY or ADJUST is admitted
// and mutated afterwards only by confirmed broker truth during
// reconciliation. All public operations are leaf operations: the mutex is
// never held across a call into another component.
package guard

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"tradegate/internal/broker"
)

var (
	ErrDuplicateEntry = errors.New("duplicate entry")
	ErrConflict       = errors.New("cross-strategy conflict")
	ErrReduction      = errors.New("reduction without exit")
	ErrPartialBatch   = errors.New("partially satisfiable batch")
	ErrNoPosition     = errors.New("no recorded position")
	ErrInvalidIntent  = errors.New("invalid intent")
)

// Position is one recorded leg of a strategy.
type Position struct {
	Exchange string      `json:"exchange"`
	Product  string      `json:"product"`
	Side     broker.Side `json:"side"`
	Qty      int         `json:"qty"`
}

// Guard owns the position maps. The global map's per-symbol-per-direction
// quantity always equals the sum of that symbol/direction across strategies.
type Guard struct {
	mu         sync.Mutex
	byStrategy map[string]map[string]Position
	global     map[string]map[broker.Side]int
}

// New returns an empty guard.
func New() *Guard {
	return &Guard{
		byStrategy: make(map[string]map[string]Position),
		global:     make(map[string]map[broker.Side]int),
	}
}

func validate(intents []broker.OrderRequest) error {
	if len(intents) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidIntent)
	}
	for _, in := range intents {
		if in.Symbol == "" {
			return fmt.Errorf("%w: missing symbol", ErrInvalidIntent)
		}
		if in.Side != broker.SideBuy && in.Side != broker.SideSell {
			return fmt.Errorf("%w: bad side %q for %s", ErrInvalidIntent, in.Side, in.Symbol)
		}
		if in.Qty <= 0 {
			return fmt.Errorf("%w: bad quantity %d for %s", ErrInvalidIntent, in.Qty, in.Symbol)
		}
	}
	return nil
}

// addGlobal adjusts the global map by delta. Caller holds mu.
func (g *Guard) addGlobal(symbol string, side broker.Side, delta int) {
	sides, ok := g.global[symbol]
	if !ok {
		sides = make(map[broker.Side]int)
		g.global[symbol] = sides
	}
	sides[side] += delta
	if sides[side] <= 0 {
		delete(sides, side)
	}
	if len(sides) == 0 {
		delete(g.global, symbol)
	}
}

// heldElsewhere reports whether another strategy holds symbol on the given
// side. Caller holds mu.
func (g *Guard) heldElsewhere(strategy, symbol string, side broker.Side) bool {
	total := g.global[symbol][side]
	if own, ok := g.byStrategy[strategy][symbol]; ok && own.Side == side {
		total -= own.Qty
	}
	return total > 0
}

// AdmitEntry validates a fresh entry batch. A strategy that already records
// any position fails as a duplicate regardless of symbol overlap. Every
// target symbol is checked for a conflicting direction held by a different
// strategy.
func (g *Guard) AdmitEntry(strategy string, intents []broker.OrderRequest) ([]broker.OrderRequest, error) {
	if err := validate(intents); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.byStrategy[strategy]) > 0 {
		return nil, fmt.Errorf("%w: strategy %s already holds positions", ErrDuplicateEntry, strategy)
	}
	for _, in := range intents {
		if g.heldElsewhere(strategy, in.Symbol, in.Side.Opposite()) {
			return nil, fmt.Errorf("%w: %s %s held opposite by another strategy", ErrConflict, in.Symbol, in.Side)
		}
	}

	g.record(strategy, intents)
	return intents, nil
}

// AdmitAdjust computes per-symbol deltas against recorded quantities and
// forwards only the increments. Zero-delta intents are dropped; a batch that
// mixes positive and zero deltas is all-or-nothing and fails rather than
// silently sending a subset. Negative deltas are rejected: reductions go
// through the exit path.
func (g *Guard) AdmitAdjust(strategy string, intents []broker.OrderRequest) ([]broker.OrderRequest, error) {
	if err := validate(intents); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	positions := g.byStrategy[strategy]
	admitted := make([]broker.OrderRequest, 0, len(intents))
	dropped := 0

	for _, in := range intents {
		recorded, held := positions[in.Symbol]
		if held && recorded.Side != in.Side {
			return nil, fmt.Errorf("%w: %s recorded %s, requested %s", ErrInvalidIntent, in.Symbol, recorded.Side, in.Side)
		}
		if !held && g.heldElsewhere(strategy, in.Symbol, in.Side.Opposite()) {
			return nil, fmt.Errorf("%w: %s %s held opposite by another strategy", ErrConflict, in.Symbol, in.Side)
		}

		delta := in.Qty - recorded.Qty
		switch {
		case delta < 0:
			return nil, fmt.Errorf("%w: %s recorded %d, requested %d", ErrReduction, in.Symbol, recorded.Qty, in.Qty)
		case delta == 0:
			dropped++
		default:
			leg := in
			leg.Qty = delta
			admitted = append(admitted, leg)
		}
	}

	if len(admitted) == 0 {
		// Nothing to send: the position already matches the request.
		return nil, nil
	}
	if dropped > 0 {
		return nil, fmt.Errorf("%w: %d of %d legs already satisfied", ErrPartialBatch, dropped, len(intents))
	}

	g.record(strategy, intents)
	return admitted, nil
}

// record raises recorded quantities to the requested targets. Caller holds mu.
func (g *Guard) record(strategy string, intents []broker.OrderRequest) {
	positions, ok := g.byStrategy[strategy]
	if !ok {
		positions = make(map[string]Position)
		g.byStrategy[strategy] = positions
	}
	for _, in := range intents {
		prev := positions[in.Symbol]
		positions[in.Symbol] = Position{
			Exchange: in.Exchange,
			Product:  in.Product,
			Side:     in.Side,
			Qty:      in.Qty,
		}
		g.addGlobal(in.Symbol, in.Side, in.Qty-prev.Qty)
	}
}

// AdmitExit ignores any caller-supplied quantity or direction and emits one
// symbolic exit per recorded symbol, carrying the strategy's own resting
// quantity. The side is left empty: the sender resolves it from broker truth
// at send time.
func (g *Guard) AdmitExit(strategy string) ([]broker.OrderRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	positions := g.byStrategy[strategy]
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: strategy %s", ErrNoPosition, strategy)
	}

	exits := make([]broker.OrderRequest, 0, len(positions))
	for symbol, pos := range positions {
		exits = append(exits, broker.OrderRequest{
			Exchange:  pos.Exchange,
			Symbol:    symbol,
			Qty:       pos.Qty,
			Product:   pos.Product,
			PriceMode: broker.PriceMarket,
		})
	}
	return exits, nil
}

// Reconcile merges broker truth into a strategy's recorded positions:
// quantities lower than recorded shrink or remove the entry, and broker
// positions the guard did not know about are adopted (logged as anomalies)
// unless some other strategy accounts for them. Returns true when the
// strategy ended up empty and was cleared.
func (g *Guard) Reconcile(strategy string, truth []broker.NetPosition) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	bySymbol := make(map[string]broker.NetPosition, len(truth))
	for _, p := range truth {
		if p.NetQty != 0 {
			bySymbol[p.Symbol] = p
		}
	}

	positions := g.byStrategy[strategy]
	for symbol, pos := range positions {
		live, ok := bySymbol[symbol]
		bq := 0
		if ok && live.Side() == pos.Side {
			bq = live.AbsQty()
		}
		if bq >= pos.Qty {
			continue
		}
		g.addGlobal(symbol, pos.Side, bq-pos.Qty)
		if bq == 0 {
			log.Printf("guard: %s/%s cleared by broker truth (was %d)", strategy, symbol, pos.Qty)
			delete(positions, symbol)
			continue
		}
		log.Printf("guard: %s/%s reduced by broker truth %d -> %d", strategy, symbol, pos.Qty, bq)
		pos.Qty = bq
		positions[symbol] = pos
	}

	for symbol, live := range bySymbol {
		if _, known := positions[symbol]; known {
			continue
		}
		// Another strategy may legitimately account for this symbol/side.
		if g.global[symbol][live.Side()] > 0 {
			continue
		}
		log.Printf("guard: anomaly, adopting unknown broker position %s %s %d into %s",
			symbol, live.Side(), live.AbsQty(), strategy)
		if positions == nil {
			positions = make(map[string]Position)
			g.byStrategy[strategy] = positions
		}
		positions[symbol] = Position{
			Exchange: live.Exchange,
			Product:  live.Product,
			Side:     live.Side(),
			Qty:      live.AbsQty(),
		}
		g.addGlobal(symbol, live.Side(), live.AbsQty())
	}

	if len(positions) == 0 {
		delete(g.byStrategy, strategy)
		return true
	}
	return false
}

// ClearSymbol surgically undoes a single failed leg without touching the rest
// of the strategy's state.
func (g *Guard) ClearSymbol(strategy, symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	positions := g.byStrategy[strategy]
	pos, ok := positions[symbol]
	if !ok {
		return
	}
	g.addGlobal(symbol, pos.Side, -pos.Qty)
	delete(positions, symbol)
	if len(positions) == 0 {
		delete(g.byStrategy, strategy)
	}
}

// PositionsFor returns a copy of a strategy's recorded positions.
func (g *Guard) PositionsFor(strategy string) map[string]Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]Position, len(g.byStrategy[strategy]))
	for symbol, pos := range g.byStrategy[strategy] {
		out[symbol] = pos
	}
	return out
}

// Strategies returns the names of strategies with recorded positions.
func (g *Guard) Strategies() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.byStrategy))
	for name := range g.byStrategy {
		out = append(out, name)
	}
	return out
}

// Snapshot returns a copy of all recorded positions keyed by strategy.
func (g *Guard) Snapshot() map[string]map[string]Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]map[string]Position, len(g.byStrategy))
	for name, positions := range g.byStrategy {
		cp := make(map[string]Position, len(positions))
		for symbol, pos := range positions {
			cp[symbol] = pos
		}
		out[name] = cp
	}
	return out
}

// GlobalQty returns the total recorded quantity for symbol/side across all
// strategies.
func (g *Guard) GlobalQty(symbol string, side broker.Side) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.global[symbol][side]
}
