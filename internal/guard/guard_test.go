package guard

import (
	"errors"
	"testing"

	"tradegate/internal/broker"
)

func sell(symbol string, qty int) broker.OrderRequest {
	return broker.OrderRequest{
		Exchange:  "NFO",
		Symbol:    symbol,
		Side:      broker.SideSell,
		Qty:       qty,
		Product:   "NRML",
		PriceMode: broker.PriceMarket,
	}
}

func buy(symbol string, qty int) broker.OrderRequest {
	r := sell(symbol, qty)
	r.Side = broker.SideBuy
	return r
}

func TestEntryBlocksSecondEntryRegardlessOfSymbols(t *testing.T) {
	g := New()

	if _, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell("NIFTY24AUG24000CE", 50)}); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	// Same strategy, entirely different symbol: still a duplicate.
	_, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell("NIFTY24AUG23000PE", 50)})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("expected duplicate entry error, got %v", err)
	}
}

func TestEntryConflictAcrossStrategies(t *testing.T) {
	g := New()

	if _, err := g.AdmitEntry("seller", []broker.OrderRequest{sell("BANKNIFTY24AUG51000CE", 30)}); err != nil {
		t.Fatalf("seller entry: %v", err)
	}

	_, err := g.AdmitEntry("buyer", []broker.OrderRequest{buy("BANKNIFTY24AUG51000CE", 30)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}

	// Same direction from another strategy is allowed.
	if _, err := g.AdmitEntry("seller2", []broker.OrderRequest{sell("BANKNIFTY24AUG51000CE", 15)}); err != nil {
		t.Fatalf("same-direction entry: %v", err)
	}
	if got := g.GlobalQty("BANKNIFTY24AUG51000CE", broker.SideSell); got != 45 {
		t.Fatalf("global qty=%d, expected 45", got)
	}
}

func TestAdjustForwardsOnlyTheDelta(t *testing.T) {
	g := New()
	sym := "NIFTY24AUG24000CE"

	if _, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell(sym, 50)}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	admitted, err := g.AdmitAdjust("strangle", []broker.OrderRequest{sell(sym, 75)})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(admitted) != 1 || admitted[0].Qty != 25 {
		t.Fatalf("admitted=%#v, expected exactly one leg of 25", admitted)
	}
	if pos := g.PositionsFor("strangle")[sym]; pos.Qty != 75 {
		t.Fatalf("recorded qty=%d, expected 75", pos.Qty)
	}
	if got := g.GlobalQty(sym, broker.SideSell); got != 75 {
		t.Fatalf("global qty=%d, expected 75", got)
	}
}

func TestAdjustRejectsReduction(t *testing.T) {
	g := New()
	sym := "NIFTY24AUG24000CE"

	if _, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell(sym, 50)}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	_, err := g.AdmitAdjust("strangle", []broker.OrderRequest{sell(sym, 30)})
	if !errors.Is(err, ErrReduction) {
		t.Fatalf("expected reduction error, got %v", err)
	}
	if pos := g.PositionsFor("strangle")[sym]; pos.Qty != 50 {
		t.Fatalf("recorded qty changed to %d on a rejected adjust", pos.Qty)
	}
}

func TestAdjustAtTargetSendsNothing(t *testing.T) {
	g := New()
	sym := "NIFTY24AUG24000CE"

	if _, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell(sym, 50)}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	admitted, err := g.AdmitAdjust("strangle", []broker.OrderRequest{sell(sym, 50)})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if len(admitted) != 0 {
		t.Fatalf("admitted=%#v, expected empty batch", admitted)
	}
}

func TestAdjustMixedBatchIsAllOrNothing(t *testing.T) {
	g := New()

	entry := []broker.OrderRequest{sell("NIFTY24AUG24000CE", 50), sell("NIFTY24AUG23000PE", 50)}
	if _, err := g.AdmitEntry("strangle", entry); err != nil {
		t.Fatalf("entry: %v", err)
	}

	// One leg grows, the other is already at target.
	batch := []broker.OrderRequest{sell("NIFTY24AUG24000CE", 75), sell("NIFTY24AUG23000PE", 50)}
	_, err := g.AdmitAdjust("strangle", batch)
	if !errors.Is(err, ErrPartialBatch) {
		t.Fatalf("expected partial batch error, got %v", err)
	}
	if pos := g.PositionsFor("strangle")["NIFTY24AUG24000CE"]; pos.Qty != 50 {
		t.Fatalf("recorded qty=%d after rejected batch, expected 50", pos.Qty)
	}
}

func TestExitIsSymbolicAndComplete(t *testing.T) {
	g := New()

	entry := []broker.OrderRequest{sell("NIFTY24AUG24000CE", 50), buy("NIFTY24AUG25000CE", 20)}
	if _, err := g.AdmitEntry("strangle", entry); err != nil {
		t.Fatalf("entry: %v", err)
	}

	exits, err := g.AdmitExit("strangle")
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if len(exits) != 2 {
		t.Fatalf("got %d exits, expected one per recorded symbol", len(exits))
	}
	byQty := map[string]int{}
	for _, e := range exits {
		if e.Side != "" {
			t.Fatalf("exit for %s carries side %q, expected symbolic (empty) side", e.Symbol, e.Side)
		}
		byQty[e.Symbol] = e.Qty
	}
	if byQty["NIFTY24AUG24000CE"] != 50 || byQty["NIFTY24AUG25000CE"] != 20 {
		t.Fatalf("exit quantities %v do not match recorded positions", byQty)
	}

	if _, err := g.AdmitExit("nobody"); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected no-position error, got %v", err)
	}
}

func TestReconcileShrinksAndClears(t *testing.T) {
	g := New()
	sym := "NIFTY24AUG24000CE"

	if _, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell(sym, 50)}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	// Broker shows a partial close.
	flat := g.Reconcile("strangle", []broker.NetPosition{{Symbol: sym, Exchange: "NFO", Product: "NRML", NetQty: -30}})
	if flat {
		t.Fatal("strategy reported flat while a leg remains")
	}
	if pos := g.PositionsFor("strangle")[sym]; pos.Qty != 30 {
		t.Fatalf("reconciled qty=%d, expected 30", pos.Qty)
	}
	if got := g.GlobalQty(sym, broker.SideSell); got != 30 {
		t.Fatalf("global qty=%d, expected 30", got)
	}

	// Fully closed at the broker.
	flat = g.Reconcile("strangle", nil)
	if !flat {
		t.Fatal("expected the strategy to be cleared")
	}
	if got := g.GlobalQty(sym, broker.SideSell); got != 0 {
		t.Fatalf("global qty=%d after clear, expected 0", got)
	}
}

func TestReconcileAdoptsOnlyUnaccountedPositions(t *testing.T) {
	g := New()
	sym := "BANKNIFTY24AUG51000CE"

	if _, err := g.AdmitEntry("alpha", []broker.OrderRequest{sell(sym, 30)}); err != nil {
		t.Fatalf("entry: %v", err)
	}
	if _, err := g.AdmitEntry("beta", []broker.OrderRequest{sell("NIFTY24AUG24000CE", 25)}); err != nil {
		t.Fatalf("entry: %v", err)
	}

	truth := []broker.NetPosition{
		{Symbol: "NIFTY24AUG24000CE", Exchange: "NFO", Product: "NRML", NetQty: -25},
		// alpha's book: already accounted, beta must not adopt it.
		{Symbol: sym, Exchange: "NFO", Product: "NRML", NetQty: -30},
		// nobody claims this one.
		{Symbol: "FINNIFTY24AUG21000PE", Exchange: "NFO", Product: "NRML", NetQty: 40},
	}
	g.Reconcile("beta", truth)

	beta := g.PositionsFor("beta")
	if _, adopted := beta[sym]; adopted {
		t.Fatal("beta adopted a position already accounted for by alpha")
	}
	orphan, ok := beta["FINNIFTY24AUG21000PE"]
	if !ok || orphan.Side != broker.SideBuy || orphan.Qty != 40 {
		t.Fatalf("orphan adoption mismatch: %+v ok=%v", orphan, ok)
	}
	if got := g.GlobalQty(sym, broker.SideSell); got != 30 {
		t.Fatalf("global qty=%d, expected alpha's 30 untouched", got)
	}
}

func TestClearSymbolUndoesASingleLeg(t *testing.T) {
	g := New()

	entry := []broker.OrderRequest{sell("NIFTY24AUG24000CE", 50), sell("NIFTY24AUG23000PE", 50)}
	if _, err := g.AdmitEntry("strangle", entry); err != nil {
		t.Fatalf("entry: %v", err)
	}

	g.ClearSymbol("strangle", "NIFTY24AUG24000CE")

	positions := g.PositionsFor("strangle")
	if _, stale := positions["NIFTY24AUG24000CE"]; stale {
		t.Fatal("cleared symbol still recorded")
	}
	if positions["NIFTY24AUG23000PE"].Qty != 50 {
		t.Fatal("sibling leg disturbed by ClearSymbol")
	}
	if got := g.GlobalQty("NIFTY24AUG24000CE", broker.SideSell); got != 0 {
		t.Fatalf("global qty=%d after clear, expected 0", got)
	}

	// Clearing the last leg removes the strategy entirely.
	g.ClearSymbol("strangle", "NIFTY24AUG23000PE")
	if _, err := g.AdmitEntry("strangle", []broker.OrderRequest{sell("NIFTY24AUG24000CE", 10)}); err != nil {
		t.Fatalf("re-entry after full clear: %v", err)
	}
}
