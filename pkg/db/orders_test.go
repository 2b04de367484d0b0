package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func sampleOrder(id string) Order {
	return Order{
		ID:        id,
		Kind:      "ENTRY",
		Strategy:  "short-strangle",
		Exchange:  "NFO",
		Symbol:    "NIFTY24AUG24000CE",
		Side:      "SELL",
		Qty:       50,
		Product:   "NRML",
		PriceMode: "MARKET",
	}
}

func TestOrderLifecycleIsMonotonic(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.CreateOrder(ctx, sampleOrder("cmd-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.MarkSent(ctx, "cmd-1", "BRK-1001"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	changed, err := d.MarkTerminal(ctx, "cmd-1", StatusExecuted)
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if !changed {
		t.Fatal("first terminal transition should report a change")
	}

	// Replaying the same broker event must be a no-op.
	changed, err = d.MarkTerminal(ctx, "cmd-1", StatusFailed)
	if err != nil {
		t.Fatalf("replay mark terminal: %v", err)
	}
	if changed {
		t.Fatal("terminal record was mutated by a replay")
	}

	got, err := d.GetOrder(ctx, "cmd-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExecuted {
		t.Fatalf("status=%s, expected EXECUTED to stick", got.Status)
	}
}

func TestMarkSentRefusesTerminalRows(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.CreateOrder(ctx, sampleOrder("cmd-2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := d.MarkTerminal(ctx, "cmd-2", StatusFailed); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if err := d.MarkSent(ctx, "cmd-2", "BRK-X"); err == nil {
		t.Fatal("expected MarkSent to refuse a terminal row")
	}
}

func TestLookupByBrokerID(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.CreateOrder(ctx, sampleOrder("cmd-3")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.MarkSent(ctx, "cmd-3", "BRK-42"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	got, err := d.GetOrderByBrokerID(ctx, "BRK-42")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != "cmd-3" {
		t.Fatalf("lookup returned %s, expected cmd-3", got.ID)
	}

	if _, err := d.GetOrderByBrokerID(ctx, "BRK-missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStuckScanFindsOnlyUnsentCreated(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.CreateOrder(ctx, sampleOrder("stuck-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	sent := sampleOrder("sent-1")
	if err := d.CreateOrder(ctx, sent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.MarkSent(ctx, "sent-1", "BRK-7"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	stuck, err := d.ListStuckOrders(ctx)
	if err != nil {
		t.Fatalf("stuck scan: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "stuck-1" {
		t.Fatalf("stuck scan returned %#v, expected only stuck-1", stuck)
	}
}

func TestRiskStateRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	today := time.Now().Format("2006-01-02")

	rs := RiskState{
		Account:             "acct-1",
		Date:                today,
		Threshold:           -3000,
		PeakProfit:          4200,
		LossHit:             true,
		ConsecutiveLossDays: 2,
		CooldownUntil:       "",
		DayPnL:              -3100,
	}
	if err := d.SaveRiskState(ctx, rs); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Upsert with a tightened threshold.
	rs.Threshold = -2000
	if err := d.SaveRiskState(ctx, rs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := d.LoadRiskState(ctx, "acct-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected a state row")
	}
	if got.Threshold != -2000 || !got.LossHit || got.ConsecutiveLossDays != 2 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	missing, err := d.LoadRiskState(ctx, "nobody")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown account, got %+v", missing)
	}
}
