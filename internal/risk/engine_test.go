package risk

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/guard"
	"tradegate/pkg/config"
	"tradegate/pkg/db"
)

const secret = "hook-secret"

type allowAll struct{}

func (allowAll) CanExecute(broker.Kind, string, []broker.OrderRequest) error { return nil }

type stubWatcher struct{ alive bool }

func (w *stubWatcher) Alive(time.Duration) bool { return w.alive }

type pipelineRouter struct {
	gw    *gateway.Gateway
	calls atomic.Int32
}

func (r *pipelineRouter) ExitStrategy(ctx context.Context, strategy string) error {
	r.calls.Add(1)
	res := r.gw.ExitStrategy(ctx, strategy)
	if res.Status != gateway.StatusAccepted {
		return errors.New(res.Reason)
	}
	return nil
}

// bookBroker serves a fixed day book and records direct placements.
type bookBroker struct {
	rows   []broker.NetPosition
	placed []broker.OrderRequest
}

func (b *bookBroker) Positions(context.Context) ([]broker.NetPosition, error) {
	return b.rows, nil
}

func (b *bookBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	b.placed = append(b.placed, req)
	return "DIRECT-1", nil
}

type noopRouter struct{ calls atomic.Int32 }

func (r *noopRouter) ExitStrategy(context.Context, string) error {
	r.calls.Add(1)
	return nil
}

type fixture struct {
	eng     *Engine
	gw      *gateway.Gateway
	sender  *broker.Gateway
	mock    *broker.MockClient
	guard   *guard.Guard
	store   *db.Database
	bus     *events.Bus
	watcher *stubWatcher
	router  *pipelineRouter
}

func testRiskConfig() Config {
	cfg := DefaultConfig("acct-test")
	cfg.FlatVerifyTimeout = 100 * time.Millisecond
	cfg.FlatPollInterval = 5 * time.Millisecond
	cfg.ViolationPerMin = 6000
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "risk.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	mock := broker.NewMockClient()
	sender := broker.NewGateway(mock, broker.Config{
		LoginBackoff: time.Millisecond,
		PlaceBackoff: time.Millisecond,
		RatePerSec:   1000,
		AutoRecover:  true,
	})
	g := guard.New()
	bus := events.NewBus()
	catalog := &config.Catalog{Instruments: []config.Instrument{
		{Underlying: "NIFTY", Exchange: "NFO", Product: "NRML", LotSize: 25},
	}}
	watcher := &stubWatcher{alive: true}

	gw := gateway.New(secret, g, allowAll{}, sender, store, bus)
	router := &pipelineRouter{gw: gw}
	eng := New(testRiskConfig(), sender, router, watcher, g, store, catalog, bus)
	return &fixture{eng: eng, gw: gw, sender: sender, mock: mock, guard: g, store: store, bus: bus, watcher: watcher, router: router}
}

func (f *fixture) enter(t *testing.T, qty int) {
	t.Helper()
	res := f.gw.Submit(context.Background(), gateway.Command{
		Secret:   secret,
		Strategy: "strangle",
		Kind:     broker.KindEntry,
		Legs: []broker.OrderRequest{{
			Exchange:  "NFO",
			Symbol:    "NIFTY24AUG24000CE",
			Side:      broker.SideSell,
			Qty:       qty,
			Product:   "NRML",
			PriceMode: broker.PriceMarket,
			Price:     120,
		}},
	})
	if res.Status != gateway.StatusAccepted {
		t.Fatalf("entry: %+v", res)
	}
}

func entryLegs(qty int) []broker.OrderRequest {
	return []broker.OrderRequest{{
		Exchange: "NFO", Symbol: "NIFTY24AUG24000CE", Side: broker.SideSell,
		Qty: qty, Product: "NRML", PriceMode: broker.PriceMarket,
	}}
}

func TestGateChecksLotMultiples(t *testing.T) {
	f := newFixture(t)

	if err := f.eng.CanExecute(broker.KindEntry, "strangle", entryLegs(30)); !errors.Is(err, ErrLotSize) {
		t.Fatalf("expected lot-size error, got %v", err)
	}
	if err := f.eng.CanExecute(broker.KindEntry, "strangle", entryLegs(50)); err != nil {
		t.Fatalf("lot multiple rejected: %v", err)
	}
	// Unknown symbols carry lot 1 and pass any quantity.
	if err := f.eng.CanExecute(broker.KindEntry, "x", []broker.OrderRequest{{
		Exchange: "NFO", Symbol: "USDINR24AUGFUT", Side: broker.SideBuy, Qty: 7, PriceMode: broker.PriceMarket,
	}}); err != nil {
		t.Fatalf("unknown symbol rejected: %v", err)
	}
}

func TestRatchetTightensAndNeverLoosens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.SetPosition("NFO", "NIFTY24AUG24000CE", "NRML", -50, 120)
	f.mock.MarkPnL = map[string]float64{"NIFTY24AUG24000CE": 4500}
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	st := f.eng.Status()
	// Peak 4500 over a 2000 profit step buys two 1000 ratchets.
	if st.Threshold != -3000 || st.PeakProfit != 4500 {
		t.Fatalf("status=%+v, expected threshold -3000 peak 4500", st)
	}

	f.mock.MarkPnL["NIFTY24AUG24000CE"] = 1000
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	st = f.eng.Status()
	if st.Threshold != -3000 || st.PeakProfit != 4500 {
		t.Fatalf("status=%+v, ratchet must never loosen", st)
	}
}

func TestBreachExitsOnceAndHalts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enter(t, 50)
	f.mock.MarkPnL = map[string]float64{"NIFTY24AUG24000CE": -6000}

	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	st := f.eng.Status()
	if st.Phase != PhaseLossHit || !st.LossHit {
		t.Fatalf("status=%+v, expected LOSS_HIT", st)
	}
	if f.router.calls.Load() != 1 {
		t.Fatalf("router called %d times, expected 1", f.router.calls.Load())
	}

	// The pipeline exit filled instantly, so the flat verification must have
	// succeeded without escalation.
	positions, err := f.sender.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, expected flat", positions)
	}
	if f.eng.Status().Phase == PhaseEmergency {
		t.Fatal("escalated despite verified flat")
	}

	// Halted: no more entries, but exits still pass.
	if err := f.eng.CanExecute(broker.KindEntry, "strangle", entryLegs(50)); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halt, got %v", err)
	}
	if err := f.eng.CanExecute(broker.KindExit, "strangle", nil); err != nil {
		t.Fatalf("exit blocked while halted: %v", err)
	}

	// Replaying the heartbeat must not re-fire the exit storm.
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if f.router.calls.Load() != 1 {
		t.Fatalf("router called %d times after replay, expected 1", f.router.calls.Load())
	}

	// The loss-hit flag survives a restart.
	saved, err := f.store.LoadRiskState(ctx, "acct-test")
	if err != nil || saved == nil {
		t.Fatalf("load state: %v %v", saved, err)
	}
	if !saved.LossHit {
		t.Fatal("loss-hit not persisted")
	}
}

func TestReappearedPositionForcesExitAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enter(t, 50)
	f.mock.MarkPnL = map[string]float64{"NIFTY24AUG24000CE": -6000}

	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("breach heartbeat: %v", err)
	}
	if f.router.calls.Load() != 1 {
		t.Fatalf("router calls=%d", f.router.calls.Load())
	}

	// A manual trade reopens the position after verified flat.
	f.mock.SetPosition("NFO", "NIFTY24AUG24000CE", "NRML", -50, 120)
	f.mock.MarkPnL["NIFTY24AUG24000CE"] = -100
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("violation heartbeat: %v", err)
	}

	if f.router.calls.Load() != 2 {
		t.Fatalf("router calls=%d, expected forced re-exit", f.router.calls.Load())
	}
	if !f.eng.Status().ManualViolation {
		t.Fatal("manual violation not recorded")
	}
}

func TestDeadWatcherEscalatesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enter(t, 50)
	f.watcher.alive = false

	emCh, unsub := f.bus.Subscribe(events.EventEmergency, 1)
	defer unsub()

	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if f.eng.Status().Phase != PhaseEmergency {
		t.Fatalf("phase=%s, expected EMERGENCY", f.eng.Status().Phase)
	}
	select {
	case <-emCh:
	default:
		t.Fatal("no emergency event published")
	}

	// Direct liquidation bypasses the pipeline entirely.
	if f.router.calls.Load() != 0 {
		t.Fatal("emergency path went through the exit router")
	}
	positions, err := f.sender.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, expected direct liquidation to flatten", positions)
	}
}

func TestEscalatesWhenExitsDoNotFlatten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A router that acknowledges and does nothing simulates a wedged exit
	// path.
	router := &noopRouter{}
	f.eng.router = router

	f.enter(t, 50)
	f.mock.MarkPnL = map[string]float64{"NIFTY24AUG24000CE": -6000}

	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if router.calls.Load() != 1 {
		t.Fatalf("router calls=%d", router.calls.Load())
	}
	if f.eng.Status().Phase != PhaseEmergency {
		t.Fatalf("phase=%s, expected EMERGENCY after verify window", f.eng.Status().Phase)
	}
	positions, err := f.sender.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("positions=%+v, expected emergency liquidation", positions)
	}
}

func TestClosedBookRowsCountAsFlat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Some venues keep closed rows in the day book: zero quantity, realized
	// PnL attached. An account holding only such rows is flat.
	stub := &bookBroker{rows: []broker.NetPosition{{
		Exchange: "NFO", Symbol: "NIFTY24AUG24000CE", Product: "NRML",
		NetQty: 0, AvgPrice: 120, PnL: -6000,
	}}}
	f.eng.brk = stub

	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	st := f.eng.Status()
	if st.Phase != PhaseLossHit {
		t.Fatalf("phase=%s, expected LOSS_HIT without escalation", st.Phase)
	}
	if st.DayPnL != -6000 {
		t.Fatalf("day pnl=%.0f, closed rows must still count toward the total", st.DayPnL)
	}
	if len(stub.placed) != 0 {
		t.Fatalf("placed=%+v, closed rows must never be liquidated", stub.placed)
	}

	// Replays see the same closed rows; they are not a reopened position.
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if f.eng.Status().ManualViolation {
		t.Fatal("closed rows flagged as a manual violation")
	}
	if f.router.calls.Load() != 0 {
		t.Fatalf("router calls=%d, expected none for a flat account", f.router.calls.Load())
	}
}

func TestRealizedLossSurvivesBookPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enter(t, 50)
	f.mock.MarkPnL = map[string]float64{"NIFTY24AUG24000CE": -6000}

	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("breach heartbeat: %v", err)
	}

	// The forced exit filled and the mock venue purges flat rows, so the book
	// is now empty. The day's loss must not evaporate with it.
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("post-exit heartbeat: %v", err)
	}
	if st := f.eng.Status(); st.DayPnL != -6000 {
		t.Fatalf("day pnl=%.0f after purge, expected -6000", st.DayPnL)
	}

	// Rollover books it as a losing day.
	f.eng.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	f.eng.rollover()
	if st := f.eng.Status(); st.ConsecutiveLossDays != 1 {
		t.Fatalf("streak=%d, expected the purged loss booked", st.ConsecutiveLossDays)
	}
}

func TestConsecutiveLossDaysActivateCooldown(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 8, 18, 15, 30, 0, 0, time.UTC) // a Tuesday
	day := 0
	f.eng.now = func() time.Time { return base.AddDate(0, 0, day) }
	f.eng.state = f.eng.freshState(f.eng.now())

	for i := 0; i < 3; i++ {
		f.eng.mu.Lock()
		f.eng.state.DayPnL = -500
		f.eng.mu.Unlock()
		day++
		f.eng.rollover()
	}

	st := f.eng.Status()
	if st.ConsecutiveLossDays != 3 {
		t.Fatalf("streak=%d, expected 3", st.ConsecutiveLossDays)
	}
	if st.CooldownUntil == "" || st.CooldownUntil <= f.eng.now().Format("2006-01-02") {
		t.Fatalf("cooldown=%q, expected a future date", st.CooldownUntil)
	}
	if err := f.eng.CanExecute(broker.KindEntry, "strangle", entryLegs(50)); !errors.Is(err, ErrCooldown) {
		t.Fatalf("expected cooldown error, got %v", err)
	}

	// A profitable day clears the streak but not an active cooldown.
	f.eng.mu.Lock()
	f.eng.state.DayPnL = 1200
	f.eng.mu.Unlock()
	day++
	f.eng.rollover()
	if st := f.eng.Status(); st.ConsecutiveLossDays != 0 {
		t.Fatalf("streak=%d after winning day, expected 0", st.ConsecutiveLossDays)
	}
	if err := f.eng.CanExecute(broker.KindEntry, "strangle", entryLegs(50)); !errors.Is(err, ErrCooldown) {
		t.Fatalf("cooldown lifted early: %v", err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enter(t, 50)
	f.mock.MarkPnL = map[string]float64{"NIFTY24AUG24000CE": -6000}
	if err := f.eng.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	fresh := New(testRiskConfig(), f.sender, f.router, f.watcher, f.guard, f.store, &config.Catalog{}, f.bus)
	if err := fresh.LoadState(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := fresh.Status()
	if st.Phase != PhaseLossHit || !st.LossHit {
		t.Fatalf("restored status=%+v, expected LOSS_HIT", st)
	}
	if err := fresh.CanExecute(broker.KindEntry, "strangle", entryLegs(50)); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halt after restore, got %v", err)
	}
}
