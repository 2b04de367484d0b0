// Package risk enforces the daily loss discipline. It gates admissions,
// watches PnL against a ratcheting threshold on its own heartbeat, and owns
// the only sanctioned bypass of the command pipeline: emergency direct
// liquidation when the normal exit path has just proven unreliable.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradegate/internal/broker"
	"tradegate/internal/events"
	"tradegate/internal/guard"
	"tradegate/pkg/config"
	"tradegate/pkg/db"
)

// Phase is the per-day risk state.
type Phase string

const (
	PhaseSafe      Phase = "SAFE"
	PhaseLossHit   Phase = "LOSS_HIT"
	PhaseEmergency Phase = "EMERGENCY"
)

var (
	ErrHalted   = errors.New("trading halted")
	ErrCooldown = errors.New("cooldown active")
	ErrLotSize  = errors.New("quantity not a lot multiple")
)

// Broker is the slice of the broker surface the engine needs. PlaceOrder is
// used only on the emergency path.
type Broker interface {
	Positions(ctx context.Context) ([]broker.NetPosition, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
}

// ExitRouter requests a forced exit through the normal command pipeline.
type ExitRouter interface {
	ExitStrategy(ctx context.Context, strategy string) error
}

// Watcher reports reconciliation-loop liveness.
type Watcher interface {
	Alive(maxAge time.Duration) bool
}

// Config tunes the enforcement engine.
type Config struct {
	Account           string
	BaseLossLimit     float64 // negative
	RatchetStep       float64 // threshold improvement per profit step
	ProfitStep        float64 // peak profit needed per ratchet
	FlatVerifyTimeout time.Duration
	FlatPollInterval  time.Duration
	MaxLossDays       int
	HeartbeatInterval time.Duration
	WatcherMaxAge     time.Duration
	ViolationPerMin   int // re-exit alerts allowed per minute
}

func DefaultConfig(account string) Config {
	return Config{
		Account:           account,
		BaseLossLimit:     -5000,
		RatchetStep:       1000,
		ProfitStep:        2000,
		FlatVerifyTimeout: 30 * time.Second,
		FlatPollInterval:  2 * time.Second,
		MaxLossDays:       3,
		HeartbeatInterval: 10 * time.Second,
		WatcherMaxAge:     time.Minute,
		ViolationPerMin:   2,
	}
}

// Engine is the per-account risk state machine.
type Engine struct {
	cfg     Config
	brk     Broker
	router  ExitRouter
	watcher Watcher
	guard   *guard.Guard
	store   *db.Database
	catalog *config.Catalog
	bus     *events.Bus

	violations *rate.Limiter
	now        func() time.Time

	mu           sync.Mutex
	state        db.RiskState
	phase        Phase
	verifiedFlat bool

	// Realized PnL of positions that have left the day book, plus the last
	// reported PnL per row still present. Venues differ on whether a closed
	// position keeps a zero-quantity row or vanishes; tracking both ways keeps
	// the day total intact either way.
	realized float64
	lastPnL  map[string]float64
}

func New(cfg Config, brk Broker, router ExitRouter, watcher Watcher, g *guard.Guard, store *db.Database, catalog *config.Catalog, bus *events.Bus) *Engine {
	if cfg.FlatPollInterval <= 0 {
		cfg.FlatPollInterval = 2 * time.Second
	}
	if cfg.ViolationPerMin <= 0 {
		cfg.ViolationPerMin = DefaultConfig("").ViolationPerMin
	}
	e := &Engine{
		cfg:        cfg,
		brk:        brk,
		router:     router,
		watcher:    watcher,
		guard:      g,
		store:      store,
		catalog:    catalog,
		bus:        bus,
		violations: rate.NewLimiter(rate.Limit(float64(cfg.ViolationPerMin)/60.0), 1),
		now:        time.Now,
		phase:      PhaseSafe,
		lastPnL:    make(map[string]float64),
	}
	e.state = e.freshState(e.now())
	return e
}

func (e *Engine) freshState(now time.Time) db.RiskState {
	return db.RiskState{
		Account:   e.cfg.Account,
		Date:      now.Format("2006-01-02"),
		Threshold: e.cfg.BaseLossLimit,
	}
}

// LoadState restores today's persisted state. A row from an earlier date
// carries only the consecutive-loss streak and cooldown forward.
func (e *Engine) LoadState(ctx context.Context) error {
	saved, err := e.store.LoadRiskState(ctx, e.cfg.Account)
	if err != nil {
		return err
	}
	if saved == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	today := e.now().Format("2006-01-02")
	if saved.Date == today {
		e.state = *saved
		if saved.LossHit {
			e.phase = PhaseLossHit
		}
		log.Printf("risk: restored state for %s (threshold=%.0f lossHit=%v)", today, saved.Threshold, saved.LossHit)
		return nil
	}
	e.state.ConsecutiveLossDays = saved.ConsecutiveLossDays
	e.state.CooldownUntil = saved.CooldownUntil
	if saved.DayPnL < 0 {
		e.closeLossDayLocked(saved.DayPnL)
	}
	return nil
}

// CanExecute is the admission gate. Exits always pass: risk enforcement must
// never stand between a strategy and getting flat.
func (e *Engine) CanExecute(kind broker.Kind, strategy string, legs []broker.OrderRequest) error {
	if kind == broker.KindExit {
		return nil
	}

	e.mu.Lock()
	phase := e.phase
	cooldown := e.state.CooldownUntil
	e.mu.Unlock()

	if phase != PhaseSafe {
		return fmt.Errorf("%w: phase %s", ErrHalted, phase)
	}
	if cooldown != "" && e.now().Format("2006-01-02") < cooldown {
		return fmt.Errorf("%w until %s", ErrCooldown, cooldown)
	}
	for _, leg := range legs {
		lot := e.catalog.LotFor(leg.Symbol)
		if lot > 1 && leg.Qty%lot != 0 {
			return fmt.Errorf("%w: %s qty %d, lot %d", ErrLotSize, leg.Symbol, leg.Qty, lot)
		}
	}
	return nil
}

// Status is a read-only snapshot for the operator API.
type StatusSnapshot struct {
	Phase               Phase   `json:"phase"`
	Date                string  `json:"date"`
	DayPnL              float64 `json:"day_pnl"`
	Threshold           float64 `json:"threshold"`
	PeakProfit          float64 `json:"peak_profit"`
	LossHit             bool    `json:"loss_hit"`
	ManualViolation     bool    `json:"manual_violation"`
	ConsecutiveLossDays int     `json:"consecutive_loss_days"`
	CooldownUntil       string  `json:"cooldown_until,omitempty"`
}

func (e *Engine) Status() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return StatusSnapshot{
		Phase:               e.phase,
		Date:                e.state.Date,
		DayPnL:              e.state.DayPnL,
		Threshold:           e.state.Threshold,
		PeakProfit:          e.state.PeakProfit,
		LossHit:             e.state.LossHit,
		ManualViolation:     e.state.ManualViolation,
		ConsecutiveLossDays: e.state.ConsecutiveLossDays,
		CooldownUntil:       e.state.CooldownUntil,
	}
}

// Run beats until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Heartbeat(ctx); err != nil {
				log.Printf("risk: heartbeat: %v", err)
			}
		}
	}
}

// Heartbeat runs one enforcement cycle.
func (e *Engine) Heartbeat(ctx context.Context) error {
	e.rollover()

	// A dead reconciliation loop means exits can no longer be guaranteed
	// through the normal path.
	if e.watcher != nil && !e.watcher.Alive(e.cfg.WatcherMaxAge) {
		e.mu.Lock()
		alreadyEmergency := e.phase == PhaseEmergency
		e.mu.Unlock()
		if !alreadyEmergency {
			log.Printf("risk: reconciliation loop dead, escalating")
			e.escalate(ctx, "watcher dead")
		}
		return nil
	}

	positions, err := e.brk.Positions(ctx)
	if err != nil {
		// Broker blind: cannot price risk, cannot safely liquidate either.
		e.bus.Publish(events.EventRiskAlert, fmt.Sprintf("broker blind on heartbeat: %v", err))
		return err
	}

	current := make(map[string]float64, len(positions))
	booked := 0.0
	for _, p := range positions {
		current[trackKey(p)] = p.PnL
		booked += p.PnL
	}

	e.mu.Lock()
	// A row that vanished from the book took its PnL with it; fold the last
	// reported figure into the realized total before it is lost.
	for key, last := range e.lastPnL {
		if _, ok := current[key]; !ok {
			e.realized += last
		}
	}
	e.lastPnL = current
	pnl := e.realized + booked
	e.state.DayPnL = pnl
	e.ratchetLocked(pnl)
	threshold := e.state.Threshold
	breached := !e.state.LossHit && pnl <= threshold
	if breached {
		e.state.LossHit = true
		e.phase = PhaseLossHit
	}
	violation := e.state.LossHit && !breached && e.verifiedFlat && openCount(positions) > 0
	e.mu.Unlock()

	switch {
	case breached:
		log.Printf("risk: loss threshold breached (pnl=%.0f threshold=%.0f)", pnl, threshold)
		e.bus.Publish(events.EventRiskAlert, fmt.Sprintf("loss threshold breached: pnl %.0f <= %.0f", pnl, threshold))
		e.forceExitAll(ctx)
		if !e.verifyFlat(ctx) {
			e.escalate(ctx, "exit verification timed out")
		}
	case violation:
		if e.violations.Allow() {
			log.Printf("risk: position reappeared after loss-hit, forcing exit")
			e.mu.Lock()
			e.state.ManualViolation = true
			e.mu.Unlock()
			e.bus.Publish(events.EventRiskAlert, "position reappeared after loss-hit")
			e.forceExitAll(ctx)
		}
	}

	return e.persist(ctx)
}

// ratchetLocked tightens the threshold as profit peaks grow. It never
// loosens. Caller holds mu.
func (e *Engine) ratchetLocked(pnl float64) {
	if pnl <= e.state.PeakProfit {
		return
	}
	e.state.PeakProfit = pnl
	if e.cfg.ProfitStep <= 0 {
		return
	}
	steps := int(pnl / e.cfg.ProfitStep)
	next := e.cfg.BaseLossLimit + float64(steps)*e.cfg.RatchetStep
	if next > e.state.Threshold {
		log.Printf("risk: threshold ratcheted %.0f -> %.0f (peak %.0f)", e.state.Threshold, next, pnl)
		e.state.Threshold = next
		e.bus.Publish(events.EventRiskAlert, fmt.Sprintf("loss threshold tightened to %.0f", next))
	}
}

// forceExitAll routes an exit for every strategy through the normal pipeline.
func (e *Engine) forceExitAll(ctx context.Context) {
	for _, strategy := range e.guard.Strategies() {
		if err := e.router.ExitStrategy(ctx, strategy); err != nil {
			log.Printf("risk: forced exit of %s failed: %v", strategy, err)
		}
	}
}

func trackKey(p broker.NetPosition) string {
	return p.Exchange + "|" + p.Symbol + "|" + p.Product
}

// openCount counts rows still carrying quantity. Day books keep closed rows
// with realized PnL, so an empty slice is not the only flat shape.
func openCount(positions []broker.NetPosition) int {
	n := 0
	for _, p := range positions {
		if p.NetQty != 0 {
			n++
		}
	}
	return n
}

// verifyFlat polls broker positions until flat or the bounded window closes.
func (e *Engine) verifyFlat(ctx context.Context) bool {
	deadline := e.now().Add(e.cfg.FlatVerifyTimeout)
	for {
		positions, err := e.brk.Positions(ctx)
		if err == nil && openCount(positions) == 0 {
			e.mu.Lock()
			e.verifiedFlat = true
			e.mu.Unlock()
			log.Printf("risk: verified flat")
			return true
		}
		if e.now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.cfg.FlatPollInterval):
		}
	}
}

// escalate is the sanctioned bypass: close every live broker position with a
// direct market order, skipping the command pipeline entirely.
func (e *Engine) escalate(ctx context.Context, reason string) {
	e.mu.Lock()
	e.phase = PhaseEmergency
	e.state.LossHit = true
	e.mu.Unlock()
	e.bus.Publish(events.EventEmergency, reason)
	log.Printf("risk: EMERGENCY liquidation (%s)", reason)

	positions, err := e.brk.Positions(ctx)
	if err != nil {
		log.Printf("risk: emergency liquidation blind: %v", err)
		return
	}
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		req := broker.OrderRequest{
			Exchange:  p.Exchange,
			Symbol:    p.Symbol,
			Side:      p.Side().Opposite(),
			Qty:       p.AbsQty(),
			Product:   p.Product,
			PriceMode: broker.PriceMarket,
			Tag:       "emergency",
		}
		if _, err := e.brk.PlaceOrder(ctx, req); err != nil {
			log.Printf("risk: emergency close of %s failed: %v", p.Symbol, err)
		}
	}
	e.mu.Lock()
	e.verifiedFlat = true
	e.mu.Unlock()
}

// rollover resets day state when the trading date changes, carrying streaks
// and cooldowns across the boundary.
func (e *Engine) rollover() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	today := now.Format("2006-01-02")
	if e.state.Date == today {
		return
	}

	prev := e.state
	next := e.freshState(now)
	next.ConsecutiveLossDays = prev.ConsecutiveLossDays
	next.CooldownUntil = prev.CooldownUntil
	e.state = next
	e.phase = PhaseSafe
	e.verifiedFlat = false
	e.realized = 0
	e.lastPnL = make(map[string]float64)

	if prev.DayPnL < 0 {
		e.closeLossDayLocked(prev.DayPnL)
	} else if prev.Date != "" {
		e.state.ConsecutiveLossDays = 0
	}
	log.Printf("risk: day rollover %s -> %s (streak=%d cooldown=%q)",
		prev.Date, today, e.state.ConsecutiveLossDays, e.state.CooldownUntil)
}

// closeLossDayLocked books one losing day and activates the cooldown once
// the streak is long enough. Caller holds mu.
func (e *Engine) closeLossDayLocked(dayPnL float64) {
	e.state.ConsecutiveLossDays++
	log.Printf("risk: losing day booked (pnl=%.0f, streak=%d)", dayPnL, e.state.ConsecutiveLossDays)
	if e.cfg.MaxLossDays > 0 && e.state.ConsecutiveLossDays >= e.cfg.MaxLossDays {
		until := endOfNextTradingWeek(e.now())
		e.state.CooldownUntil = until
		e.bus.Publish(events.EventRiskAlert, fmt.Sprintf("cooldown active until %s", until))
	}
}

// endOfNextTradingWeek returns the Monday after next week, formatted as a
// date: the cooldown covers the rest of this week and all of the next.
func endOfNextTradingWeek(now time.Time) string {
	daysUntilMonday := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if daysUntilMonday == 0 {
		daysUntilMonday = 7
	}
	return now.AddDate(0, 0, daysUntilMonday+7).Format("2006-01-02")
}

func (e *Engine) persist(ctx context.Context) error {
	e.mu.Lock()
	snapshot := e.state
	e.mu.Unlock()
	return e.store.SaveRiskState(ctx, snapshot)
}
