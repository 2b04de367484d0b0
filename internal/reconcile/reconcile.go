// Package reconcile drives persisted order records to their terminal states
// by polling the broker's order book, and converges the position guard to
// broker truth after confirmed fills. It is the only writer of terminal
// order statuses.
package reconcile

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/broker"
	"tradegate/internal/events"
	"tradegate/internal/guard"
	"tradegate/pkg/db"
)

// Broker is the slice of the broker surface the loop needs. Both calls are
// Tier-1: an error here means blindness, never emptiness.
type Broker interface {
	OrderBook(ctx context.Context) ([]broker.BrokerOrder, error)
	Positions(ctx context.Context) ([]broker.NetPosition, error)
}

// Submitter re-enters the command pipeline for fill follow-ups and for
// crash-recovery resubmission of orders that never reached the broker.
type Submitter interface {
	SubmitAdjust(ctx context.Context, strategy string, legs []broker.OrderRequest) error
	Resubmit(ctx context.Context, o db.Order) error
}

// Fill describes one confirmed broker execution.
type Fill struct {
	Strategy string
	Symbol   string
	Side     broker.Side
	Qty      int
	Price    float64
}

// FillHandler reacts to a confirmed fill and may return follow-up intents,
// which are resubmitted through the command pipeline as adjustments.
type FillHandler interface {
	OnFill(ctx context.Context, f Fill) []broker.OrderRequest
}

// Config tunes the loop.
type Config struct {
	PollInterval time.Duration
	QueueSize    int
	Workers      int
}

func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, QueueSize: 64, Workers: 2}
}

// Reconciler owns the polling loop and the fill worker pool.
type Reconciler struct {
	cfg     Config
	store   *db.Database
	brk     Broker
	guard   *guard.Guard
	bus     *events.Bus
	sub     Submitter
	handler FillHandler

	fills      chan Fill
	lastPassNs atomic.Int64
	wg         sync.WaitGroup
}

func New(cfg Config, store *db.Database, brk Broker, g *guard.Guard, bus *events.Bus, sub Submitter, handler FillHandler) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		brk:     brk,
		guard:   g,
		bus:     bus,
		sub:     sub,
		handler: handler,
		fills:   make(chan Fill, cfg.QueueSize),
	}
}

// Alive reports whether a reconciliation pass completed within maxAge. The
// risk engine treats a dead loop as grounds for emergency liquidation.
func (r *Reconciler) Alive(maxAge time.Duration) bool {
	last := r.lastPassNs.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= maxAge
}

// RecoverStuck resubmits order records stranded in CREATED with no broker id.
// Run once at startup, before the polling loop; in steady state the send
// path either marks a row SENT or FAILED, so stuck rows only appear after a
// crash between persist and place.
func (r *Reconciler) RecoverStuck(ctx context.Context) error {
	stuck, err := r.store.ListStuckOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range stuck {
		log.Printf("reconcile: recovering stuck order %s (%s %s %s x%d)", o.ID, o.Kind, o.Side, o.Symbol, o.Qty)
		if err := r.sub.Resubmit(ctx, o); err != nil {
			log.Printf("reconcile: recovery of %s failed: %v", o.ID, err)
		}
	}
	return nil
}

// Run starts the fill workers and polls until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.fillWorker(ctx)
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			if err := r.Pass(ctx); err != nil {
				log.Printf("reconcile: pass failed: %v", err)
			}
		}
	}
}

// Pass runs one reconciliation cycle. The liveness stamp advances only on a
// pass that saw broker truth end to end.
func (r *Reconciler) Pass(ctx context.Context) error {
	book, err := r.brk.OrderBook(ctx)
	if err != nil {
		return err
	}
	byBrokerID := make(map[string]broker.BrokerOrder, len(book))
	for _, bo := range book {
		byBrokerID[bo.OrderID] = bo
	}

	sent, err := r.store.ListSentOrders(ctx)
	if err != nil {
		return err
	}

	// Strategies that saw a confirmed completion this cycle. Guard state is
	// only reconciled from the position book after a completed fill, never
	// speculatively.
	completed := make(map[string]bool)

	for _, o := range sent {
		bo, ok := byBrokerID[o.BrokerOrderID]
		if !ok || !bo.State.Terminal() {
			continue
		}

		switch bo.State {
		case broker.StateComplete:
			changed, err := r.store.MarkTerminal(ctx, o.ID, db.StatusExecuted)
			if err != nil {
				log.Printf("reconcile: mark executed %s: %v", o.ID, err)
				continue
			}
			if !changed {
				continue
			}
			completed[o.Strategy] = true
			o.Status = db.StatusExecuted
			r.bus.Publish(events.EventOrderExecuted, o)
			log.Printf("reconcile: %s executed (%s %s x%d @ %.2f)", o.ID, o.Side, o.Symbol, bo.FilledQty, bo.AvgPrice)

			fill := Fill{
				Strategy: o.Strategy,
				Symbol:   o.Symbol,
				Side:     broker.Side(o.Side),
				Qty:      bo.FilledQty,
				Price:    bo.AvgPrice,
			}
			if fill.Qty == 0 {
				fill.Qty = o.Qty
			}
			r.bus.Publish(events.EventFill, fill)
			select {
			case r.fills <- fill:
			case <-ctx.Done():
				return ctx.Err()
			}

		default: // rejected, cancelled, expired
			changed, err := r.store.MarkTerminal(ctx, o.ID, db.StatusFailed)
			if err != nil {
				log.Printf("reconcile: mark failed %s: %v", o.ID, err)
				continue
			}
			if !changed {
				continue
			}
			r.guard.ClearSymbol(o.Strategy, o.Symbol)
			o.Status = db.StatusFailed
			r.bus.Publish(events.EventOrderFailed, o)
			log.Printf("reconcile: %s failed at broker (%s): %s", o.ID, bo.State, bo.Message)
		}
	}

	if len(completed) > 0 {
		positions, err := r.brk.Positions(ctx)
		if err != nil {
			return err
		}
		for strategy := range completed {
			if flat := r.guard.Reconcile(strategy, positions); flat {
				log.Printf("reconcile: strategy %s is flat", strategy)
				r.bus.Publish(events.EventStrategyFlat, strategy)
			}
		}
	}

	r.lastPassNs.Store(time.Now().UnixNano())
	return nil
}

func (r *Reconciler) fillWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.fills:
			r.handleFill(ctx, f)
		}
	}
}

func (r *Reconciler) handleFill(ctx context.Context, f Fill) {
	if r.handler == nil {
		return
	}
	followups := r.handler.OnFill(ctx, f)
	if len(followups) == 0 {
		return
	}
	if err := r.sub.SubmitAdjust(ctx, f.Strategy, followups); err != nil {
		log.Printf("reconcile: follow-up for %s/%s rejected: %v", f.Strategy, f.Symbol, err)
	}
}
