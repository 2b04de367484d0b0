// Package gateway is the single write path toward the broker. Every inbound
// command is authenticated, validated, persisted, gated by risk, admitted by
// the position guard, and only then sent. Nothing else in the process places
// entry or adjust orders.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"tradegate/internal/broker"
	"tradegate/internal/events"
	"tradegate/internal/guard"
	"tradegate/pkg/db"
)

// Status classifies the outcome of a command for the transport layer.
type Status string

const (
	StatusAccepted     Status = "accepted"
	StatusUnauthorized Status = "unauthorized"
	StatusInvalid      Status = "invalid"
	StatusBlocked      Status = "blocked"  // guard or risk refused
	StatusDegraded     Status = "degraded" // broker session unavailable
	StatusFailed       Status = "failed"   // broker rejected one or more legs
)

// Command is one parsed inbound instruction.
type Command struct {
	Secret   string                `json:"secret"`
	Strategy string                `json:"strategy"`
	Kind     broker.Kind           `json:"kind"`
	Tag      string                `json:"tag"`
	Legs     []broker.OrderRequest `json:"legs"`
}

// Result is what the transport layer turns into an HTTP response.
type Result struct {
	Status   Status   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	OrderIDs []string `json:"order_ids,omitempty"`
}

// RiskGate decides whether a command may execute at all. Exits are expected
// to pass even when entries are halted.
type RiskGate interface {
	CanExecute(kind broker.Kind, strategy string, legs []broker.OrderRequest) error
}

// Sender is the broker surface the gateway needs.
type Sender interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
	Positions(ctx context.Context) ([]broker.NetPosition, error)
}

// Gateway wires the admission pipeline together.
type Gateway struct {
	secret string
	guard  *guard.Guard
	risk   RiskGate
	sender Sender
	store  *db.Database
	bus    *events.Bus
}

func New(secret string, g *guard.Guard, risk RiskGate, sender Sender, store *db.Database, bus *events.Bus) *Gateway {
	return &Gateway{secret: secret, guard: g, risk: risk, sender: sender, store: store, bus: bus}
}

func (gw *Gateway) authorized(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(gw.secret)) == 1
}

// Submit runs an ENTRY or ADJUST command through the full pipeline.
func (gw *Gateway) Submit(ctx context.Context, cmd Command) Result {
	if !gw.authorized(cmd.Secret) {
		return Result{Status: StatusUnauthorized, Reason: "bad webhook secret"}
	}
	if cmd.Kind == broker.KindExit {
		return gw.exit(ctx, cmd.Strategy, cmd.Tag)
	}
	if cmd.Kind != broker.KindEntry && cmd.Kind != broker.KindAdjust {
		return Result{Status: StatusInvalid, Reason: fmt.Sprintf("unknown kind %q", cmd.Kind)}
	}
	if cmd.Strategy == "" {
		return Result{Status: StatusInvalid, Reason: "missing strategy"}
	}

	if err := gw.risk.CanExecute(cmd.Kind, cmd.Strategy, cmd.Legs); err != nil {
		log.Printf("gateway: risk refused %s for %s: %v", cmd.Kind, cmd.Strategy, err)
		return Result{Status: StatusBlocked, Reason: err.Error()}
	}

	var (
		admitted []broker.OrderRequest
		err      error
	)
	switch cmd.Kind {
	case broker.KindEntry:
		admitted, err = gw.guard.AdmitEntry(cmd.Strategy, cmd.Legs)
	case broker.KindAdjust:
		admitted, err = gw.guard.AdmitAdjust(cmd.Strategy, cmd.Legs)
	}
	if err != nil {
		if errors.Is(err, guard.ErrInvalidIntent) {
			return Result{Status: StatusInvalid, Reason: err.Error()}
		}
		log.Printf("gateway: guard refused %s for %s: %v", cmd.Kind, cmd.Strategy, err)
		return Result{Status: StatusBlocked, Reason: err.Error()}
	}
	if len(admitted) == 0 {
		// Position already at target, nothing to send.
		return Result{Status: StatusAccepted, Reason: "already at target"}
	}

	return gw.send(ctx, cmd.Strategy, cmd.Kind, cmd.Tag, admitted)
}

// Register runs an EXIT command. Quantity and direction in the payload are
// ignored: the guard emits symbolic exits and the broker book decides sides.
func (gw *Gateway) Register(ctx context.Context, cmd Command) Result {
	if !gw.authorized(cmd.Secret) {
		return Result{Status: StatusUnauthorized, Reason: "bad webhook secret"}
	}
	if cmd.Kind != broker.KindExit {
		return Result{Status: StatusInvalid, Reason: fmt.Sprintf("expected EXIT, got %q", cmd.Kind)}
	}
	if cmd.Strategy == "" {
		return Result{Status: StatusInvalid, Reason: "missing strategy"}
	}
	return gw.exit(ctx, cmd.Strategy, cmd.Tag)
}

// ExitStrategy closes everything a strategy holds. It skips authentication
// and the risk gate so risk enforcement itself can call it.
func (gw *Gateway) ExitStrategy(ctx context.Context, strategy string) Result {
	return gw.exit(ctx, strategy, "risk-exit")
}

func (gw *Gateway) exit(ctx context.Context, strategy, tag string) Result {
	symbolic, err := gw.guard.AdmitExit(strategy)
	if err != nil {
		if errors.Is(err, guard.ErrNoPosition) {
			return Result{Status: StatusBlocked, Reason: err.Error()}
		}
		return Result{Status: StatusInvalid, Reason: err.Error()}
	}

	// Resolve symbolic legs against the live book. A leg the broker no
	// longer holds has nothing to close.
	live, err := gw.sender.Positions(ctx)
	if err != nil {
		log.Printf("gateway: cannot resolve exits for %s, broker blind: %v", strategy, err)
		return Result{Status: StatusDegraded, Reason: "broker unavailable"}
	}
	bySymbol := make(map[string]broker.NetPosition, len(live))
	for _, p := range live {
		if p.NetQty != 0 {
			bySymbol[p.Symbol] = p
		}
	}

	resolved := make([]broker.OrderRequest, 0, len(symbolic))
	for _, leg := range symbolic {
		pos, held := bySymbol[leg.Symbol]
		if !held {
			log.Printf("gateway: %s/%s already flat at broker, clearing", strategy, leg.Symbol)
			gw.guard.ClearSymbol(strategy, leg.Symbol)
			continue
		}
		leg.Side = pos.Side().Opposite()
		leg.Qty = pos.AbsQty()
		resolved = append(resolved, leg)
	}
	if len(resolved) == 0 {
		return Result{Status: StatusAccepted, Reason: "already flat"}
	}

	return gw.send(ctx, strategy, broker.KindExit, tag, resolved)
}

// SubmitAdjust is the trusted in-process path for fill-driven follow-ups.
// It runs the same risk and guard pipeline as Submit but needs no secret.
func (gw *Gateway) SubmitAdjust(ctx context.Context, strategy string, legs []broker.OrderRequest) error {
	if err := gw.risk.CanExecute(broker.KindAdjust, strategy, legs); err != nil {
		return fmt.Errorf("risk refused follow-up: %w", err)
	}
	admitted, err := gw.guard.AdmitAdjust(strategy, legs)
	if err != nil {
		return fmt.Errorf("guard refused follow-up: %w", err)
	}
	if len(admitted) == 0 {
		return nil
	}
	res := gw.send(ctx, strategy, broker.KindAdjust, "on-fill", admitted)
	if res.Status != StatusAccepted {
		return fmt.Errorf("follow-up %s: %s", res.Status, res.Reason)
	}
	return nil
}

// Resubmit pushes a persisted order that never reached the broker (CREATED,
// no broker id) back through the send path. Guard state is not re-recorded:
// after a crash the guard rebuilds itself from broker truth on the first
// reconciliation pass, so re-admitting here would double-count.
func (gw *Gateway) Resubmit(ctx context.Context, o db.Order) error {
	leg := broker.OrderRequest{
		Exchange:  o.Exchange,
		Symbol:    o.Symbol,
		Side:      broker.Side(o.Side),
		Qty:       o.Qty,
		Product:   o.Product,
		PriceMode: broker.PriceMode(o.PriceMode),
		Price:     o.Price,
		StopLoss:  o.StopLoss,
		Target:    o.Target,
		Trailing:  o.Trailing,
		Tag:       o.ID,
	}
	if err := gw.risk.CanExecute(broker.Kind(o.Kind), o.Strategy, []broker.OrderRequest{leg}); err != nil {
		if _, terr := gw.store.MarkTerminal(ctx, o.ID, db.StatusFailed); terr != nil {
			log.Printf("gateway: mark failed %s: %v", o.ID, terr)
		}
		return fmt.Errorf("risk refused resubmission of %s: %w", o.ID, err)
	}

	brokerID, err := gw.sender.PlaceOrder(ctx, leg)
	if err != nil {
		if _, terr := gw.store.MarkTerminal(ctx, o.ID, db.StatusFailed); terr != nil {
			log.Printf("gateway: mark failed %s: %v", o.ID, terr)
		}
		gw.bus.Publish(events.EventOrderFailed, o)
		return fmt.Errorf("resubmit %s: %w", o.ID, err)
	}
	if err := gw.store.MarkSent(ctx, o.ID, brokerID); err != nil {
		return fmt.Errorf("resubmit %s: mark sent: %w", o.ID, err)
	}
	o.BrokerOrderID = brokerID
	o.Status = db.StatusSent
	gw.bus.Publish(events.EventOrderSent, o)
	log.Printf("gateway: resubmitted %s as %s", o.ID, brokerID)
	return nil
}

// send persists each leg, places it, and records the outcome. A leg that the
// broker rejects is rolled back in the guard so the strategy's view stays
// truthful; the remaining legs still go out.
func (gw *Gateway) send(ctx context.Context, strategy string, kind broker.Kind, tag string, legs []broker.OrderRequest) Result {
	var (
		ids      []string
		failures []string
		degraded bool
	)

	for _, leg := range legs {
		id := uuid.NewString()
		row := db.Order{
			ID:        id,
			Kind:      string(kind),
			Strategy:  strategy,
			Exchange:  leg.Exchange,
			Symbol:    leg.Symbol,
			Side:      string(leg.Side),
			Qty:       leg.Qty,
			Product:   leg.Product,
			PriceMode: string(leg.PriceMode),
			Price:     leg.Price,
			StopLoss:  leg.StopLoss,
			Target:    leg.Target,
			Trailing:  leg.Trailing,
			Tag:       tag,
		}
		if err := gw.store.CreateOrder(ctx, row); err != nil {
			// Persistence is the record of truth; do not send what we
			// cannot track.
			log.Printf("gateway: persist %s failed: %v", id, err)
			gw.rollback(strategy, kind, leg.Symbol)
			failures = append(failures, fmt.Sprintf("%s: persist: %v", leg.Symbol, err))
			continue
		}
		gw.bus.Publish(events.EventOrderCreated, row)

		leg.Tag = id
		brokerID, err := gw.sender.PlaceOrder(ctx, leg)
		if err != nil {
			if _, terr := gw.store.MarkTerminal(ctx, id, db.StatusFailed); terr != nil {
				log.Printf("gateway: mark failed %s: %v", id, terr)
			}
			gw.rollback(strategy, kind, leg.Symbol)
			gw.bus.Publish(events.EventOrderFailed, row)
			if broker.IsSessionError(err) {
				degraded = true
			}
			log.Printf("gateway: place %s %s %s x%d failed: %v", kind, leg.Side, leg.Symbol, leg.Qty, err)
			failures = append(failures, fmt.Sprintf("%s: %v", leg.Symbol, err))
			continue
		}

		if err := gw.store.MarkSent(ctx, id, brokerID); err != nil {
			log.Printf("gateway: mark sent %s: %v", id, err)
		}
		row.BrokerOrderID = brokerID
		row.Status = db.StatusSent
		gw.bus.Publish(events.EventOrderSent, row)
		log.Printf("gateway: sent %s %s %s x%d as %s", kind, leg.Side, leg.Symbol, leg.Qty, brokerID)
		ids = append(ids, id)
	}

	switch {
	case degraded && len(ids) == 0:
		return Result{Status: StatusDegraded, Reason: strings.Join(failures, "; "), OrderIDs: ids}
	case len(failures) > 0:
		return Result{Status: StatusFailed, Reason: strings.Join(failures, "; "), OrderIDs: ids}
	default:
		return Result{Status: StatusAccepted, OrderIDs: ids}
	}
}

// rollback undoes the guard record for a leg that never reached the broker.
// Exits never recorded anything, so there is nothing to undo.
func (gw *Gateway) rollback(strategy string, kind broker.Kind, symbol string) {
	if kind == broker.KindExit {
		return
	}
	gw.guard.ClearSymbol(strategy, symbol)
}
