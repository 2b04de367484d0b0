// Package db persists the order lifecycle and daily risk state. The orders
// table is the single writer-of-record for order state transitions.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Order lifecycle statuses. Transitions are monotonic:
// CREATED -> SENT -> EXECUTED | FAILED. Terminal rows are never mutated.
const (
	StatusCreated  = "CREATED"
	StatusSent     = "SENT"
	StatusExecuted = "EXECUTED"
	StatusFailed   = "FAILED"
)

// Terminal reports whether a status will never change again.
func Terminal(status string) bool {
	return status == StatusExecuted || status == StatusFailed
}

var ErrNotFound = errors.New("record not found")

// Order is one persisted broker-bound instruction.
type Order struct {
	ID            string    `json:"id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Kind          string    `json:"kind"`
	Strategy      string    `json:"strategy"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           int       `json:"qty"`
	Product       string    `json:"product"`
	PriceMode     string    `json:"price_mode"`
	Price         float64   `json:"price"`
	StopLoss      float64   `json:"stop_loss"`
	Target        float64   `json:"target"`
	Trailing      float64   `json:"trailing"`
	Status        string    `json:"status"`
	Tag           string    `json:"tag"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const orderColumns = `id, COALESCE(broker_order_id, ''), kind, strategy, exchange, symbol, side,
       qty, COALESCE(product, ''), price_mode, price, stop_loss, target, trailing,
       status, COALESCE(tag, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.BrokerOrderID, &o.Kind, &o.Strategy, &o.Exchange, &o.Symbol, &o.Side,
		&o.Qty, &o.Product, &o.PriceMode, &o.Price, &o.StopLoss, &o.Target, &o.Trailing,
		&o.Status, &o.Tag, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrder inserts a new order record in CREATED status.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	if o.Status == "" {
		o.Status = StatusCreated
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, broker_order_id, kind, strategy, exchange, symbol, side,
		                    qty, product, price_mode, price, stop_loss, target, trailing,
		                    status, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, o.ID, o.BrokerOrderID, o.Kind, o.Strategy, o.Exchange, o.Symbol, o.Side,
		o.Qty, o.Product, o.PriceMode, o.Price, o.StopLoss, o.Target, o.Trailing,
		o.Status, o.Tag)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// MarkSent records broker acceptance. Refuses to touch terminal rows.
func (d *Database) MarkSent(ctx context.Context, id, brokerOrderID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, broker_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN (?, ?)
	`, StatusSent, brokerOrderID, id, StatusExecuted, StatusFailed)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark sent %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTerminal transitions a record to EXECUTED or FAILED. The guarded WHERE
// makes replays no-ops: it reports false when the row was already terminal,
// which is the reconciliation loop's idempotence check.
func (d *Database) MarkTerminal(ctx context.Context, id, status string) (bool, error) {
	if !Terminal(status) {
		return false, fmt.Errorf("mark terminal: %q is not a terminal status", status)
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN (?, ?)
	`, status, id, StatusExecuted, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark terminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetOrder returns one record by command id.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetOrderByBrokerID returns the record matching a broker-assigned order id.
func (d *Database) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_order_id = ?`, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by broker id: %w", err)
	}
	return &o, nil
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOrdersByStrategy returns records for a strategy, optionally filtered by status.
func (d *Database) ListOrdersByStrategy(ctx context.Context, strategy, status string) ([]Order, error) {
	if status == "" {
		return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE strategy = ? ORDER BY created_at DESC`, strategy)
	}
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE strategy = ? AND status = ? ORDER BY created_at DESC`, strategy, status)
}

// ListRecentOrders returns the newest records across all strategies.
func (d *Database) ListRecentOrders(ctx context.Context, limit int) ([]Order, error) {
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
}

// ListStuckOrders returns CREATED records that never received a broker id;
// the startup recovery scan resubmits these.
func (d *Database) ListStuckOrders(ctx context.Context) ([]Order, error) {
	return d.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND COALESCE(broker_order_id, '') = ''
		ORDER BY created_at ASC
	`, StatusCreated)
}

// ListSentOrders returns records awaiting a terminal broker state.
func (d *Database) ListSentOrders(ctx context.Context) ([]Order, error) {
	return d.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ?
		ORDER BY created_at ASC
	`, StatusSent)
}
