package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tradegate/pkg/cache"
)

// Config tunes session lifecycle and retry behavior.
type Config struct {
	LoginMaxAttempts int
	LoginBackoff     time.Duration
	SessionTTL       time.Duration
	IdleStaleness    time.Duration
	PlaceMaxAttempts int
	PlaceBackoff     time.Duration
	RatePerSec       int
	QuoteTTL         time.Duration
	AutoRecover      bool
}

// DefaultConfig returns conservative gateway settings.
func DefaultConfig() Config {
	return Config{
		LoginMaxAttempts: 3,
		LoginBackoff:     2 * time.Second,
		SessionTTL:       15 * time.Minute,
		IdleStaleness:    5 * time.Minute,
		PlaceMaxAttempts: 3,
		PlaceBackoff:     time.Second,
		RatePerSec:       8,
		QuoteTTL:         2 * time.Second,
		AutoRecover:      true,
	}
}

// Gateway is the sole network boundary to the brokerage. It owns session
// lifecycle and rate limiting, and enforces the tier contract: Tier-1 calls
// (positions, order book, limits, place/modify/cancel) fail hard whenever the
// session is invalid or the response does not normalize; Tier-2 calls
// (holdings, quotes, search) may degrade to a zero value when auto-recovery
// is disabled.
type Gateway struct {
	client  Client
	cfg     Config
	limiter *rate.Limiter
	quotes  *cache.Sharded[Quote]

	// netMu serializes calls into the wire client. Session-state reads stay
	// lock-free (atomics below) so a freshness check never blocks on a wire
	// call already in flight.
	netMu sync.Mutex

	loggedIn        atomic.Bool
	lastLoginNs     atomic.Int64
	lastValidatedNs atomic.Int64
	lastActivityNs  atomic.Int64
	loginAttempts   atomic.Int32
}

// NewGateway wraps a wire client.
func NewGateway(client Client, cfg Config) *Gateway {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultConfig().RatePerSec
	}
	if cfg.LoginMaxAttempts <= 0 {
		cfg.LoginMaxAttempts = DefaultConfig().LoginMaxAttempts
	}
	if cfg.PlaceMaxAttempts <= 0 {
		cfg.PlaceMaxAttempts = DefaultConfig().PlaceMaxAttempts
	}
	if cfg.LoginBackoff <= 0 {
		cfg.LoginBackoff = DefaultConfig().LoginBackoff
	}
	if cfg.PlaceBackoff <= 0 {
		cfg.PlaceBackoff = DefaultConfig().PlaceBackoff
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultConfig().QuoteTTL
	}
	return &Gateway{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		quotes:  cache.New[Quote](),
	}
}

// SessionInfo is a read-only snapshot of session state for diagnostics.
type SessionInfo struct {
	LoggedIn      bool      `json:"logged_in"`
	LastLogin     time.Time `json:"last_login"`
	LastValidated time.Time `json:"last_validated"`
	LastActivity  time.Time `json:"last_activity"`
	LoginAttempts int       `json:"login_attempts"`
}

// Session returns a snapshot of current session state.
func (g *Gateway) Session() SessionInfo {
	return SessionInfo{
		LoggedIn:      g.loggedIn.Load(),
		LastLogin:     time.Unix(0, g.lastLoginNs.Load()),
		LastValidated: time.Unix(0, g.lastValidatedNs.Load()),
		LastActivity:  time.Unix(0, g.lastActivityNs.Load()),
		LoginAttempts: int(g.loginAttempts.Load()),
	}
}

// sessionFresh checks freshness without taking any lock. Either time-based
// expiry or idle staleness independently forces re-validation.
func (g *Gateway) sessionFresh(now time.Time) bool {
	if !g.loggedIn.Load() {
		return false
	}
	if now.Sub(time.Unix(0, g.lastValidatedNs.Load())) > g.cfg.SessionTTL {
		return false
	}
	if now.Sub(time.Unix(0, g.lastActivityNs.Load())) > g.cfg.IdleStaleness {
		return false
	}
	return true
}

// EnsureSession makes sure a valid session exists, logging in if needed.
func (g *Gateway) EnsureSession(ctx context.Context) error {
	if g.sessionFresh(time.Now()) {
		return nil
	}

	g.netMu.Lock()
	defer g.netMu.Unlock()

	// Another caller may have revalidated while we waited on the lock.
	if g.sessionFresh(time.Now()) {
		return nil
	}

	if g.loggedIn.Load() {
		if err := g.client.Validate(ctx); err == nil {
			now := time.Now().UnixNano()
			g.lastValidatedNs.Store(now)
			g.lastActivityNs.Store(now)
			return nil
		}
		log.Printf("broker: session validation failed, re-login required")
		g.loggedIn.Store(false)
	}

	return g.loginLocked(ctx)
}

// loginLocked performs login with bounded retries and exponential backoff.
// Caller holds netMu.
func (g *Gateway) loginLocked(ctx context.Context) error {
	var err error
	delay := g.cfg.LoginBackoff
	for attempt := 1; attempt <= g.cfg.LoginMaxAttempts; attempt++ {
		g.loginAttempts.Add(1)
		if err = g.client.Login(ctx); err == nil {
			now := time.Now().UnixNano()
			g.loggedIn.Store(true)
			g.lastLoginNs.Store(now)
			g.lastValidatedNs.Store(now)
			g.lastActivityNs.Store(now)
			log.Printf("broker: login succeeded (attempt %d)", attempt)
			return nil
		}
		log.Printf("broker: login attempt %d/%d failed: %v", attempt, g.cfg.LoginMaxAttempts, err)
		if attempt < g.cfg.LoginMaxAttempts {
			select {
			case <-ctx.Done():
				return &SessionError{Op: "login", Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	g.loggedIn.Store(false)
	return &SessionError{Op: "login", Err: fmt.Errorf("%w: %v", ErrNotLoggedIn, err)}
}

// call throttles, serializes, and executes one wire call, recording activity.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	// The limiter sleeps the calling thread just enough to stay under the
	// ceiling; it must run before the network lock so a throttled caller
	// does not hold up everyone else.
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, &SessionError{Op: op, Err: err}
	}

	g.netMu.Lock()
	payload, err := fn(ctx)
	g.netMu.Unlock()

	g.lastActivityNs.Store(time.Now().UnixNano())
	if err != nil {
		return nil, &SessionError{Op: op, Err: err}
	}
	return payload, nil
}

// tier1 runs a capital-affecting call: session must validate and the payload
// must normalize, otherwise the error propagates.
func (g *Gateway) tier1(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	if err := g.EnsureSession(ctx); err != nil {
		return nil, err
	}
	return g.call(ctx, op, fn)
}

// tier2 runs an informational call. When auto-recovery is enabled it behaves
// exactly like tier1; otherwise session failures degrade to (nil, nil).
func (g *Gateway) tier2(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, bool, error) {
	payload, err := g.tier1(ctx, op, fn)
	if err != nil {
		if g.cfg.AutoRecover {
			return nil, false, err
		}
		log.Printf("broker: %s degraded to empty (auto-recover off): %v", op, err)
		return nil, true, nil
	}
	return payload, false, nil
}

// Positions returns the broker's live net position book. Tier-1.
func (g *Gateway) Positions(ctx context.Context) ([]NetPosition, error) {
	payload, err := g.tier1(ctx, "positions", g.client.Positions)
	if err != nil {
		return nil, err
	}
	rows, tag := normalizeRows(payload)
	switch tag {
	case payloadBad:
		return nil, &SessionError{Op: "positions", Err: ErrBadPayload}
	case payloadEmpty:
		return []NetPosition{}, nil
	}
	return parsePositions(rows), nil
}

// OrderBook returns the broker's current order book. Tier-1.
func (g *Gateway) OrderBook(ctx context.Context) ([]BrokerOrder, error) {
	payload, err := g.tier1(ctx, "orders", g.client.Orders)
	if err != nil {
		return nil, err
	}
	rows, tag := normalizeRows(payload)
	switch tag {
	case payloadBad:
		return nil, &SessionError{Op: "orders", Err: ErrBadPayload}
	case payloadEmpty:
		return []BrokerOrder{}, nil
	}
	return parseOrders(rows), nil
}

// AccountLimits returns margin figures. Tier-1.
func (g *Gateway) AccountLimits(ctx context.Context) (Limits, error) {
	payload, err := g.tier1(ctx, "limits", g.client.Limits)
	if err != nil {
		return Limits{}, err
	}
	row, tag := normalizeObject(payload)
	if tag != payloadRows {
		return Limits{}, &SessionError{Op: "limits", Err: ErrBadPayload}
	}
	return parseLimits(row), nil
}

// PlaceOrder sends one order with bounded retries, re-validating the session
// between attempts. Tier-1. Returns the broker-assigned order id.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var lastErr error
	delay := g.cfg.PlaceBackoff
	for attempt := 1; attempt <= g.cfg.PlaceMaxAttempts; attempt++ {
		if err := g.EnsureSession(ctx); err != nil {
			return "", err
		}

		payload, err := g.call(ctx, "place", func(ctx context.Context) (any, error) {
			return g.client.Place(ctx, req)
		})
		if err == nil {
			row, tag := normalizeObject(payload)
			if tag != payloadRows {
				return "", &SessionError{Op: "place", Err: ErrBadPayload}
			}
			id := fieldStr(row, "order_id", "orderid", "id")
			if id == "" {
				return "", &SessionError{Op: "place", Err: ErrBadPayload}
			}
			return id, nil
		}
		lastErr = err
		log.Printf("broker: place %s %s qty=%d attempt %d/%d failed: %v",
			req.Symbol, req.Side, req.Qty, attempt, g.cfg.PlaceMaxAttempts, err)

		if attempt < g.cfg.PlaceMaxAttempts {
			select {
			case <-ctx.Done():
				return "", &SessionError{Op: "place", Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
			// Force a validating pass before the next attempt.
			g.lastValidatedNs.Store(0)
		}
	}
	return "", lastErr
}

// ModifyOrder amends a resting order. Tier-1.
func (g *Gateway) ModifyOrder(ctx context.Context, brokerOrderID string, req OrderRequest) error {
	_, err := g.tier1(ctx, "modify", func(ctx context.Context) (any, error) {
		return g.client.Modify(ctx, brokerOrderID, req)
	})
	return err
}

// CancelOrder cancels a resting order. Tier-1.
func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := g.tier1(ctx, "cancel", func(ctx context.Context) (any, error) {
		return g.client.Cancel(ctx, brokerOrderID)
	})
	return err
}

// Holdings returns long-term holdings. Tier-2.
func (g *Gateway) Holdings(ctx context.Context) ([]Holding, error) {
	payload, degraded, err := g.tier2(ctx, "holdings", g.client.Holdings)
	if err != nil {
		return nil, err
	}
	if degraded {
		return nil, nil
	}
	rows, tag := normalizeRows(payload)
	switch tag {
	case payloadBad:
		if g.cfg.AutoRecover {
			return nil, &SessionError{Op: "holdings", Err: ErrBadPayload}
		}
		return nil, nil
	case payloadEmpty:
		return []Holding{}, nil
	}
	return parseHoldings(rows), nil
}

// QuoteFor returns a snapshot quote. Tier-2. Recent quotes are served from
// the cache so UI polling does not burn the broker rate budget.
func (g *Gateway) QuoteFor(ctx context.Context, exchange, symbol string) (*Quote, error) {
	if cached, ok := g.quotes.GetFresh(exchange+":"+symbol, g.cfg.QuoteTTL); ok {
		return &cached, nil
	}
	payload, degraded, err := g.tier2(ctx, "quote", func(ctx context.Context) (any, error) {
		return g.client.Quote(ctx, exchange, symbol)
	})
	if err != nil {
		return nil, err
	}
	if degraded {
		return nil, nil
	}
	row, tag := normalizeObject(payload)
	if tag != payloadRows {
		if g.cfg.AutoRecover {
			return nil, &SessionError{Op: "quote", Err: ErrBadPayload}
		}
		return nil, nil
	}
	q := parseQuote(row)
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	g.quotes.Set(exchange+":"+symbol, q)
	return &q, nil
}

// SearchSymbols looks up tradeable symbols. Tier-2.
func (g *Gateway) SearchSymbols(ctx context.Context, exchange, query string) ([]SymbolMatch, error) {
	payload, degraded, err := g.tier2(ctx, "search", func(ctx context.Context) (any, error) {
		return g.client.Search(ctx, exchange, query)
	})
	if err != nil {
		return nil, err
	}
	if degraded {
		return nil, nil
	}
	rows, tag := normalizeRows(payload)
	switch tag {
	case payloadBad:
		if g.cfg.AutoRecover {
			return nil, &SessionError{Op: "search", Err: ErrBadPayload}
		}
		return nil, nil
	case payloadEmpty:
		return []SymbolMatch{}, nil
	}
	return parseMatches(rows), nil
}
