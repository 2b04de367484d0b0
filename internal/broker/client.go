package broker

import "context"

// Client is the raw wire client for one brokerage account. Implementations
// return decoded JSON payloads as-is; the Gateway owns normalization so that
// response-shape quirks never leak past this package.
type Client interface {
	Login(ctx context.Context) error
	// Validate probes the session cheaply; an error means the session is gone.
	Validate(ctx context.Context) error

	Positions(ctx context.Context) (any, error)
	Orders(ctx context.Context) (any, error)
	Limits(ctx context.Context) (any, error)

	Place(ctx context.Context, req OrderRequest) (any, error)
	Modify(ctx context.Context, brokerOrderID string, req OrderRequest) (any, error)
	Cancel(ctx context.Context, brokerOrderID string) (any, error)

	Holdings(ctx context.Context) (any, error)
	Quote(ctx context.Context, exchange, symbol string) (any, error)
	Search(ctx context.Context, exchange, query string) (any, error)
}
