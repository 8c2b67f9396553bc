package domain

import "context"

// Credentials authenticate the engine against one venue.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Exchange is the venue adapter consumed by the engine. Every call is
// fallible and network-latent; nothing here is assumed synchronous-fast.
type Exchange interface {
	// Connect establishes the session and verifies the credentials.
	Connect(ctx context.Context, creds Credentials) error

	// GetTicker fetches the current price snapshot for a symbol.
	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// GetBalances fetches all account balances.
	GetBalances(ctx context.Context) ([]Balance, error)

	// GetOpenOrders lists orders still working on the venue.
	GetOpenOrders(ctx context.Context) ([]Order, error)

	// GetOrder fetches the venue's view of one order.
	GetOrder(ctx context.Context, id, symbol string) (Order, error)

	// PlaceOrder submits a new order and returns the venue's record of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)

	// CancelOrder cancels a working order by ID.
	CancelOrder(ctx context.Context, id, symbol string) error
}
