// Package storage persists orders and position snapshots for audit and
// warm starts. The engine treats every write as best-effort: failures
// are logged by the caller and never block a trading decision.
package storage

import (
	"context"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// TradeStore is the persistence sink consumed by the order engine.
// Implementations must be safe for concurrent use.
type TradeStore interface {
	// InsertOrder records a freshly created order.
	InsertOrder(ctx context.Context, scope string, paper bool, o domain.Order) error

	// UpdateOrder overwrites the mutable fields of an existing order.
	UpdateOrder(ctx context.Context, o domain.Order) error

	// UpsertPositions writes the current ledger snapshot, keyed by
	// (scope, symbol, paper).
	UpsertPositions(ctx context.Context, scope string, paper bool, positions []domain.Position) error

	// ListPositions loads the stored snapshot for one scope, used to
	// warm-start the ledger.
	ListPositions(ctx context.Context, scope string, paper bool) ([]domain.Position, error)

	// ListOrders returns the most recent orders for a scope, newest
	// first.
	ListOrders(ctx context.Context, scope string, limit int) ([]domain.Order, error)

	Close() error
}
