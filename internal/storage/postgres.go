package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// PostgresStore persists trades to a shared PostgreSQL database, for
// deployments where several engine scopes report into one place.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the trade tables if they
// do not exist yet.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			paper BOOLEAN NOT NULL,
			client_order_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			price NUMERIC NOT NULL,
			avg_fill_price NUMERIC NOT NULL,
			quantity NUMERIC NOT NULL,
			filled_qty NUMERIC NOT NULL,
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS orders_scope_created_idx ON orders (scope, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS positions (
			scope TEXT NOT NULL,
			symbol TEXT NOT NULL,
			paper BOOLEAN NOT NULL,
			side TEXT NOT NULL,
			quantity NUMERIC NOT NULL,
			avg_entry_price NUMERIC NOT NULL,
			mark_price NUMERIC NOT NULL,
			leverage NUMERIC NOT NULL,
			margin_mode TEXT NOT NULL,
			liquidation_price NUMERIC,
			unrealized_pnl NUMERIC NOT NULL,
			realized_pnl NUMERIC NOT NULL,
			journal JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, symbol, paper)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// InsertOrder records a freshly created order.
func (s *PostgresStore) InsertOrder(ctx context.Context, scope string, paper bool, o domain.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders
			(id, scope, paper, client_order_id, symbol, side, type, status,
			 price, avg_fill_price, quantity, filled_qty, reduce_only, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, scope, paper, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Status),
		o.Price, o.AvgFillPrice, o.Quantity, o.FilledQty, o.ReduceOnly, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder overwrites the mutable fields of an existing order.
func (s *PostgresStore) UpdateOrder(ctx context.Context, o domain.Order) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $1, avg_fill_price = $2, filled_qty = $3, updated_at = $4
		WHERE id = $5`,
		string(o.Status), o.AvgFillPrice, o.FilledQty, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	return nil
}

// UpsertPositions writes the ledger snapshot keyed by (scope, symbol, paper).
func (s *PostgresStore) UpsertPositions(ctx context.Context, scope string, paper bool, positions []domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range positions {
		p := &positions[i]
		journal, err := json.Marshal(p.Journal)
		if err != nil {
			return fmt.Errorf("failed to marshal journal for %s: %w", p.Symbol, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO positions
				(scope, symbol, paper, side, quantity, avg_entry_price, mark_price,
				 leverage, margin_mode, liquidation_price, unrealized_pnl, realized_pnl, journal, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (scope, symbol, paper) DO UPDATE SET
				side = EXCLUDED.side,
				quantity = EXCLUDED.quantity,
				avg_entry_price = EXCLUDED.avg_entry_price,
				mark_price = EXCLUDED.mark_price,
				leverage = EXCLUDED.leverage,
				margin_mode = EXCLUDED.margin_mode,
				liquidation_price = EXCLUDED.liquidation_price,
				unrealized_pnl = EXCLUDED.unrealized_pnl,
				realized_pnl = EXCLUDED.realized_pnl,
				journal = EXCLUDED.journal,
				updated_at = EXCLUDED.updated_at`,
			scope, p.Symbol, paper, string(p.Side), p.Quantity, p.AvgEntryPrice,
			p.MarkPrice, p.Leverage, string(p.MarginMode), p.LiquidationPrice,
			p.UnrealizedPnL, p.RealizedPnL, journal, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit(ctx)
}

// ListPositions loads the stored snapshot for one scope.
func (s *PostgresStore) ListPositions(ctx context.Context, scope string, paper bool) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, side, quantity, avg_entry_price, mark_price, leverage,
		       margin_mode, liquidation_price, unrealized_pnl, realized_pnl, journal, updated_at
		FROM positions
		WHERE scope = $1 AND paper = $2
		ORDER BY symbol ASC`,
		scope, paper,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var (
			p          domain.Position
			side       string
			marginMode string
			liq        *decimal.Decimal
			journal    []byte
			updatedAt  time.Time
		)
		if err := rows.Scan(&p.Symbol, &side, &p.Quantity, &p.AvgEntryPrice, &p.MarkPrice, &p.Leverage,
			&marginMode, &liq, &p.UnrealizedPnL, &p.RealizedPnL, &journal, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Side = domain.PositionSide(side)
		p.MarginMode = domain.MarginMode(marginMode)
		p.LiquidationPrice = liq
		if err := json.Unmarshal(journal, &p.Journal); err != nil {
			return nil, fmt.Errorf("bad journal for %s: %w", p.Symbol, err)
		}
		p.UpdatedAt = updatedAt.UTC()
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return positions, nil
}

// ListOrders returns the most recent orders for a scope, newest first.
func (s *PostgresStore) ListOrders(ctx context.Context, scope string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_order_id, symbol, side, type, status,
		       price, avg_fill_price, quantity, filled_qty, reduce_only, created_at, updated_at
		FROM orders
		WHERE scope = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		scope, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o         domain.Order
			side      string
			typ       string
			status    string
			createdAt time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &side, &typ, &status,
			&o.Price, &o.AvgFillPrice, &o.Quantity, &o.FilledQty, &o.ReduceOnly, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = domain.Side(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		o.CreatedAt = createdAt.UTC()
		o.UpdatedAt = updatedAt.UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return orders, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ TradeStore = (*PostgresStore)(nil)
