package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// SQLiteStore is the default single-file persistence sink.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath with WAL mode
// enabled and the trade tables in place.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-2000;", // 2MB cache
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// Decimal columns are TEXT so values round-trip exactly.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			paper INTEGER NOT NULL,
			client_order_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			price TEXT NOT NULL,
			avg_fill_price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			filled_qty TEXT NOT NULL,
			reduce_only INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create orders table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			scope TEXT NOT NULL,
			symbol TEXT NOT NULL,
			paper INTEGER NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			avg_entry_price TEXT NOT NULL,
			mark_price TEXT NOT NULL,
			leverage TEXT NOT NULL,
			margin_mode TEXT NOT NULL,
			liquidation_price TEXT,
			unrealized_pnl TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			journal TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, symbol, paper)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create positions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// InsertOrder records a freshly created order.
func (s *SQLiteStore) InsertOrder(ctx context.Context, scope string, paper bool, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, scope, paper, client_order_id, symbol, side, type, status,
			 price, avg_fill_price, quantity, filled_qty, reduce_only, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, scope, paper, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Status),
		o.Price.String(), o.AvgFillPrice.String(), o.Quantity.String(), o.FilledQty.String(),
		o.ReduceOnly, o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder overwrites the mutable fields of an existing order.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, avg_fill_price = ?, filled_qty = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.AvgFillPrice.String(), o.FilledQty.String(), o.UpdatedAt.UnixMilli(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	return nil
}

// UpsertPositions writes the ledger snapshot keyed by (scope, symbol, paper).
func (s *SQLiteStore) UpsertPositions(ctx context.Context, scope string, paper bool, positions []domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := range positions {
		p := &positions[i]
		journal, err := json.Marshal(p.Journal)
		if err != nil {
			return fmt.Errorf("failed to marshal journal for %s: %w", p.Symbol, err)
		}
		var liq any
		if p.LiquidationPrice != nil {
			liq = p.LiquidationPrice.String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions
				(scope, symbol, paper, side, quantity, avg_entry_price, mark_price,
				 leverage, margin_mode, liquidation_price, unrealized_pnl, realized_pnl, journal, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(scope, symbol, paper) DO UPDATE SET
				side = excluded.side,
				quantity = excluded.quantity,
				avg_entry_price = excluded.avg_entry_price,
				mark_price = excluded.mark_price,
				leverage = excluded.leverage,
				margin_mode = excluded.margin_mode,
				liquidation_price = excluded.liquidation_price,
				unrealized_pnl = excluded.unrealized_pnl,
				realized_pnl = excluded.realized_pnl,
				journal = excluded.journal,
				updated_at = excluded.updated_at`,
			scope, p.Symbol, paper, string(p.Side), p.Quantity.String(), p.AvgEntryPrice.String(),
			p.MarkPrice.String(), p.Leverage.String(), string(p.MarginMode), liq,
			p.UnrealizedPnL.String(), p.RealizedPnL.String(), string(journal), p.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

// ListPositions loads the stored snapshot for one scope.
func (s *SQLiteStore) ListPositions(ctx context.Context, scope string, paper bool) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, quantity, avg_entry_price, mark_price, leverage,
		       margin_mode, liquidation_price, unrealized_pnl, realized_pnl, journal, updated_at
		FROM positions
		WHERE scope = ? AND paper = ?
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
			journal    string
			qty        string
			entry      string
			mark       string
			lev        string
			unrealized string
			realized   string
			liq        sql.NullString
			updatedAt  int64
		)
		if err := rows.Scan(&p.Symbol, &side, &qty, &entry, &mark, &lev,
			&marginMode, &liq, &unrealized, &realized, &journal, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Side = domain.PositionSide(side)
		p.MarginMode = domain.MarginMode(marginMode)
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("bad quantity for %s: %w", p.Symbol, err)
		}
		if p.AvgEntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("bad entry price for %s: %w", p.Symbol, err)
		}
		if p.MarkPrice, err = decimal.NewFromString(mark); err != nil {
			return nil, fmt.Errorf("bad mark price for %s: %w", p.Symbol, err)
		}
		if p.Leverage, err = decimal.NewFromString(lev); err != nil {
			return nil, fmt.Errorf("bad leverage for %s: %w", p.Symbol, err)
		}
		if p.UnrealizedPnL, err = decimal.NewFromString(unrealized); err != nil {
			return nil, fmt.Errorf("bad unrealized pnl for %s: %w", p.Symbol, err)
		}
		if p.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, fmt.Errorf("bad realized pnl for %s: %w", p.Symbol, err)
		}
		if liq.Valid {
			d, err := decimal.NewFromString(liq.String)
			if err != nil {
				return nil, fmt.Errorf("bad liquidation price for %s: %w", p.Symbol, err)
			}
			p.LiquidationPrice = &d
		}
		if err := json.Unmarshal([]byte(journal), &p.Journal); err != nil {
			return nil, fmt.Errorf("bad journal for %s: %w", p.Symbol, err)
		}
		p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return positions, nil
}

// ListOrders returns the most recent orders for a scope, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, scope string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_order_id, symbol, side, type, status,
		       price, avg_fill_price, quantity, filled_qty, reduce_only, created_at, updated_at
		FROM orders
		WHERE scope = ?
		ORDER BY created_at DESC
		LIMIT ?`,
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
			price     string
			avgFill   string
			qty       string
			filledQty string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &side, &typ, &status,
			&price, &avgFill, &qty, &filledQty, &o.ReduceOnly, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = domain.Side(side)
		o.Type = domain.OrderType(typ)
		o.Status = domain.OrderStatus(status)
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bad price for %s: %w", o.ID, err)
		}
		if o.AvgFillPrice, err = decimal.NewFromString(avgFill); err != nil {
			return nil, fmt.Errorf("bad avg fill price for %s: %w", o.ID, err)
		}
		if o.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("bad quantity for %s: %w", o.ID, err)
		}
		if o.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
			return nil, fmt.Errorf("bad filled qty for %s: %w", o.ID, err)
		}
		o.CreatedAt = time.UnixMilli(createdAt).UTC()
		o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return orders, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ TradeStore = (*SQLiteStore)(nil)
