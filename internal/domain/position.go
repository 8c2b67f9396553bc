package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
	PositionFlat  PositionSide = "flat"
)

// MarginMode selects whether a position's collateral is segregated.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// TradeRecord is one entry of a position's append-only trade journal.
type TradeRecord struct {
	ID      string          `json:"id"`
	OrderID string          `json:"order_id"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Ts      time.Time       `json:"ts"`
}

// Position is the ledger's record for one symbol. Quantity is an unsigned
// magnitude; direction lives in Side. A fully closed position is zeroed,
// never removed, so the journal and realized P&L survive for audit.
type Position struct {
	Symbol           string           `json:"symbol"`
	Side             PositionSide     `json:"side"`
	Quantity         decimal.Decimal  `json:"quantity"`
	AvgEntryPrice    decimal.Decimal  `json:"avg_entry_price"`
	MarkPrice        decimal.Decimal  `json:"mark_price"`
	Leverage         decimal.Decimal  `json:"leverage"`
	MarginMode       MarginMode       `json:"margin_mode"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Journal          []TradeRecord    `json:"journal,omitempty"`
}

// IsFlat reports whether the position holds no quantity.
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// Notional is the position's current market value, falling back to the
// entry price when no mark has been seen yet.
func (p *Position) Notional() decimal.Decimal {
	price := p.MarkPrice
	if !price.IsPositive() {
		price = p.AvgEntryPrice
	}
	return p.Quantity.Mul(price)
}

// Clone returns a deep copy so ledger snapshots stay stable across
// subsequent fills.
func (p *Position) Clone() Position {
	cp := *p
	if p.LiquidationPrice != nil {
		lp := *p.LiquidationPrice
		cp.LiquidationPrice = &lp
	}
	if len(p.Journal) > 0 {
		cp.Journal = make([]TradeRecord, len(p.Journal))
		copy(cp.Journal, p.Journal)
	}
	return cp
}
