// Package ledger keeps the authoritative in-memory record of open
// positions. Everything here is derived purely from fills; persistence
// is an audit copy, never the source of truth.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

var (
	ErrFillQtyNotPositive = errors.New("fill quantity must be positive")
	ErrFillPriceInvalid   = errors.New("fill price must be positive")
	ErrUnknownSide        = errors.New("fill side must be buy or sell")
)

// PositionBook holds one position per symbol. Closed positions are
// zeroed, never deleted, so realized P&L and the trade journal survive.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*domain.Position)}
}

// Load seeds the book from persisted positions, used on warm start.
// Journal history is carried over as-is.
func (b *PositionBook) Load(positions []domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range positions {
		p := positions[i].Clone()
		b.positions[p.Symbol] = &p
	}
}

// ApplyFill folds one fill into the book and returns the resulting
// position. Not idempotent: the reconciliation layer must hand each fill
// over exactly once.
func (b *PositionBook) ApplyFill(fill domain.Fill) (domain.Position, error) {
	if !fill.Qty.IsPositive() {
		return domain.Position{}, ErrFillQtyNotPositive
	}
	if !fill.Price.IsPositive() {
		return domain.Position{}, ErrFillPriceInvalid
	}
	if fill.Side != domain.SideBuy && fill.Side != domain.SideSell {
		return domain.Position{}, ErrUnknownSide
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[fill.Symbol]
	if !ok {
		p = &domain.Position{
			Symbol:     fill.Symbol,
			Side:       domain.PositionFlat,
			MarginMode: domain.MarginCross,
		}
		b.positions[fill.Symbol] = p
	}

	if fill.Ts.IsZero() {
		fill.Ts = time.Now().UTC()
	}

	fillSide := domain.PositionLong
	if fill.Side == domain.SideSell {
		fillSide = domain.PositionShort
	}

	switch {
	case p.IsFlat():
		p.Side = fillSide
		p.Quantity = fill.Qty
		p.AvgEntryPrice = fill.Price

	case p.Side == fillSide:
		// Same-direction add: quantity-weighted entry blend.
		oldNotional := p.AvgEntryPrice.Mul(p.Quantity)
		addNotional := fill.Price.Mul(fill.Qty)
		newQty := p.Quantity.Add(fill.Qty)
		p.AvgEntryPrice = oldNotional.Add(addNotional).Div(newQty)
		p.Quantity = newQty

	default:
		// Opposite direction: reduce, close, or flip.
		closeQty := decimal.Min(p.Quantity, fill.Qty)
		p.RealizedPnL = p.RealizedPnL.Add(closedPnL(p.Side, closeQty, p.AvgEntryPrice, fill.Price))
		p.Quantity = p.Quantity.Sub(closeQty)

		if p.Quantity.IsZero() {
			excess := fill.Qty.Sub(closeQty)
			if excess.IsPositive() {
				// Flip: the excess opens a fresh position the other way.
				p.Side = fillSide
				p.Quantity = excess
				p.AvgEntryPrice = fill.Price
			} else {
				p.Side = domain.PositionFlat
				p.AvgEntryPrice = decimal.Zero
			}
		}
	}

	p.MarkPrice = fill.Price
	p.Journal = append(p.Journal, domain.TradeRecord{
		ID:      uuid.NewString(),
		OrderID: fill.OrderID,
		Side:    fill.Side,
		Price:   fill.Price,
		Qty:     fill.Qty,
		Ts:      fill.Ts,
	})
	p.UpdatedAt = fill.Ts
	recompute(p)

	return p.Clone(), nil
}

// UpdateMark refreshes the mark price for a symbol and recomputes
// unrealized P&L. Realized P&L and the journal are untouched. Returns
// false when the symbol has never been traded.
func (b *PositionBook) UpdateMark(symbol string, price decimal.Decimal) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	p.MarkPrice = price
	p.UpdatedAt = time.Now().UTC()
	recompute(p)
	return p.Clone(), true
}

// SetLeverage stores the leverage used for a symbol and refreshes the
// isolated-margin liquidation estimate.
func (b *PositionBook) SetLeverage(symbol string, leverage decimal.Decimal) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	p.Leverage = leverage
	recompute(p)
	return p.Clone(), true
}

// SetMarginMode switches a symbol between isolated and cross margin.
// Cross positions report no liquidation price: estimating one needs
// whole-account context the engine does not model.
func (b *PositionBook) SetMarginMode(symbol string, mode domain.MarginMode) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	p.MarginMode = mode
	recompute(p)
	return p.Clone(), true
}

// Get returns a copy of one symbol's position.
func (b *PositionBook) Get(symbol string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// Snapshot returns copies of every tracked position, open or flat,
// ordered by symbol for stable reads.
func (b *PositionBook) Snapshot() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Open returns copies of the non-flat positions only.
func (b *PositionBook) Open() []domain.Position {
	all := b.Snapshot()
	out := all[:0]
	for _, p := range all {
		if !p.IsFlat() {
			out = append(out, p)
		}
	}
	return out
}

// OpenCount reports how many symbols currently hold quantity.
func (b *PositionBook) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.positions {
		if !p.IsFlat() {
			n++
		}
	}
	return n
}

// TotalNotional sums the market value of all open positions.
func (b *PositionBook) TotalNotional() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range b.positions {
		if !p.IsFlat() {
			sum = sum.Add(p.Notional())
		}
	}
	return sum
}

// TotalUnrealized sums unrealized P&L across all open positions.
func (b *PositionBook) TotalUnrealized() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sum := decimal.Zero
	for _, p := range b.positions {
		if !p.IsFlat() {
			sum = sum.Add(p.UnrealizedPnL)
		}
	}
	return sum
}

// closedPnL realizes profit for the closed quantity, signed for side.
func closedPnL(side domain.PositionSide, qty, entry, fillPrice decimal.Decimal) decimal.Decimal {
	if side == domain.PositionShort {
		return qty.Mul(entry.Sub(fillPrice))
	}
	return qty.Mul(fillPrice.Sub(entry))
}

// recompute refreshes the derived fields: unrealized P&L and the
// isolated-margin liquidation estimate.
func recompute(p *domain.Position) {
	if p.IsFlat() {
		p.UnrealizedPnL = decimal.Zero
		p.LiquidationPrice = nil
		return
	}

	if p.MarkPrice.IsPositive() && p.AvgEntryPrice.IsPositive() {
		diff := p.MarkPrice.Sub(p.AvgEntryPrice)
		if p.Side == domain.PositionShort {
			diff = diff.Neg()
		}
		p.UnrealizedPnL = p.Quantity.Mul(diff)
	}

	if p.MarginMode == domain.MarginIsolated && p.Leverage.IsPositive() && p.AvgEntryPrice.IsPositive() {
		inv := decimal.NewFromInt(1).Div(p.Leverage)
		var liq decimal.Decimal
		if p.Side == domain.PositionLong {
			liq = p.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(inv))
		} else {
			liq = p.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(inv))
		}
		p.LiquidationPrice = &liq
	} else {
		p.LiquidationPrice = nil
	}
}
