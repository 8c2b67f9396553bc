package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// paperBook is the virtual quote-cash account for paper trading. Buys
// debit the full notional, sells credit it; margin is not modeled.
// Callers hold the engine lock.
type paperBook struct {
	asset string
	free  decimal.Decimal
}

func newPaperBook(asset string, funds decimal.Decimal) *paperBook {
	return &paperBook{asset: asset, free: funds}
}

func (b *paperBook) balances() []domain.Balance {
	return []domain.Balance{{
		Asset: b.asset,
		Free:  b.free,
		Total: b.free,
	}}
}

func (b *paperBook) debit(amount decimal.Decimal) {
	b.free = b.free.Sub(amount)
}

func (b *paperBook) credit(amount decimal.Decimal) {
	b.free = b.free.Add(amount)
}

// paperFillPrice derives the synthetic execution price: the reference
// price shifted by a pseudo-random offset bounded by the slippage
// tolerance, always in the direction that hurts the trader.
func paperFillPrice(ref decimal.Decimal, side domain.Side, tolerance decimal.Decimal, rnd *rand.Rand) decimal.Decimal {
	if !ref.IsPositive() || !tolerance.IsPositive() {
		return ref
	}
	offset := ref.Mul(tolerance).Mul(decimal.NewFromFloat(rnd.Float64()))
	if side == domain.SideBuy {
		return ref.Add(offset)
	}
	return ref.Sub(offset)
}

// executePaperLocked synthesizes an immediate fill at the current ticker
// price with adverse slippage and settles it against the virtual book.
func (e *Engine) executePaperLocked(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	ticker, err := e.exchange.GetTicker(ctx, req.Symbol)
	if err != nil {
		return domain.Order{}, fmt.Errorf("paper fill needs a reference price: %w", err)
	}
	if !ticker.Price.IsPositive() {
		return domain.Order{}, fmt.Errorf("no usable price for %s", req.Symbol)
	}

	price := paperFillPrice(ticker.Price, req.Side, e.gate.Parameters().SlippageTolerance, e.rnd)
	cost := price.Mul(req.Quantity)

	if req.Side == domain.SideBuy {
		if e.paper.free.LessThan(cost) {
			return domain.Order{}, fmt.Errorf("insufficient %s balance: need %s, have %s",
				e.paper.asset, cost, e.paper.free)
		}
		e.paper.debit(cost)
	} else {
		e.paper.credit(cost)
	}

	now := time.Now().UTC()
	return domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        domain.OrderStatusFilled,
		Price:         req.LimitPrice(),
		AvgFillPrice:  price,
		Quantity:      req.Quantity,
		FilledQty:     req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
