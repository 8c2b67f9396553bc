// Package risk implements pre-trade validation and the periodic
// post-fill breach scanner that watches the position ledger.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// Check keys reported by Validate. Every key is present in every result
// so operators can see exactly which limit a rejected order tripped.
const (
	CheckRequest       = "request"
	CheckMaxOrderValue = "max_order_value"
	CheckFreeBalance   = "free_balance"
	CheckPositionSize  = "position_size"
	CheckProjectedSize = "projected_position_size"
	CheckLeverage      = "leverage"
	CheckOpenPositions = "max_open_positions"
	CheckDailyLoss     = "daily_loss"
	CheckDrawdown      = "drawdown"
)

const (
	// scanInterval throttles the breach scanner. It is a coarse
	// debouncer, not a precise rate limiter.
	scanInterval = 5 * time.Minute

	// resetInterval clears the daily-loss baseline. Anchored to gate
	// construction, not to any exchange trading day.
	resetInterval = 24 * time.Hour
)

// Result is the outcome of one validation pass.
type Result struct {
	Passed  bool            `json:"passed"`
	Checks  map[string]bool `json:"checks"`
	Reasons []string        `json:"reasons,omitempty"`
}

// Gate runs the pre-trade checks and the throttled breach scan.
// Thread-safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	params domain.RiskParameters

	// Daily-loss baseline, seeded lazily from the first balance set
	// seen after a reset. Keyed by asset.
	baseline   map[string]decimal.Decimal
	baselineAt time.Time

	lastScan  time.Time
	scanEvery time.Duration

	log *slog.Logger
	now func() time.Time
}

// NewGate creates a gate with the given limits.
func NewGate(params domain.RiskParameters, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		params:    params,
		baseline:  make(map[string]decimal.Decimal),
		scanEvery: scanInterval,
		log:       log,
		now:       time.Now,
	}
}

// Parameters returns the current limits.
func (g *Gate) Parameters() domain.RiskParameters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params
}

// SetParameters merges a partial update into the current limits and
// returns the merged result.
func (g *Gate) SetParameters(u domain.RiskParametersUpdate) domain.RiskParameters {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = g.params.Merge(u)
	g.log.Info("risk parameters updated",
		slog.String("max_order_value", g.params.MaxOrderValue.String()),
		slog.String("max_leverage", g.params.MaxLeverage.String()),
		slog.String("max_position_size_pct", g.params.MaxPositionSizePct.String()))
	return g.params
}

// Validate runs every check against the request and reports each one.
// There is no short-circuit: a request that trips three limits reports
// all three. A panic inside any check fails that check closed.
func (g *Gate) Validate(req domain.OrderRequest, positions []domain.Position, balances []domain.Balance) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.params
	g.seedBaselineLocked(balances)

	res := Result{Passed: true, Checks: make(map[string]bool, 9)}
	record := func(name string, ok bool, reason string) {
		res.Checks[name] = ok
		if !ok {
			res.Passed = false
			if reason != "" {
				res.Reasons = append(res.Reasons, reason)
			}
		}
	}

	orderValue := estimateOrderValue(req)
	account := domain.TotalValue(balances)

	record(runCheck(CheckRequest, func() (bool, string) {
		if err := req.Validate(); err != nil {
			return false, err.Error()
		}
		return true, ""
	}))

	record(runCheck(CheckMaxOrderValue, func() (bool, string) {
		if p.MaxOrderValue.IsPositive() && orderValue.GreaterThan(p.MaxOrderValue) {
			return false, fmt.Sprintf("order value %s exceeds limit %s", orderValue, p.MaxOrderValue)
		}
		return true, ""
	}))

	record(runCheck(CheckFreeBalance, func() (bool, string) {
		required := orderValue
		if req.Leverage.GreaterThan(decimal.NewFromInt(1)) {
			required = orderValue.Div(req.Leverage)
		}
		free := decimal.Zero
		for _, b := range balances {
			free = free.Add(b.Free)
		}
		if free.LessThan(required) {
			return false, fmt.Sprintf("free balance %s below required margin %s", free, required)
		}
		return true, ""
	}))

	record(runCheck(CheckPositionSize, func() (bool, string) {
		if !account.IsPositive() {
			return false, "account value unknown, cannot size order"
		}
		ratio := orderValue.Div(account)
		if ratio.GreaterThan(p.MaxPositionSizePct) {
			return false, fmt.Sprintf("order is %s of account, limit %s", ratio, p.MaxPositionSizePct)
		}
		return true, ""
	}))

	record(runCheck(CheckProjectedSize, func() (bool, string) {
		if !account.IsPositive() {
			return false, "account value unknown, cannot project position"
		}
		projected := projectedNotional(req, positions)
		ratio := projected.Div(account)
		if ratio.GreaterThan(p.MaxPositionSizePct) {
			return false, fmt.Sprintf("projected position is %s of account, limit %s", ratio, p.MaxPositionSizePct)
		}
		return true, ""
	}))

	record(runCheck(CheckLeverage, func() (bool, string) {
		if req.Leverage.IsPositive() && p.MaxLeverage.IsPositive() && req.Leverage.GreaterThan(p.MaxLeverage) {
			return false, fmt.Sprintf("leverage %s exceeds limit %s", req.Leverage, p.MaxLeverage)
		}
		return true, ""
	}))

	record(runCheck(CheckOpenPositions, func() (bool, string) {
		if p.MaxOpenPositions <= 0 {
			return true, ""
		}
		open := 0
		held := false
		for i := range positions {
			if positions[i].IsFlat() {
				continue
			}
			open++
			if positions[i].Symbol == req.Symbol {
				held = true
			}
		}
		if !held && open >= p.MaxOpenPositions {
			return false, fmt.Sprintf("%d positions open, limit %d", open, p.MaxOpenPositions)
		}
		return true, ""
	}))

	record(g.runDailyLossLocked(balances))

	record(runCheck(CheckDrawdown, func() (bool, string) {
		loss := decimal.Zero
		for i := range positions {
			loss = loss.Add(positions[i].UnrealizedPnL)
		}
		if !loss.IsNegative() {
			return true, ""
		}
		if !account.IsPositive() {
			return false, "unrealized loss with no account value visible"
		}
		ratio := loss.Neg().Div(account)
		if ratio.GreaterThan(p.MaxDrawdownPct) {
			return false, fmt.Sprintf("unrealized drawdown %s exceeds limit %s", ratio, p.MaxDrawdownPct)
		}
		return true, ""
	}))

	if !res.Passed {
		g.log.Warn("order rejected by risk gate",
			slog.String("symbol", req.Symbol),
			slog.Any("reasons", res.Reasons))
	}
	return res
}

// ScanPositions inspects every open position for breaches. Calls inside
// the throttle window return nil regardless of the ledger's state.
func (g *Gate) ScanPositions(positions []domain.Position) []domain.RiskBreach {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastScan) < g.scanEvery {
		return nil
	}
	g.lastScan = now
	p := g.params

	totalNotional := decimal.Zero
	for i := range positions {
		if !positions[i].IsFlat() {
			totalNotional = totalNotional.Add(positions[i].Notional())
		}
	}

	var breaches []domain.RiskBreach
	for i := range positions {
		pos := &positions[i]
		if pos.IsFlat() {
			continue
		}

		if p.MaxLeverage.IsPositive() && pos.Leverage.GreaterThan(p.MaxLeverage) {
			breaches = append(breaches, domain.RiskBreach{
				Type:      domain.BreachLeverage,
				Severity:  domain.SeverityCritical,
				Symbol:    pos.Symbol,
				Threshold: p.MaxLeverage,
				Observed:  pos.Leverage,
				Message:   fmt.Sprintf("%s leverage %s over limit %s", pos.Symbol, pos.Leverage, p.MaxLeverage),
			})
		}

		if pos.UnrealizedPnL.IsNegative() {
			base := pos.Quantity.Mul(pos.AvgEntryPrice)
			if base.IsPositive() {
				dd := pos.UnrealizedPnL.Neg().Div(base)
				if dd.GreaterThan(p.MaxDrawdownPct) {
					breaches = append(breaches, domain.RiskBreach{
						Type:      domain.BreachDrawdown,
						Severity:  domain.SeverityCritical,
						Symbol:    pos.Symbol,
						Threshold: p.MaxDrawdownPct,
						Observed:  dd,
						Message:   fmt.Sprintf("%s drawdown %s over limit %s", pos.Symbol, dd, p.MaxDrawdownPct),
					})
				}
			}
		}

		// Concentration is measured against total open notional, not
		// account equity, so lopsided books surface even when cash is
		// plentiful.
		if totalNotional.IsPositive() {
			share := pos.Notional().Div(totalNotional)
			if share.GreaterThan(p.MaxPositionSizePct) {
				breaches = append(breaches, domain.RiskBreach{
					Type:      domain.BreachPositionSize,
					Severity:  domain.SeverityWarning,
					Symbol:    pos.Symbol,
					Threshold: p.MaxPositionSizePct,
					Observed:  share,
					Message:   fmt.Sprintf("%s holds %s of open notional, limit %s", pos.Symbol, share, p.MaxPositionSizePct),
				})
			}
		}
	}

	if len(breaches) > 0 {
		g.log.Warn("breach scan found violations", slog.Int("count", len(breaches)))
	}
	return breaches
}

// Run drives the daily baseline reset until the context is canceled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(resetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ResetDailyBaseline()
		}
	}
}

// ResetDailyBaseline clears the daily-loss snapshot. The next Validate
// call re-seeds it from whatever balances it sees.
func (g *Gate) ResetDailyBaseline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseline = make(map[string]decimal.Decimal)
	g.baselineAt = time.Time{}
	g.log.Info("daily loss baseline reset")
}

func (g *Gate) seedBaselineLocked(balances []domain.Balance) {
	if len(g.baseline) > 0 || len(balances) == 0 {
		return
	}
	for _, b := range balances {
		g.baseline[b.Asset] = b.Total
	}
	g.baselineAt = g.now()
	g.log.Info("daily loss baseline seeded", slog.Int("assets", len(g.baseline)))
}

func (g *Gate) runDailyLossLocked(balances []domain.Balance) (string, bool, string) {
	return runCheck(CheckDailyLoss, func() (bool, string) {
		if len(g.baseline) == 0 {
			return true, ""
		}
		current := make(map[string]decimal.Decimal, len(balances))
		for _, b := range balances {
			current[b.Asset] = b.Total
		}
		for asset, base := range g.baseline {
			if !base.IsPositive() {
				continue
			}
			change := current[asset].Sub(base).Div(base)
			if change.IsNegative() && change.Neg().GreaterThan(g.params.MaxDailyLossPct) {
				return false, fmt.Sprintf("%s down %s today, limit %s", asset, change.Neg(), g.params.MaxDailyLossPct)
			}
		}
		return true, ""
	})
}

// runCheck evaluates one check and converts any panic into a closed
// (failing) result. The gate must never fail open.
func runCheck(name string, fn func() (bool, string)) (key string, ok bool, reason string) {
	key = name
	defer func() {
		if r := recover(); r != nil {
			ok = false
			reason = fmt.Sprintf("%s check error: %v", name, r)
		}
	}()
	ok, reason = fn()
	return key, ok, reason
}

// estimateOrderValue prices a request for limit checks. Market orders
// have no price yet, so quantity alone stands in until a fill arrives.
func estimateOrderValue(req domain.OrderRequest) decimal.Decimal {
	if price := req.LimitPrice(); price.IsPositive() {
		return req.Quantity.Mul(price)
	}
	return req.Quantity
}

// projectedNotional estimates the position value in req.Symbol after
// this order fills, accounting for reductions and flips.
func projectedNotional(req domain.OrderRequest, positions []domain.Position) decimal.Decimal {
	signed := decimal.Zero
	price := req.LimitPrice()
	for i := range positions {
		pos := &positions[i]
		if pos.Symbol != req.Symbol || pos.IsFlat() {
			continue
		}
		signed = pos.Quantity
		if pos.Side == domain.PositionShort {
			signed = signed.Neg()
		}
		if !price.IsPositive() {
			price = pos.MarkPrice
			if !price.IsPositive() {
				price = pos.AvgEntryPrice
			}
		}
		break
	}
	delta := req.Quantity
	if req.Side == domain.SideSell {
		delta = delta.Neg()
	}
	projected := signed.Add(delta).Abs()
	if price.IsPositive() {
		return projected.Mul(price)
	}
	return projected
}
