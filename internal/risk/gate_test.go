package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func testBalances(total string) []domain.Balance {
	return []domain.Balance{{Asset: "USDT", Free: dec(total), Total: dec(total)}}
}

func limitBuy(symbol, price, qty string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:   symbol,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: dec(qty),
		Price:    dec(price),
	}
}

func TestValidate_AllChecksPass(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	res := gate.Validate(limitBuy("BTC/USD", "50", "2"), nil, testBalances("10000"))

	if !res.Passed {
		t.Fatalf("expected pass, reasons: %v", res.Reasons)
	}
	if len(res.Checks) != 9 {
		t.Errorf("reported %d checks, want 9", len(res.Checks))
	}
	for name, ok := range res.Checks {
		if !ok {
			t.Errorf("check %s = false, want true", name)
		}
	}
}

func TestValidate_MaxOrderValueFailsIndependently(t *testing.T) {
	params := domain.DefaultRiskParameters()
	params.MaxOrderValue = dec("10")
	gate := NewGate(params, nil)

	// Everything else about the request is comfortably inside limits.
	res := gate.Validate(limitBuy("BTC/USD", "50", "1"), nil, testBalances("100000"))

	if res.Passed {
		t.Fatal("expected rejection")
	}
	if res.Checks[CheckMaxOrderValue] {
		t.Error("max_order_value check should be false")
	}
	for _, name := range []string{CheckRequest, CheckFreeBalance, CheckPositionSize, CheckLeverage, CheckDailyLoss, CheckDrawdown} {
		if !res.Checks[name] {
			t.Errorf("check %s should still pass, got false", name)
		}
	}
	if len(res.Reasons) == 0 {
		t.Error("expected a human-readable reason")
	}
}

func TestValidate_NoShortCircuit(t *testing.T) {
	params := domain.DefaultRiskParameters()
	params.MaxOrderValue = dec("10")
	params.MaxLeverage = dec("5")
	gate := NewGate(params, nil)

	req := limitBuy("BTC/USD", "50", "1")
	req.Leverage = dec("20")

	res := gate.Validate(req, nil, testBalances("100000"))

	if res.Checks[CheckMaxOrderValue] || res.Checks[CheckLeverage] {
		t.Errorf("both tripped limits must be reported: %v", res.Checks)
	}
}

func TestValidate_RejectsBadRequest(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	res := gate.Validate(domain.OrderRequest{Symbol: "BTC/USD", Side: domain.SideBuy, Type: domain.OrderTypeMarket}, nil, testBalances("1000"))

	if res.Passed || res.Checks[CheckRequest] {
		t.Error("zero-quantity request must fail the request check")
	}
}

func TestValidate_PositionSizeAgainstAccount(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	// 10% of a 1000 account is 100; an order worth 200 is over.
	res := gate.Validate(limitBuy("BTC/USD", "100", "2"), nil, testBalances("1000"))
	if res.Checks[CheckPositionSize] {
		t.Error("oversized order passed the position size check")
	}

	// Exactly at the limit passes.
	res = gate.Validate(limitBuy("BTC/USD", "50", "2"), nil, testBalances("1000"))
	if !res.Checks[CheckPositionSize] {
		t.Error("order at exactly the limit should pass")
	}
}

func TestValidate_ProjectedSizeCountsExistingPosition(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	held := []domain.Position{{
		Symbol:        "BTC/USD",
		Side:          domain.PositionLong,
		Quantity:      dec("1"),
		AvgEntryPrice: dec("50"),
		MarkPrice:     dec("50"),
	}}

	// Adding 2 on top of 1 held projects 150 of a 1000 account, over 10%.
	res := gate.Validate(limitBuy("BTC/USD", "50", "2"), held, testBalances("1000"))
	if res.Checks[CheckProjectedSize] {
		t.Error("projected size over the limit should fail")
	}

	// A reducing sell projects zero exposure and passes.
	sellReq := domain.OrderRequest{Symbol: "BTC/USD", Side: domain.SideSell, Type: domain.OrderTypeLimit, Quantity: dec("1"), Price: dec("50")}
	res = gate.Validate(sellReq, held, testBalances("1000"))
	if !res.Checks[CheckProjectedSize] {
		t.Error("reducing order should pass the projected size check")
	}
}

func TestValidate_FailsClosedWithoutAccountValue(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	res := gate.Validate(limitBuy("BTC/USD", "50", "1"), nil, nil)

	if res.Passed {
		t.Fatal("validation with no visible balances must fail closed")
	}
	if res.Checks[CheckPositionSize] || res.Checks[CheckProjectedSize] || res.Checks[CheckFreeBalance] {
		t.Errorf("balance-dependent checks must fail closed: %v", res.Checks)
	}
}

func TestValidate_OpenPositionLimit(t *testing.T) {
	params := domain.DefaultRiskParameters()
	params.MaxOpenPositions = 2
	gate := NewGate(params, nil)

	held := []domain.Position{
		{Symbol: "BTC/USD", Side: domain.PositionLong, Quantity: dec("1"), AvgEntryPrice: dec("1")},
		{Symbol: "ETH/USD", Side: domain.PositionLong, Quantity: dec("1"), AvgEntryPrice: dec("1")},
	}

	// A third symbol is refused.
	res := gate.Validate(limitBuy("SOL/USD", "1", "1"), held, testBalances("1000"))
	if res.Checks[CheckOpenPositions] {
		t.Error("new symbol over the open-position limit should fail")
	}

	// Adding to an already-held symbol is fine.
	res = gate.Validate(limitBuy("BTC/USD", "1", "1"), held, testBalances("1000"))
	if !res.Checks[CheckOpenPositions] {
		t.Error("existing symbol should not count against the limit")
	}
}

func TestValidate_DailyLossBaseline(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	// First call seeds the baseline and passes.
	res := gate.Validate(limitBuy("BTC/USD", "1", "1"), nil, testBalances("1000"))
	if !res.Checks[CheckDailyLoss] {
		t.Fatal("seeding call should pass the daily loss check")
	}

	// Down 10% against a 5% limit fails.
	res = gate.Validate(limitBuy("BTC/USD", "1", "1"), nil, testBalances("900"))
	if res.Checks[CheckDailyLoss] {
		t.Error("10% daily loss should fail a 5% limit")
	}

	// After a reset the next balance set becomes the new baseline.
	gate.ResetDailyBaseline()
	res = gate.Validate(limitBuy("BTC/USD", "1", "1"), nil, testBalances("900"))
	if !res.Checks[CheckDailyLoss] {
		t.Error("post-reset call should re-seed and pass")
	}
}

func TestValidate_DrawdownAcrossPositions(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	held := []domain.Position{
		{Symbol: "BTC/USD", Side: domain.PositionLong, Quantity: dec("1"), AvgEntryPrice: dec("500"), UnrealizedPnL: dec("-100")},
		{Symbol: "ETH/USD", Side: domain.PositionLong, Quantity: dec("1"), AvgEntryPrice: dec("500"), UnrealizedPnL: dec("-100")},
	}

	// 200 of unrealized loss on a 1000 account is 20%, over the 15% limit.
	res := gate.Validate(limitBuy("SOL/USD", "1", "1"), held, testBalances("1000"))
	if res.Checks[CheckDrawdown] {
		t.Error("aggregate drawdown over the limit should fail")
	}
}

func TestScanPositions_Throttled(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)
	base := time.Now()
	gate.now = func() time.Time { return base }

	positions := []domain.Position{{
		Symbol:        "BTC/USD",
		Side:          domain.PositionLong,
		Quantity:      dec("1"),
		AvgEntryPrice: dec("100"),
		Leverage:      dec("50"),
	}}

	first := gate.ScanPositions(positions)
	if len(first) == 0 {
		t.Fatal("first scan should report the leverage breach")
	}

	// Inside the window nothing is reported, breach or not.
	base = base.Add(time.Minute)
	if got := gate.ScanPositions(positions); got != nil {
		t.Errorf("throttled scan returned %v, want nil", got)
	}

	base = base.Add(scanInterval)
	if got := gate.ScanPositions(positions); len(got) == 0 {
		t.Error("scan after the window should fire again")
	}
}

func TestScanPositions_BreachKinds(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	positions := []domain.Position{
		{
			// Over-levered and deep under water.
			Symbol:        "BTC/USD",
			Side:          domain.PositionLong,
			Quantity:      dec("1"),
			AvgEntryPrice: dec("100"),
			MarkPrice:     dec("70"),
			Leverage:      dec("25"),
			UnrealizedPnL: dec("-30"),
		},
		{
			Symbol:        "ETH/USD",
			Side:          domain.PositionLong,
			Quantity:      dec("1"),
			AvgEntryPrice: dec("10"),
			MarkPrice:     dec("10"),
		},
	}

	breaches := gate.ScanPositions(positions)

	kinds := make(map[domain.BreachType]domain.Severity)
	for _, b := range breaches {
		if b.Symbol == "BTC/USD" {
			kinds[b.Type] = b.Severity
		}
	}
	if kinds[domain.BreachLeverage] != domain.SeverityCritical {
		t.Error("expected critical leverage breach")
	}
	if kinds[domain.BreachDrawdown] != domain.SeverityCritical {
		t.Error("expected critical drawdown breach")
	}
	if kinds[domain.BreachPositionSize] != domain.SeverityWarning {
		t.Error("expected concentration warning")
	}
}

func TestScanPositions_FlatBookIsQuiet(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	breaches := gate.ScanPositions([]domain.Position{{Symbol: "BTC/USD", Side: domain.PositionFlat}})
	if len(breaches) != 0 {
		t.Errorf("flat book produced breaches: %v", breaches)
	}
}

func TestSetParameters_PartialMerge(t *testing.T) {
	gate := NewGate(domain.DefaultRiskParameters(), nil)

	newMax := dec("123")
	merged := gate.SetParameters(domain.RiskParametersUpdate{MaxOrderValue: &newMax})

	if !merged.MaxOrderValue.Equal(newMax) {
		t.Errorf("max order value = %s, want 123", merged.MaxOrderValue)
	}
	if !merged.MaxLeverage.Equal(domain.DefaultRiskParameters().MaxLeverage) {
		t.Error("untouched fields must keep their values")
	}
	if !gate.Parameters().MaxOrderValue.Equal(newMax) {
		t.Error("Parameters() should reflect the merge")
	}
}

func TestEstimateOrderValue_MarketUsesQuantity(t *testing.T) {
	market := domain.OrderRequest{Symbol: "BTC/USD", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("3")}
	if got := estimateOrderValue(market); !got.Equal(dec("3")) {
		t.Errorf("market order value = %s, want quantity 3", got)
	}

	limit := limitBuy("BTC/USD", "50", "3")
	if got := estimateOrderValue(limit); !got.Equal(dec("150")) {
		t.Errorf("limit order value = %s, want 150", got)
	}
}
