package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/event"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/exchange"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/risk"
)

func newLiveEngine(t *testing.T, params domain.RiskParameters) (*Engine, *exchange.MockExchange) {
	t.Helper()
	mock := exchange.NewMockExchange()
	mock.SetBalances([]domain.Balance{{Asset: "USDT", Free: dec("100000"), Total: dec("100000")}})
	gate := risk.NewGate(params, discardLogger())
	eng := New(Config{
		Mode:         ModeLive,
		Scope:        "live-test",
		PollInterval: time.Hour, // reconcile is driven by hand in tests
		SubmitDelay:  time.Millisecond,
	}, mock, gate, nil, discardLogger())
	t.Cleanup(func() { eng.Shutdown(context.Background()) })
	return eng, mock
}

func TestEngine_LiveSubmitTracksOpenOrder(t *testing.T) {
	ctx := context.Background()
	eng, _ := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)
	require.Equal(t, domain.OrderStatusOpen, res.Order.Status)

	open := eng.OpenOrders()
	require.Len(t, open, 1)
	require.Equal(t, res.Order.ID, open[0].ID)

	_, ok := eng.Position("BTC/USD")
	require.False(t, ok, "no fill yet, no position")
}

func TestEngine_ReconcileAppliesExternalFill(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)

	// The venue fills the order while the engine is not looking.
	filled := *res.Order
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = dec("1")
	filled.AvgFillPrice = dec("50")
	filled.UpdatedAt = time.Now().UTC()
	mock.SetOrder(filled)

	sub := eng.Events().Subscribe()
	eng.reconcile(ctx)

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok)
	require.True(t, pos.Quantity.Equal(dec("1")))
	require.True(t, pos.AvgEntryPrice.Equal(dec("50")))
	require.Empty(t, eng.OpenOrders(), "terminal orders leave active tracking")

	types := eventTypes(drainEvents(sub))
	require.Equal(t, 1, types[event.TypeOrderFilled])
	require.Equal(t, 1, types[event.TypeOrderUpdated])

	// Polling again must not double-apply anything.
	eng.reconcile(ctx)
	pos, _ = eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("1")))
}

func TestEngine_ReconcilePartialFillDeltas(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "10", "4"))
	require.True(t, res.Success, res.Error)
	id := res.Order.ID

	partial := *res.Order
	partial.Status = domain.OrderStatusPartiallyFilled
	partial.FilledQty = dec("1")
	partial.AvgFillPrice = dec("10")
	mock.SetOrder(partial)
	eng.reconcile(ctx)

	pos, _ := eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("1")))
	require.Len(t, eng.OpenOrders(), 1, "partially filled orders stay tracked")

	// Seeing the same venue state twice applies nothing new.
	eng.reconcile(ctx)
	pos, _ = eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("1")))

	full := partial
	full.Status = domain.OrderStatusFilled
	full.FilledQty = dec("4")
	mock.SetOrder(full)
	eng.reconcile(ctx)

	pos, _ = eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("4")), "only the 3-unit delta is applied on top")
	require.Empty(t, eng.OpenOrders())
	require.Equal(t, id, pos.Journal[len(pos.Journal)-1].OrderID)
}

func TestEngine_ReconcileSurvivesPollErrors(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)

	mock.FailWith("GetOrder", errors.New("venue wobble"))
	eng.reconcile(ctx)

	require.Len(t, eng.OpenOrders(), 1, "a bad poll keeps the order tracked")

	mock.FailWith("GetOrder", nil)
	filled := *res.Order
	filled.Status = domain.OrderStatusFilled
	filled.FilledQty = dec("1")
	filled.AvgFillPrice = dec("50")
	mock.SetOrder(filled)
	eng.reconcile(ctx)

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok)
	require.True(t, pos.Quantity.Equal(dec("1")))
}

func TestEngine_LiveSubmitFailsClosedWithoutBalances(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	mock.FailWith("GetBalances", errors.New("venue down"))
	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "balances")
}

func TestEngine_ShutdownCancelsOpenOrders(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)

	require.NoError(t, eng.Shutdown(ctx))

	cancels := 0
	for _, c := range mock.Calls() {
		if c == "CancelOrder" {
			cancels++
		}
	}
	require.Equal(t, 1, cancels)

	venueOrder, err := mock.GetOrder(ctx, res.Order.ID, "BTC/USD")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCanceled, venueOrder.Status)
}

func TestEngine_ShutdownToleratesCancelFailure(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)

	mock.FailWith("CancelOrder", errors.New("venue down"))
	require.NoError(t, eng.Shutdown(ctx), "cancel failures never abort shutdown")

	state, _ := eng.Status()
	require.Equal(t, StateShutdown, state)
}

func TestEngine_InitializeAdoptsVenueOrders(t *testing.T) {
	ctx := context.Background()
	eng, mock := newLiveEngine(t, domain.DefaultRiskParameters())

	mock.SetOrder(domain.Order{
		ID:       "pre-existing",
		Symbol:   "BTC/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Status:   domain.OrderStatusOpen,
		Price:    dec("40"),
		Quantity: dec("1"),
	})

	require.NoError(t, eng.Initialize(ctx))
	open := eng.OpenOrders()
	require.Len(t, open, 1)
	require.Equal(t, "pre-existing", open[0].ID)
}

func TestEngine_RefreshMarksRevaluesHeldPositions(t *testing.T) {
	ctx := context.Background()
	params := domain.DefaultRiskParameters()
	params.SlippageTolerance = dec("0")
	eng, mock := newPaperEngine(t, "10000", params)
	require.NoError(t, eng.Initialize(ctx))

	mock.SetTicker("BTC/USD", dec("100"))
	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "BTC/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.True(t, res.Success, res.Error)

	mock.SetTicker("BTC/USD", dec("80"))
	eng.refreshMarks(ctx)

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok)
	require.True(t, pos.MarkPrice.Equal(dec("80")), "mark is %s", pos.MarkPrice)
	require.True(t, pos.UnrealizedPnL.Equal(dec("-20")), "unrealized is %s", pos.UnrealizedPnL)

	// The fill a moment ago consumed the breach-scan window, so the 20%
	// drawdown does not trip the breaker here.
	state, _ := eng.Status()
	require.Equal(t, StateRunning, state)
}

func TestEngine_RefreshMarksSurvivesTickerErrors(t *testing.T) {
	ctx := context.Background()
	params := domain.DefaultRiskParameters()
	params.SlippageTolerance = dec("0")
	eng, mock := newPaperEngine(t, "10000", params)
	require.NoError(t, eng.Initialize(ctx))

	mock.SetTicker("BTC/USD", dec("100"))
	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "BTC/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.True(t, res.Success, res.Error)

	mock.FailWith("GetTicker", errors.New("venue down"))
	eng.refreshMarks(ctx)

	pos, _ := eng.Position("BTC/USD")
	require.True(t, pos.MarkPrice.Equal(dec("100")), "mark must stay at %s, got %s", "100", pos.MarkPrice)
}
