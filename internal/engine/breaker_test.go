package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/event"
)

// seedPosition plants a position directly in the book, bypassing the
// normal order path, so scans observe an already-breached book.
func seedPosition(t *testing.T, eng *Engine, symbol, price, qty, leverage string) {
	t.Helper()
	_, err := eng.book.ApplyFill(domain.Fill{
		OrderID: "seed-" + symbol,
		Symbol:  symbol,
		Side:    domain.SideBuy,
		Price:   dec(price),
		Qty:     dec(qty),
		Ts:      time.Now().UTC(),
	})
	require.NoError(t, err)
	eng.book.SetLeverage(symbol, dec(leverage))
}

func findBreakerNotice(t *testing.T, events []event.Event) BreakerNotice {
	t.Helper()
	for _, ev := range events {
		if ev.Type == event.TypeCircuitBreaker {
			notice, ok := ev.Data.(BreakerNotice)
			require.True(t, ok, "circuit_breaker payload type")
			return notice
		}
	}
	t.Fatal("no circuit_breaker event published")
	return BreakerNotice{}
}

func TestEngine_BreakerFlattensOnCriticalBreach(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "10000", domain.DefaultRiskParameters())
	mock.SetTicker("BTC/USD", dec("100"))
	mock.SetTicker("ETH/USD", dec("10"))
	require.NoError(t, eng.Initialize(ctx))

	seedPosition(t, eng, "BTC/USD", "100", "1", "25")
	sub := eng.Events().Subscribe()

	// The fill from this small order triggers the breach scan.
	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "ETH/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.True(t, res.Success, res.Error)

	state, reason := eng.Status()
	require.Equal(t, StatePaused, state)
	require.Contains(t, reason, "leverage")

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok)
	require.True(t, pos.Quantity.IsZero(), "breached position is flattened")

	events := drainEvents(sub)
	types := eventTypes(events)
	require.Equal(t, 1, types[event.TypeRiskBreach])
	require.Equal(t, 1, types[event.TypePaused])
	require.Equal(t, 1, types[event.TypeCircuitBreaker])

	notice := findBreakerNotice(t, events)
	require.Equal(t, []string{"BTC/USD"}, notice.Closed)
	require.Empty(t, notice.Failed)
}

func TestEngine_BreakerIsolatesCloseFailures(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "10000", domain.DefaultRiskParameters())
	// No BTC ticker: the reduce-only close for BTC cannot price and fails.
	mock.SetTicker("SOL/USD", dec("10"))
	mock.SetTicker("ETH/USD", dec("1"))
	require.NoError(t, eng.Initialize(ctx))

	seedPosition(t, eng, "BTC/USD", "100", "1", "25")
	seedPosition(t, eng, "SOL/USD", "10", "1", "25")
	sub := eng.Events().Subscribe()

	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "ETH/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.True(t, res.Success, res.Error)

	state, _ := eng.Status()
	require.Equal(t, StatePaused, state)

	btc, _ := eng.Position("BTC/USD")
	require.True(t, btc.Quantity.Equal(dec("1")), "failed close leaves the position")
	sol, _ := eng.Position("SOL/USD")
	require.True(t, sol.Quantity.IsZero(), "other positions still get flattened")

	notice := findBreakerNotice(t, drainEvents(sub))
	require.Contains(t, notice.Failed, "BTC/USD")
	require.Contains(t, notice.Closed, "SOL/USD")
}

func TestEngine_EmergencyStopDisabledOnlyReports(t *testing.T) {
	ctx := context.Background()
	params := domain.DefaultRiskParameters()
	params.EmergencyStop = false
	eng, mock := newPaperEngine(t, "10000", params)
	mock.SetTicker("BTC/USD", dec("100"))
	mock.SetTicker("ETH/USD", dec("10"))
	require.NoError(t, eng.Initialize(ctx))

	seedPosition(t, eng, "BTC/USD", "100", "1", "25")
	sub := eng.Events().Subscribe()

	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "ETH/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.True(t, res.Success, res.Error)

	state, _ := eng.Status()
	require.Equal(t, StateRunning, state, "reporting only, no pause")

	pos, _ := eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("1")))

	types := eventTypes(drainEvents(sub))
	require.Equal(t, 1, types[event.TypeRiskBreach])
	require.Zero(t, types[event.TypePaused])
	require.Zero(t, types[event.TypeCircuitBreaker])
}

func TestEngine_PauseWithoutFlattenWhenBreakerOff(t *testing.T) {
	ctx := context.Background()
	params := domain.DefaultRiskParameters()
	params.CircuitBreaker = false
	eng, mock := newPaperEngine(t, "10000", params)
	mock.SetTicker("BTC/USD", dec("100"))
	mock.SetTicker("ETH/USD", dec("10"))
	require.NoError(t, eng.Initialize(ctx))

	seedPosition(t, eng, "BTC/USD", "100", "1", "25")
	sub := eng.Events().Subscribe()

	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "ETH/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.True(t, res.Success, res.Error)

	state, _ := eng.Status()
	require.Equal(t, StatePaused, state)

	pos, _ := eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("1")), "positions stay put with the breaker off")

	types := eventTypes(drainEvents(sub))
	require.Equal(t, 1, types[event.TypePaused])
	require.Zero(t, types[event.TypeCircuitBreaker])
}

func TestEngine_ManualPauseAndResume(t *testing.T) {
	ctx := context.Background()
	eng, _ := newPaperEngine(t, "1000", domain.DefaultRiskParameters())
	require.NoError(t, eng.Initialize(ctx))

	sub := eng.Events().Subscribe()
	require.NoError(t, eng.Pause("operator request"))

	state, reason := eng.Status()
	require.Equal(t, StatePaused, state)
	require.Equal(t, "operator request", reason)

	require.ErrorIs(t, eng.Pause("again"), ErrNotRunning)
	require.NoError(t, eng.Resume())
	state, reason = eng.Status()
	require.Equal(t, StateRunning, state)
	require.Empty(t, reason)

	types := eventTypes(drainEvents(sub))
	require.Equal(t, 1, types[event.TypePaused])
	require.Equal(t, 1, types[event.TypeResumed])
}
