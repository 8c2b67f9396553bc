package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/event"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/exchange"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/risk"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limitOrder(symbol string, side domain.Side, price, qty string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeLimit,
		Quantity: dec(qty),
		Price:    dec(price),
	}
}

func newPaperEngine(t *testing.T, funds string, params domain.RiskParameters, symbols ...string) (*Engine, *exchange.MockExchange) {
	t.Helper()
	mock := exchange.NewMockExchange()
	gate := risk.NewGate(params, discardLogger())
	eng := New(Config{
		Mode:         ModePaper,
		Scope:        "test",
		Symbols:      symbols,
		InitialFunds: dec(funds),
	}, mock, gate, nil, discardLogger())
	t.Cleanup(func() { eng.Shutdown(context.Background()) })
	return eng, mock
}

func drainEvents(ch chan event.Event) []event.Event {
	var out []event.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []event.Event) map[event.Type]int {
	types := make(map[event.Type]int)
	for _, ev := range events {
		types[ev.Type]++
	}
	return types
}

// fakeStore records persistence calls for assertions.
type fakeStore struct {
	mu         sync.Mutex
	positions  []domain.Position
	inserted   []domain.Order
	updated    []domain.Order
	upserts    int
	failInsert error
}

func (f *fakeStore) InsertOrder(ctx context.Context, scope string, paper bool, o domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return f.failInsert
	}
	f.inserted = append(f.inserted, o)
	return nil
}

func (f *fakeStore) UpdateOrder(ctx context.Context, o domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, o)
	return nil
}

func (f *fakeStore) UpsertPositions(ctx context.Context, scope string, paper bool, positions []domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}

func (f *fakeStore) ListPositions(ctx context.Context, scope string, paper bool) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeStore) ListOrders(ctx context.Context, scope string, limit int) ([]domain.Order, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func TestEngine_PaperEndToEnd(t *testing.T) {
	ctx := context.Background()
	params := domain.DefaultRiskParameters()
	params.MaxOrderValue = dec("1000")

	eng, mock := newPaperEngine(t, "1000", params)
	mock.SetTicker("BTC/USD", dec("50"))
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "2"))
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Order)
	require.Equal(t, domain.OrderStatusFilled, res.Order.Status)

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok)
	require.Equal(t, domain.PositionLong, pos.Side)
	require.True(t, pos.Quantity.Equal(dec("2")), "quantity = %s", pos.Quantity)

	// Entry tracks the execution price, which carries at most the
	// default 0.5% adverse slippage over the 50 ticker.
	require.True(t, pos.AvgEntryPrice.Equal(res.Order.AvgFillPrice))
	require.True(t, pos.AvgEntryPrice.GreaterThanOrEqual(dec("50")))
	require.True(t, pos.AvgEntryPrice.LessThanOrEqual(dec("50.25")))

	balances, err := eng.Balances(ctx)
	require.NoError(t, err)
	wantFree := dec("1000").Sub(res.Order.AvgFillPrice.Mul(dec("2")))
	require.True(t, balances[0].Free.Equal(wantFree), "free = %s, want %s", balances[0].Free, wantFree)

	// Tighten the order-value cap and watch the same request bounce.
	eng.SetRiskParameters(domain.RiskParametersUpdate{MaxOrderValue: decPtr("10")})
	res2 := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.False(t, res2.Success)
	require.Nil(t, res2.Order)
	require.False(t, res2.RiskChecks[risk.CheckMaxOrderValue])

	// The first position is untouched by the rejection.
	pos, _ = eng.Position("BTC/USD")
	require.True(t, pos.Quantity.Equal(dec("2")))
}

func TestEngine_SubmitOnlyWhileRunning(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "1000", domain.DefaultRiskParameters())
	mock.SetTicker("BTC/USD", dec("50"))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "idle")
	require.Empty(t, mock.Calls(), "rejected submit must have no side effects")

	require.NoError(t, eng.Initialize(ctx))
	require.NoError(t, eng.Pause("manual"))

	res = eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "paused")

	require.NoError(t, eng.Resume())
	res = eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)
}

func TestEngine_AllowList(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "1000", domain.DefaultRiskParameters(), "BTC/USD")
	mock.SetTicker("BTC/USD", dec("50"))
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("ETH/USD", domain.SideBuy, "50", "1"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "allow-list")
	for _, call := range mock.Calls() {
		require.NotEqual(t, "GetTicker", call, "rejected symbol must cause no venue traffic")
		require.NotEqual(t, "PlaceOrder", call)
	}
}

func TestEngine_PaperFillEvents(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "1000", domain.DefaultRiskParameters())
	mock.SetTicker("BTC/USD", dec("50"))
	require.NoError(t, eng.Initialize(ctx))

	sub := eng.Events().Subscribe()
	defer eng.Events().Unsubscribe(sub)

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)

	events := drainEvents(sub)
	types := eventTypes(events)
	require.Equal(t, 1, types[event.TypeOrderExecuted])
	require.Equal(t, 1, types[event.TypeOrderFilled])

	for _, ev := range events {
		if ev.Type != event.TypeOrderFilled {
			continue
		}
		notice, ok := ev.Data.(FillNotice)
		require.True(t, ok, "order_filled payload should be a FillNotice")
		require.Equal(t, "BTC/USD", notice.Fill.Symbol)
		require.True(t, notice.Position.Quantity.Equal(dec("1")))
	}
}

func TestEngine_PaperInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "10", domain.DefaultRiskParameters())
	mock.SetTicker("BTC/USD", dec("50"))
	require.NoError(t, eng.Initialize(ctx))

	// A market order is sized by quantity alone at the gate, so the
	// virtual book is the backstop that catches the real cost.
	res := eng.Submit(ctx, domain.OrderRequest{
		Symbol:   "BTC/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec("1"),
	})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "insufficient")

	_, ok := eng.Position("BTC/USD")
	require.False(t, ok, "failed fill must not create a position")
}

func TestEngine_InitializeFailure(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "1000", domain.DefaultRiskParameters())
	mock.FailWith("Connect", errors.New("bad credentials"))

	err := eng.Initialize(ctx)
	require.Error(t, err)

	state, reason := eng.Status()
	require.Equal(t, StateError, state)
	require.Contains(t, reason, "bad credentials")

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.False(t, res.Success)

	// Errored instances cannot be revived.
	require.ErrorIs(t, eng.Initialize(ctx), ErrAlreadyInitialized)
}

func TestEngine_ShutdownIsTerminal(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "1000", domain.DefaultRiskParameters())
	mock.SetTicker("BTC/USD", dec("50"))
	require.NoError(t, eng.Initialize(ctx))

	sub := eng.Events().Subscribe()
	require.NoError(t, eng.Shutdown(ctx))

	state, _ := eng.Status()
	require.Equal(t, StateShutdown, state)

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.False(t, res.Success)

	require.NoError(t, eng.Shutdown(ctx), "second shutdown is a no-op")

	types := eventTypes(drainEvents(sub))
	require.Equal(t, 1, types[event.TypeShutdown])
}

func TestEngine_WarmStartAndPersistence(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{positions: []domain.Position{{
		Symbol:        "BTC/USD",
		Side:          domain.PositionLong,
		Quantity:      dec("2"),
		AvgEntryPrice: dec("55"),
	}}}

	mock := exchange.NewMockExchange()
	mock.SetTicker("ETH/USD", dec("10"))
	gate := risk.NewGate(domain.DefaultRiskParameters(), discardLogger())
	eng := New(Config{Mode: ModePaper, Scope: "warm", InitialFunds: dec("10000")}, mock, gate, store, discardLogger())
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	require.NoError(t, eng.Initialize(ctx))

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok, "stored position should be loaded at start")
	require.True(t, pos.Quantity.Equal(dec("2")))
	require.True(t, pos.AvgEntryPrice.Equal(dec("55")))

	res := eng.Submit(ctx, limitOrder("ETH/USD", domain.SideBuy, "10", "1"))
	require.True(t, res.Success, res.Error)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.inserted, 1)
	require.GreaterOrEqual(t, store.upserts, 1)
}

func TestEngine_PersistenceFailureNeverBlocksTrading(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{failInsert: errors.New("disk full")}

	mock := exchange.NewMockExchange()
	mock.SetTicker("BTC/USD", dec("50"))
	gate := risk.NewGate(domain.DefaultRiskParameters(), discardLogger())
	eng := New(Config{Mode: ModePaper, Scope: "t", InitialFunds: dec("1000")}, mock, gate, store, discardLogger())
	t.Cleanup(func() { eng.Shutdown(context.Background()) })

	require.NoError(t, eng.Initialize(ctx))
	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, "sink failures are logged, not propagated")

	pos, ok := eng.Position("BTC/USD")
	require.True(t, ok)
	require.True(t, pos.Quantity.Equal(dec("1")))
}

func TestEngine_PositionsSnapshotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, mock := newPaperEngine(t, "1000", domain.DefaultRiskParameters())
	mock.SetTicker("BTC/USD", dec("50"))
	require.NoError(t, eng.Initialize(ctx))

	res := eng.Submit(ctx, limitOrder("BTC/USD", domain.SideBuy, "50", "1"))
	require.True(t, res.Success, res.Error)

	first := eng.Positions()
	second := eng.Positions()
	require.Equal(t, first, second)
}
