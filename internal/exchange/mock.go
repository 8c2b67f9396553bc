// Package exchange provides venue adapters implementing domain.Exchange.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// MockExchange is an in-memory venue for paper simulations and tests.
// Prices, balances and failures are all scripted by the caller.
type MockExchange struct {
	mu        sync.Mutex
	connected bool
	tickers   map[string]domain.Ticker
	balances  []domain.Balance
	orders    map[string]domain.Order
	nextID    int

	failures map[string]error
	placeFn  func(req domain.OrderRequest) (domain.Order, error)
	calls    []string
}

// NewMockExchange creates an empty mock venue.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		tickers:  make(map[string]domain.Ticker),
		orders:   make(map[string]domain.Order),
		failures: make(map[string]error),
	}
}

// SetTicker scripts the price returned for a symbol.
func (m *MockExchange) SetTicker(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[symbol] = domain.Ticker{
		Symbol: symbol,
		Price:  price,
		Bid:    price,
		Ask:    price,
		Ts:     time.Now().UTC(),
	}
}

// SetBalances scripts the account balances.
func (m *MockExchange) SetBalances(balances []domain.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append([]domain.Balance(nil), balances...)
}

// SetOrder installs or overwrites the venue-side record of an order.
// Tests use this to simulate fills that happen while the engine is not
// looking.
func (m *MockExchange) SetOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// FailWith injects an error for one method name (e.g. "PlaceOrder").
// A nil error clears the injection.
func (m *MockExchange) FailWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// PlaceOrderFunc overrides the default placement behavior entirely.
func (m *MockExchange) PlaceOrderFunc(fn func(req domain.OrderRequest) (domain.Order, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeFn = fn
}

// Calls returns the method names invoked so far, in order.
func (m *MockExchange) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockExchange) record(method string) error {
	m.calls = append(m.calls, method)
	return m.failures[method]
}

// Connect marks the session established.
func (m *MockExchange) Connect(ctx context.Context, creds domain.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Connect"); err != nil {
		return err
	}
	m.connected = true
	return nil
}

// GetTicker returns the scripted price for symbol.
func (m *MockExchange) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetTicker"); err != nil {
		return domain.Ticker{}, err
	}
	t, ok := m.tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return t, nil
}

// GetBalances returns the scripted balances.
func (m *MockExchange) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetBalances"); err != nil {
		return nil, err
	}
	return append([]domain.Balance(nil), m.balances...), nil
}

// GetOpenOrders lists venue-side orders that are still working.
func (m *MockExchange) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOpenOrders"); err != nil {
		return nil, err
	}
	var open []domain.Order
	for _, o := range m.orders {
		if o.IsOpen() {
			open = append(open, o)
		}
	}
	return open, nil
}

// GetOrder returns the venue's record of one order.
func (m *MockExchange) GetOrder(ctx context.Context, id, symbol string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetOrder"); err != nil {
		return domain.Order{}, err
	}
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("order not found: %s", id)
	}
	return o, nil
}

// PlaceOrder accepts the request. Market orders fill immediately at the
// scripted ticker price; limit and stop orders rest open.
func (m *MockExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("PlaceOrder"); err != nil {
		return domain.Order{}, err
	}
	if m.placeFn != nil {
		o, err := m.placeFn(req)
		if err == nil {
			m.orders[o.ID] = o
		}
		return o, err
	}

	m.nextID++
	now := time.Now().UTC()
	o := domain.Order{
		ID:            fmt.Sprintf("mock-%d", m.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        domain.OrderStatusOpen,
		Price:         req.LimitPrice(),
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Type == domain.OrderTypeMarket {
		price := req.Price
		if t, ok := m.tickers[req.Symbol]; ok {
			price = t.Price
		}
		if !price.IsPositive() {
			return domain.Order{}, fmt.Errorf("no price available for %s", req.Symbol)
		}
		o.Status = domain.OrderStatusFilled
		o.Price = price
		o.AvgFillPrice = price
		o.FilledQty = req.Quantity
	}
	m.orders[o.ID] = o
	return o, nil
}

// CancelOrder cancels a working order.
func (m *MockExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CancelOrder"); err != nil {
		return err
	}
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order not found: %s", id)
	}
	if !o.IsOpen() {
		return fmt.Errorf("cannot cancel %s order: %s", o.Status, id)
	}
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	return nil
}

var _ domain.Exchange = (*MockExchange)(nil)
