package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the reversing side, used for position-closing orders.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the kind of order sent to the venue.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus is the lifecycle state of an order.
// canceled, rejected and expired are absorbing; filled is terminal.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status absorbs all further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// TimeInForce controls how long an order rests on the venue.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

var (
	ErrQuantityNotPositive = errors.New("order quantity must be positive")
	ErrPriceRequired       = errors.New("limit and stop orders require a price")
)

// OrderRequest is the input a decision source hands to the engine.
// Price is zero for market orders; a positive price is mandatory for
// limit and stop orders.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	Leverage      decimal.Decimal `json:"leverage,omitempty"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	ClosePosition bool            `json:"close_position,omitempty"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
}

// Validate enforces the request invariants before any venue traffic.
func (r OrderRequest) Validate() error {
	if !r.Quantity.IsPositive() {
		return ErrQuantityNotPositive
	}
	switch r.Type {
	case OrderTypeLimit:
		if !r.Price.IsPositive() {
			return ErrPriceRequired
		}
	case OrderTypeStop:
		if !r.Price.IsPositive() && !r.StopPrice.IsPositive() {
			return ErrPriceRequired
		}
	}
	return nil
}

// LimitPrice returns the price a resting order would execute at.
func (r OrderRequest) LimitPrice() decimal.Decimal {
	if r.Price.IsPositive() {
		return r.Price
	}
	return r.StopPrice
}

// Order is an engine-owned order. It is created at submission and mutated
// only by the reconciliation path (live) or synchronously at creation (paper).
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// IsOpen reports whether the order is still working on the venue.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// Fill is a single (partial or complete) execution of an order.
type Fill struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Ts      time.Time       `json:"ts"`
}
