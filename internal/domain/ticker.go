package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is a venue price snapshot for one symbol.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	Volume24h decimal.Decimal `json:"volume_24h,omitempty"`
	Ts        time.Time       `json:"ts"`
}
