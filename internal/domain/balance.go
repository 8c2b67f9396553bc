package domain

import "github.com/shopspring/decimal"

// Balance is one asset's account balance as reported by the venue or the
// paper book.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// TotalValue sums the total amounts of a balance set. The engine treats
// this as the account value for percentage-based risk limits; converting
// non-quote assets at market is the dashboard's concern, not ours.
func TotalValue(balances []Balance) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range balances {
		sum = sum.Add(b.Total)
	}
	return sum
}
