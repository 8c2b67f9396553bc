package domain

import "github.com/shopspring/decimal"

// RiskParameters bound what the engine will let through. Percentages are
// fractions of one (0.05 = 5%). Mutable at runtime via Merge.
type RiskParameters struct {
	MaxPositionSizePct decimal.Decimal `json:"max_position_size_pct" yaml:"max_position_size_pct"`
	MaxLeverage        decimal.Decimal `json:"max_leverage" yaml:"max_leverage"`
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxDailyLossPct    decimal.Decimal `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxOrderValue      decimal.Decimal `json:"max_order_value" yaml:"max_order_value"`
	SlippageTolerance  decimal.Decimal `json:"slippage_tolerance" yaml:"slippage_tolerance"`
	EmergencyStop      bool            `json:"emergency_stop" yaml:"emergency_stop"`
	CircuitBreaker     bool            `json:"circuit_breaker" yaml:"circuit_breaker"`
	MaxOpenPositions   int             `json:"max_open_positions" yaml:"max_open_positions"`
}

// DefaultRiskParameters mirrors the limits the dashboard ships with.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxPositionSizePct: decimal.NewFromFloat(0.10),
		MaxLeverage:        decimal.NewFromInt(10),
		MaxDrawdownPct:     decimal.NewFromFloat(0.15),
		MaxDailyLossPct:    decimal.NewFromFloat(0.05),
		MaxOrderValue:      decimal.NewFromInt(10000),
		SlippageTolerance:  decimal.NewFromFloat(0.005),
		EmergencyStop:      true,
		CircuitBreaker:     true,
		MaxOpenPositions:   0, // unlimited
	}
}

// RiskParametersUpdate is a partial patch; nil fields keep their current
// value. Decision sources may tighten or relax limits while running.
type RiskParametersUpdate struct {
	MaxPositionSizePct *decimal.Decimal `json:"max_position_size_pct,omitempty"`
	MaxLeverage        *decimal.Decimal `json:"max_leverage,omitempty"`
	MaxDrawdownPct     *decimal.Decimal `json:"max_drawdown_pct,omitempty"`
	MaxDailyLossPct    *decimal.Decimal `json:"max_daily_loss_pct,omitempty"`
	MaxOrderValue      *decimal.Decimal `json:"max_order_value,omitempty"`
	SlippageTolerance  *decimal.Decimal `json:"slippage_tolerance,omitempty"`
	EmergencyStop      *bool            `json:"emergency_stop,omitempty"`
	CircuitBreaker     *bool            `json:"circuit_breaker,omitempty"`
	MaxOpenPositions   *int             `json:"max_open_positions,omitempty"`
}

// Merge applies the non-nil fields of an update and returns the result.
func (p RiskParameters) Merge(u RiskParametersUpdate) RiskParameters {
	if u.MaxPositionSizePct != nil {
		p.MaxPositionSizePct = *u.MaxPositionSizePct
	}
	if u.MaxLeverage != nil {
		p.MaxLeverage = *u.MaxLeverage
	}
	if u.MaxDrawdownPct != nil {
		p.MaxDrawdownPct = *u.MaxDrawdownPct
	}
	if u.MaxDailyLossPct != nil {
		p.MaxDailyLossPct = *u.MaxDailyLossPct
	}
	if u.MaxOrderValue != nil {
		p.MaxOrderValue = *u.MaxOrderValue
	}
	if u.SlippageTolerance != nil {
		p.SlippageTolerance = *u.SlippageTolerance
	}
	if u.EmergencyStop != nil {
		p.EmergencyStop = *u.EmergencyStop
	}
	if u.CircuitBreaker != nil {
		p.CircuitBreaker = *u.CircuitBreaker
	}
	if u.MaxOpenPositions != nil {
		p.MaxOpenPositions = *u.MaxOpenPositions
	}
	return p
}

// BreachType classifies what a scan found.
type BreachType string

const (
	BreachPositionSize BreachType = "position_size"
	BreachLeverage     BreachType = "leverage"
	BreachDrawdown     BreachType = "drawdown"
	BreachDailyLoss    BreachType = "daily_loss"
	BreachVolatility   BreachType = "volatility"
)

// Severity ranks a breach. Critical breaches arm the circuit breaker.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RiskBreach is produced by the post-fill scanner for one offending
// position.
type RiskBreach struct {
	Type      BreachType      `json:"type"`
	Severity  Severity        `json:"severity"`
	Symbol    string          `json:"symbol"`
	Threshold decimal.Decimal `json:"threshold"`
	Observed  decimal.Decimal `json:"observed"`
	Message   string          `json:"message"`
}
