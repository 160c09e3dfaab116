package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RangeAnalytics struct {
	Fees       decimal.Decimal `json:"fees"`
	Slippage   decimal.Decimal `json:"slippage"`
	Rebalances int             `json:"rebalances"`
	Escapes    int             `json:"escapes"`
}

// LiquidityRange is the active price band of one concentrated-liquidity
// position. Min < Max always holds.
type LiquidityRange struct {
	Symbol    string          `json:"symbol"`
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Amount    decimal.Decimal `json:"amount"`
	OrderID   string          `json:"order_id,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Analytics RangeAnalytics  `json:"analytics"`
}

// Contains reports whether price lies within [Min, Max].
func (r LiquidityRange) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(r.Min) && price.LessThanOrEqual(r.Max)
}

// LiquidityPosition is the input of the impermanent-loss model.
type LiquidityPosition struct {
	TokenA       string          `json:"token_a"`
	TokenB       string          `json:"token_b"`
	Value        decimal.Decimal `json:"value"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	OpenedAt     time.Time       `json:"opened_at"`
}
