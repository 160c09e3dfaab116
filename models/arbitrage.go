package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the complementary exposure.
func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

type RiskGrade string

const (
	RiskLow    RiskGrade = "low"
	RiskMedium RiskGrade = "medium"
	RiskHigh   RiskGrade = "high"
)

// ArbitrageOpportunity is a ranked funding spread between two venues.
// DEXSide is always CEXSide.Opposite().
type ArbitrageOpportunity struct {
	Symbol           string          `json:"symbol"`
	CEXSide          Side            `json:"cex_side"`
	DEXSide          Side            `json:"dex_side"`
	TargetExchange   string          `json:"target_exchange"`
	HedgeExchange    string          `json:"hedge_exchange"`
	RateDifferential float64         `json:"rate_differential"`
	ExpectedReturn   float64         `json:"expected_return"`
	RequiredCapital  decimal.Decimal `json:"required_capital"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Risk             RiskGrade       `json:"risk"`
	Confidence       float64         `json:"confidence"`
	DetectedAt       time.Time       `json:"detected_at"`
}

type PositionStatus string

const (
	PositionActive  PositionStatus = "active"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

type ArbitragePosition struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	CEXSide        Side            `json:"cex_side"`
	DEXSide        Side            `json:"dex_side"`
	TargetExchange string          `json:"target_exchange"`
	HedgeExchange  string          `json:"hedge_exchange"`
	Size           decimal.Decimal `json:"size"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExpectedReturn float64         `json:"expected_return"`
	EntryTime      time.Time       `json:"entry_time"`
	ExitTime       time.Time       `json:"exit_time,omitempty"`
	Status         PositionStatus  `json:"status"`
	HedgeTxHash    string          `json:"hedge_tx_hash"`
	CloseTxHash    string          `json:"close_tx_hash,omitempty"`
	NetPnL         decimal.Decimal `json:"net_pnl"`
}

// Notional is size times entry price.
func (p ArbitragePosition) Notional() decimal.Decimal {
	return p.Size.Mul(p.EntryPrice)
}
