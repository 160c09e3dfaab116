package models

import "time"

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Rank orders levels from LOW (0) to CRITICAL (3); unknown levels rank -1.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLevelLow:
		return 0
	case RiskLevelMedium:
		return 1
	case RiskLevelHigh:
		return 2
	case RiskLevelCritical:
		return 3
	default:
		return -1
	}
}

type ILRiskMetrics struct {
	Volatility       float64       `json:"volatility"`
	PriceCorrelation float64       `json:"price_correlation"`
	TimeInPosition   time.Duration `json:"time_in_position"`
	CurrentIL        float64       `json:"current_il"`
	ProjectedIL      float64       `json:"projected_il"`
	ObservedIL       float64       `json:"observed_il"`
	RiskLevel        RiskLevel     `json:"risk_level"`
}

type StrategyType string

const (
	StrategyRebalanceOnly StrategyType = "REBALANCE_ONLY"
	StrategyPerpHedge     StrategyType = "PERP_HEDGE"
	StrategyOptionsCollar StrategyType = "OPTIONS_COLLAR"
)

type ProtectionStrategy struct {
	Type                StrategyType `json:"type"`
	Provider            string       `json:"provider"`
	HedgeRatio          float64      `json:"hedge_ratio"`
	ExpectedILReduction float64      `json:"expected_il_reduction"`
	Cost                float64      `json:"cost"`
	Reason              string       `json:"reason"`
}
