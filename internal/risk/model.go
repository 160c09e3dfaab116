// Package risk estimates impermanent-loss exposure of a liquidity position
// and picks a protection strategy for it.
package risk

import (
	"math"
	"strings"
	"time"

	"hedgeflow/config"
	"hedgeflow/models"
)

// AssetClass groups tokens that share a volatility profile.
type AssetClass string

const (
	ClassStable AssetClass = "stable"
	ClassMajor  AssetClass = "major"
	ClassAlt    AssetClass = "alt"
)

var stablecoins = map[string]bool{
	"USDC": true, "USDT": true, "DAI": true, "FRAX": true, "BUSD": true,
	"TUSD": true, "USDE": true, "PYUSD": true, "FDUSD": true, "LUSD": true,
}

var majors = map[string]bool{
	"BTC": true, "WBTC": true, "CBBTC": true,
	"ETH": true, "WETH": true, "STETH": true, "WSTETH": true,
}

// ClassOf maps a token symbol to its asset class. Anything not known as a
// stablecoin or a major is an alt.
func ClassOf(token string) AssetClass {
	token = strings.ToUpper(strings.TrimSpace(token))
	switch {
	case stablecoins[token]:
		return ClassStable
	case majors[token]:
		return ClassMajor
	default:
		return ClassAlt
	}
}

type pairProfile struct {
	volatility  float64
	correlation float64
}

// Fixed per-class table. It is a lookup, not an estimator.
var profiles = map[[2]AssetClass]pairProfile{
	{ClassStable, ClassStable}: {0.01, 0.99},
	{ClassMajor, ClassMajor}:   {0.4, 0.8},
	{ClassMajor, ClassStable}:  {0.6, 0.1},
	{ClassAlt, ClassStable}:    {1.2, 0.05},
	{ClassAlt, ClassMajor}:     {1.0, 0.5},
	{ClassAlt, ClassAlt}:       {1.4, 0.3},
}

func rank(c AssetClass) int {
	switch c {
	case ClassAlt:
		return 0
	case ClassMajor:
		return 1
	default:
		return 2
	}
}

// PairProfile returns annualized volatility and price correlation for a
// token pair. Order does not matter.
func PairProfile(tokenA, tokenB string) (volatility, correlation float64) {
	a, b := ClassOf(tokenA), ClassOf(tokenB)
	if rank(a) > rank(b) {
		a, b = b, a
	}
	p := profiles[[2]AssetClass{a, b}]
	return p.volatility, p.correlation
}

// Model computes ILRiskMetrics from the pair table and holding time.
type Model struct {
	factor float64
	now    func() time.Time
}

type ModelOption func(*Model)

func WithModelClock(now func() time.Time) ModelOption {
	return func(m *Model) { m.now = now }
}

func NewModel(cfg config.RiskConfig, opts ...ModelOption) *Model {
	factor := cfg.ILVolatilityFactor
	if factor <= 0 {
		factor = 0.1
	}
	m := &Model{factor: factor, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CalculateRisk scores one position. Holding periods under a day are
// projected as one day.
func (m *Model) CalculateRisk(pos models.LiquidityPosition) models.ILRiskMetrics {
	vol, corr := PairProfile(pos.TokenA, pos.TokenB)

	var held time.Duration
	if !pos.OpenedAt.IsZero() {
		held = m.now().Sub(pos.OpenedAt)
		if held < 0 {
			held = 0
		}
	}

	current := vol * m.factor
	projected := ProjectIL(current, held)

	return models.ILRiskMetrics{
		Volatility:       vol,
		PriceCorrelation: corr,
		TimeInPosition:   held,
		CurrentIL:        current,
		ProjectedIL:      projected,
		ObservedIL:       observedIL(pos),
		RiskLevel:        Classify(projected, vol),
	}
}

// ProjectIL scales current IL by sqrt(held/24h), with a one day floor.
func ProjectIL(current float64, held time.Duration) float64 {
	days := held.Hours() / 24
	if days < 1 {
		days = 1
	}
	return current * math.Sqrt(days)
}

// ImpermanentLoss is the loss versus holding for a constant-product pool
// after the price moved by ratio: 2*sqrt(r)/(1+r) - 1. It is never positive.
func ImpermanentLoss(ratio float64) float64 {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	return 2*math.Sqrt(ratio)/(1+ratio) - 1
}

func observedIL(pos models.LiquidityPosition) float64 {
	if !pos.EntryPrice.IsPositive() || !pos.CurrentPrice.IsPositive() {
		return 0
	}
	ratio, _ := pos.CurrentPrice.Div(pos.EntryPrice).Float64()
	return ImpermanentLoss(ratio)
}

// Classify maps projected IL and volatility to a risk level. Bounds are
// strict and both conditions must hold for a level.
func Classify(projectedIL, volatility float64) models.RiskLevel {
	switch {
	case projectedIL < 0.05 && volatility < 0.3:
		return models.RiskLevelLow
	case projectedIL < 0.10 && volatility < 0.6:
		return models.RiskLevelMedium
	case projectedIL < 0.20 && volatility < 1.0:
		return models.RiskLevelHigh
	default:
		return models.RiskLevelCritical
	}
}
