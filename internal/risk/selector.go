package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"hedgeflow/config"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const selectorComponent = "hedge_selector"

// User strategy preferences.
const (
	PreferenceConservative = "conservative"
	PreferenceBalanced     = "balanced"
	PreferenceAggressive   = "aggressive"
	PreferenceOptions      = "options"
)

// MaxHedgeRatio keeps part of the position unhedged so fee income survives.
const MaxHedgeRatio = 0.9

const rebalanceProvider = "liquidity_manager"

var (
	ErrUnknownPreference = errors.New("unknown strategy preference")
	ErrUnknownRiskLevel  = errors.New("unknown risk level")
)

// ProviderResolver names the execution venue for hedges.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context) (string, error)
}

type Selector struct {
	cfg      config.RiskConfig
	resolver ProviderResolver
	log      *logger.Log
}

func NewSelector(cfg config.RiskConfig, resolver ProviderResolver, log *logger.Log) *Selector {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Selector{cfg: cfg, resolver: resolver, log: log}
}

var baseRatios = map[models.RiskLevel]float64{
	models.RiskLevelLow:      0.1,
	models.RiskLevelMedium:   0.4,
	models.RiskLevelHigh:     0.6,
	models.RiskLevelCritical: 0.8,
}

// HedgeRatio is the per-level base plus up to 0.2 for volatility, clamped to
// [0, MaxHedgeRatio]. NaN or negative volatility adds nothing.
func HedgeRatio(level models.RiskLevel, volatility float64) float64 {
	if math.IsNaN(volatility) || volatility < 0 {
		volatility = 0
	}
	ratio := baseRatios[level] + math.Min(0.2, volatility*0.1)
	return math.Max(0, math.Min(MaxHedgeRatio, ratio))
}

func (s *Selector) preference(pref string) (string, error) {
	pref = strings.ToLower(strings.TrimSpace(pref))
	if pref == "" {
		pref = strings.ToLower(s.cfg.DefaultPreference)
	}
	if pref == "" {
		pref = PreferenceBalanced
	}
	switch pref {
	case PreferenceConservative, PreferenceBalanced, PreferenceAggressive, PreferenceOptions:
		return pref, nil
	default:
		return "", fmt.Errorf("%q: %w", pref, ErrUnknownPreference)
	}
}

// SelectStrategy decides between rebalancing and hedging. LOW risk or a
// conservative preference always rebalances; an aggressive preference always
// hedges with perps. A venue resolution error fails the selection.
func (s *Selector) SelectStrategy(ctx context.Context, m models.ILRiskMetrics, preference string) (models.ProtectionStrategy, error) {
	pref, err := s.preference(preference)
	if err != nil {
		return models.ProtectionStrategy{}, err
	}
	if m.RiskLevel.Rank() < 0 {
		return models.ProtectionStrategy{}, fmt.Errorf("%q: %w", m.RiskLevel, ErrUnknownRiskLevel)
	}

	ratio := HedgeRatio(m.RiskLevel, m.Volatility)
	strategy := models.ProtectionStrategy{
		Type:                models.StrategyRebalanceOnly,
		Provider:            rebalanceProvider,
		HedgeRatio:          ratio,
		ExpectedILReduction: m.ProjectedIL * ratio,
		Cost:                s.cfg.RebalanceCost,
	}

	hedge := false
	switch {
	case m.RiskLevel == models.RiskLevelLow:
		strategy.Reason = "low risk, rebalancing is sufficient"
	case pref == PreferenceConservative:
		strategy.Reason = "conservative preference"
	case pref == PreferenceAggressive:
		hedge = true
		strategy.Reason = "aggressive preference"
	case m.RiskLevel == models.RiskLevelMedium && m.Volatility <= 0.5:
		strategy.Reason = fmt.Sprintf("medium risk with volatility %.2f at or below 0.50", m.Volatility)
	default:
		hedge = true
		strategy.Reason = fmt.Sprintf("%s risk, projected IL %.2f%%", m.RiskLevel, m.ProjectedIL*100)
	}

	if hedge {
		provider, err := s.resolver.ResolveProvider(ctx)
		if err != nil {
			s.log.WithComponent(selectorComponent).WithError(err).WithFields(logger.Fields{
				"risk_level": string(m.RiskLevel),
			}).Warn("no execution venue for hedge")
			return models.ProtectionStrategy{}, err
		}
		strategy.Provider = provider
		strategy.Type = models.StrategyPerpHedge
		strategy.Cost = ratio * s.cfg.FundingCostEstimate
		if pref == PreferenceOptions {
			strategy.Type = models.StrategyOptionsCollar
			strategy.Cost = ratio * s.cfg.CollarCostEstimate
		}
	}

	metrics.IncStrategySelection(string(strategy.Type), string(m.RiskLevel))
	s.log.WithComponent(selectorComponent).WithFields(logger.Fields{
		"type":        string(strategy.Type),
		"provider":    strategy.Provider,
		"hedge_ratio": strategy.HedgeRatio,
		"risk_level":  string(m.RiskLevel),
		"preference":  pref,
	}).Info("protection strategy selected")
	return strategy, nil
}
