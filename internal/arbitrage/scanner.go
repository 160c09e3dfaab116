package arbitrage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/config"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const scannerComponent = "arbitrage_scanner"

// RateSource returns annualized funding rates per venue for an asset.
type RateSource interface {
	GetFundingRates(ctx context.Context, asset string) []models.FundingRate
}

// PriceSource resolves a spot price; false means no source could answer.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (models.Price, bool)
}

// OpportunitySink receives every non-empty scan result.
type OpportunitySink interface {
	RecordOpportunities(ctx context.Context, opps []models.ArbitrageOpportunity)
}

// Scanner turns funding spreads across venues into ranked opportunities.
type Scanner struct {
	cfg    config.ArbitrageConfig
	rates  RateSource
	prices PriceSource
	sink   OpportunitySink
	now    func() time.Time
	log    *logger.Log
}

type ScannerOption func(*Scanner)

func WithOpportunitySink(sink OpportunitySink) ScannerOption {
	return func(s *Scanner) { s.sink = sink }
}

func WithScannerClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

func WithScannerLogger(log *logger.Log) ScannerOption {
	return func(s *Scanner) {
		if log != nil {
			s.log = log
		}
	}
}

func NewScanner(cfg config.ArbitrageConfig, rates RateSource, prices PriceSource, opts ...ScannerOption) *Scanner {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	s := &Scanner{
		cfg:    cfg,
		rates:  rates,
		prices: prices,
		now:    time.Now,
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Symbols returns the tracked assets.
func (s *Scanner) Symbols() []string {
	return append([]string(nil), s.cfg.Symbols...)
}

type scanResult struct {
	opp models.ArbitrageOpportunity
	ok  bool
}

// ScanOpportunities evaluates every tracked symbol concurrently and returns
// the opportunities above the minimum annual return, best first. When the
// scan timeout expires the partial work is dropped and the context error is
// returned.
func (s *Scanner) ScanOpportunities(ctx context.Context) ([]models.ArbitrageOpportunity, error) {
	log := s.log.WithComponent(scannerComponent)
	start := s.now()

	if s.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ScanTimeout)
		defer cancel()
	}

	results := make(chan scanResult, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		go func(symbol string) {
			opp, ok := s.Evaluate(ctx, symbol)
			results <- scanResult{opp: opp, ok: ok}
		}(symbol)
	}

	opps := make([]models.ArbitrageOpportunity, 0, len(s.cfg.Symbols))
	for range s.cfg.Symbols {
		select {
		case r := <-results:
			if r.ok {
				opps = append(opps, r.opp)
			}
		case <-ctx.Done():
			return nil, s.abandon(log, ctx.Err(), len(opps))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, s.abandon(log, err, len(opps))
	}

	SortOpportunities(opps)
	elapsed := s.now().Sub(start)
	metrics.ObserveScanDuration(elapsed.Seconds())
	logger.LogPerformanceEntry(log, scannerComponent, "scan", elapsed, logger.Fields{"opportunities": len(opps)})

	if len(opps) > 0 && s.sink != nil {
		s.sink.RecordOpportunities(ctx, opps)
	}
	return opps, nil
}

func (s *Scanner) abandon(log *logger.Entry, err error, completed int) error {
	log.WithError(err).WithFields(logger.Fields{
		"completed": completed,
		"symbols":   len(s.cfg.Symbols),
	}).Warn("scan abandoned")
	return err
}

// SortOpportunities orders by expected return descending, then symbol.
func SortOpportunities(opps []models.ArbitrageOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].ExpectedReturn != opps[j].ExpectedReturn {
			return opps[i].ExpectedReturn > opps[j].ExpectedReturn
		}
		return opps[i].Symbol < opps[j].Symbol
	})
}

// Evaluate scores one symbol. It never fails: missing data, a spread below
// the threshold or a panic all yield false.
func (s *Scanner) Evaluate(ctx context.Context, symbol string) (opp models.ArbitrageOpportunity, ok bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	log := s.log.WithComponent(scannerComponent).WithFields(logger.Fields{"symbol": symbol})

	defer func() {
		if r := recover(); r != nil {
			s.skip(log, symbol, "panic", fmt.Errorf("%v", r))
			opp, ok = models.ArbitrageOpportunity{}, false
		}
	}()

	rates := s.rates.GetFundingRates(ctx, symbol)
	if len(rates) < 2 {
		s.skip(log.WithFields(logger.Fields{"venues": len(rates)}), symbol, "insufficient_data", nil)
		return models.ArbitrageOpportunity{}, false
	}

	high, low := rates[0], rates[0]
	for _, r := range rates[1:] {
		if r.Rate > high.Rate {
			high = r
		}
		if r.Rate < low.Rate {
			low = r
		}
	}
	differential := high.Rate - low.Rate
	if differential < s.cfg.MinAnnualReturn {
		log.WithFields(logger.Fields{
			"differential": differential,
			"threshold":    s.cfg.MinAnnualReturn,
		}).Debug("spread below threshold")
		metrics.IncSymbolSkipped(symbol, "below_threshold")
		return models.ArbitrageOpportunity{}, false
	}

	price, found := s.prices.GetPrice(ctx, symbol)
	if !found {
		s.skip(log, symbol, "no_price", nil)
		return models.ArbitrageOpportunity{}, false
	}

	cexSide := models.SideLong
	if high.Rate > 0 {
		cexSide = models.SideShort
	}
	confidence := high.Confidence
	if low.Confidence < confidence {
		confidence = low.Confidence
	}

	notional := decimal.NewFromFloat(s.cfg.Notional)
	opp = models.ArbitrageOpportunity{
		Symbol:           symbol,
		CEXSide:          cexSide,
		DEXSide:          cexSide.Opposite(),
		TargetExchange:   high.Exchange,
		HedgeExchange:    low.Exchange,
		RateDifferential: differential,
		ExpectedReturn:   differential,
		RequiredCapital:  notional.Mul(decimal.NewFromInt(2)).Div(decimal.NewFromFloat(s.cfg.Leverage)),
		Size:             notional.Div(price.Value),
		EntryPrice:       price.Value,
		Risk:             RiskFromConfidence(confidence),
		Confidence:       confidence,
		DetectedAt:       s.now().UTC(),
	}

	metrics.IncOpportunity(symbol)
	log.WithFields(logger.Fields{
		"target":          opp.TargetExchange,
		"hedge":           opp.HedgeExchange,
		"cex_side":        string(opp.CEXSide),
		"expected_return": opp.ExpectedReturn,
		"risk":            string(opp.Risk),
	}).Info("arbitrage opportunity")
	return opp, true
}

func (s *Scanner) skip(log *logger.Entry, symbol, reason string, err error) {
	if err != nil {
		log = log.WithError(err)
	}
	log.WithFields(logger.Fields{"reason": reason}).Warn("symbol skipped")
	metrics.IncSymbolSkipped(symbol, reason)
	metrics.EmitSoftFailure(s.log, scannerComponent, metrics.SoftFailureSymbolSkipped, "", symbol, reason)
}

// RiskFromConfidence grades the weaker venue's confidence.
func RiskFromConfidence(confidence float64) models.RiskGrade {
	switch {
	case confidence > 0.8:
		return models.RiskLow
	case confidence > 0.6:
		return models.RiskMedium
	default:
		return models.RiskHigh
	}
}
