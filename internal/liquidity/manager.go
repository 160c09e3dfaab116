// Package liquidity keeps concentrated-liquidity bands aligned with the
// market. A band is only recentered once the price leaves it by more than a
// hysteresis margin, and a price outside the raw band raises an escape.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/config"
	"hedgeflow/internal/execution"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const component = "range_manager"

var (
	ErrInvalidRange       = errors.New("range requires 0 < min < max and amount > 0")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInvalidThreshold   = errors.New("threshold must not be negative")
	ErrUnknownSymbol      = errors.New("no liquidity range for symbol")
	ErrPriceUnavailable   = errors.New("no price available")
	ErrPlacerNotAvailable = errors.New("range order placer not configured")
)

// Range events passed to the RangeSink.
const (
	EventInit      = "init"
	EventRebalance = "rebalance"
	EventEscape    = "escape"
)

// EscapeSignal reports a price outside the raw band. The position earns no
// fees until it is hedged or recentered.
type EscapeSignal struct {
	Symbol     string                `json:"symbol"`
	Price      decimal.Decimal       `json:"price"`
	Direction  string                `json:"direction"`
	Range      models.LiquidityRange `json:"range"`
	DetectedAt time.Time             `json:"detected_at"`
}

type EscapeHandler func(ctx context.Context, signal EscapeSignal)

type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (models.Price, bool)
}

type RangeSink interface {
	RecordRange(ctx context.Context, event string, r models.LiquidityRange)
}

// Manager owns one band per symbol. Range order placement happens under the
// manager lock so rebalances never interleave.
type Manager struct {
	mu     sync.Mutex
	ranges map[string]*models.LiquidityRange

	cfg      config.LiquidityConfig
	placer   execution.RangeOrderPlacer
	prices   PriceSource
	sink     RangeSink
	onEscape EscapeHandler
	now      func() time.Time
	log      *logger.Log
}

type Option func(*Manager)

func WithPriceSource(prices PriceSource) Option {
	return func(m *Manager) { m.prices = prices }
}

func WithRangeSink(sink RangeSink) Option {
	return func(m *Manager) { m.sink = sink }
}

func WithEscapeHandler(h EscapeHandler) Option {
	return func(m *Manager) { m.onEscape = h }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log *logger.Log) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func NewManager(cfg config.LiquidityConfig, placer execution.RangeOrderPlacer, opts ...Option) *Manager {
	m := &Manager{
		ranges: make(map[string]*models.LiquidityRange),
		cfg:    cfg,
		placer: placer,
		now:    time.Now,
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEscapeHandler replaces the fallback hedge trigger.
func (m *Manager) SetEscapeHandler(h EscapeHandler) {
	m.mu.Lock()
	m.onEscape = h
	m.mu.Unlock()
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// InitPosition registers or replaces the band for symbol. Analytics restart
// from zero.
func (m *Manager) InitPosition(ctx context.Context, symbol string, min, max, amount decimal.Decimal) error {
	symbol = normalize(symbol)
	if symbol == "" || !min.IsPositive() || !min.LessThan(max) || !amount.IsPositive() {
		return fmt.Errorf("%s [%s, %s] amount %s: %w", symbol, min, max, amount, ErrInvalidRange)
	}

	r := &models.LiquidityRange{
		Symbol:    symbol,
		Min:       min,
		Max:       max,
		Amount:    amount,
		UpdatedAt: m.now().UTC(),
		Analytics: models.RangeAnalytics{Fees: decimal.Zero, Slippage: decimal.Zero},
	}

	m.mu.Lock()
	m.ranges[symbol] = r
	snapshot := *r
	m.mu.Unlock()

	m.log.WithComponent(component).WithFields(logger.Fields{
		"symbol": symbol,
		"min":    min.String(),
		"max":    max.String(),
		"amount": amount.String(),
	}).Info("liquidity range initialized")
	m.record(ctx, EventInit, snapshot)
	return nil
}

// HysteresisBounds widens [min, max] by threshold on each side.
func HysteresisBounds(r models.LiquidityRange, threshold float64) (decimal.Decimal, decimal.Decimal) {
	t := decimal.NewFromFloat(threshold)
	return r.Min.Sub(r.Min.Mul(t)), r.Max.Add(r.Max.Mul(t))
}

func (m *Manager) volatility(symbol string) float64 {
	v := m.cfg.DefaultVolatility
	if override, ok := m.cfg.Volatility[symbol]; ok {
		v = override
	}
	if v <= 0 || v >= 1 {
		v = 0.1
	}
	return v
}

// Rebalance recenters the band around newPrice when it lies outside the
// hysteresis bounds. It returns nil, and changes nothing, while the price is
// inside them. The new band is committed only after the range order is placed.
func (m *Manager) Rebalance(ctx context.Context, symbol string, newPrice, fee, slippage decimal.Decimal, threshold float64) (*models.LiquidityRange, error) {
	symbol = normalize(symbol)
	if !newPrice.IsPositive() {
		return nil, fmt.Errorf("%s: %w", symbol, ErrInvalidPrice)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrInvalidThreshold)
	}
	log := m.log.WithComponent(component).WithFields(logger.Fields{"symbol": symbol, "price": newPrice.String()})

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.ranges[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}

	lower, upper := HysteresisBounds(*r, threshold)
	if newPrice.GreaterThanOrEqual(lower) && newPrice.LessThanOrEqual(upper) {
		log.WithFields(logger.Fields{"lower": lower.String(), "upper": upper.String()}).Debug("price within hysteresis bounds")
		return nil, nil
	}

	if m.placer == nil {
		return nil, fmt.Errorf("%s: %w", symbol, ErrPlacerNotAvailable)
	}

	half := newPrice.Mul(decimal.NewFromFloat(m.volatility(symbol)))
	newMin, newMax := newPrice.Sub(half), newPrice.Add(half)

	orderID, err := m.placer.PlaceRangeOrder(ctx, symbol, newMin, newMax, r.Amount)
	if err != nil {
		log.WithError(err).Warn("range order failed, band unchanged")
		metrics.IncRangeEvent(symbol, "rebalance_failed")
		return nil, &execution.Error{Collaborator: "range_placer", Operation: "place", Err: err}
	}
	if strings.TrimSpace(orderID) == "" {
		metrics.IncRangeEvent(symbol, "rebalance_failed")
		return nil, &execution.Error{Collaborator: "range_placer", Operation: "place", Err: execution.ErrNoTransaction}
	}

	r.Min, r.Max = newMin, newMax
	r.OrderID = orderID
	r.UpdatedAt = m.now().UTC()
	r.Analytics.Rebalances++
	r.Analytics.Fees = r.Analytics.Fees.Add(fee)
	r.Analytics.Slippage = r.Analytics.Slippage.Add(slippage)
	snapshot := *r

	metrics.IncRangeEvent(symbol, EventRebalance)
	log.WithFields(logger.Fields{
		"min":        newMin.String(),
		"max":        newMax.String(),
		"order_id":   orderID,
		"rebalances": snapshot.Analytics.Rebalances,
	}).Info("liquidity range rebalanced")
	m.record(ctx, EventRebalance, snapshot)
	return &snapshot, nil
}

// HandleEscape checks price against the raw band. On escape the escape
// handler runs and true is returned.
func (m *Manager) HandleEscape(ctx context.Context, symbol string, price decimal.Decimal) (EscapeSignal, bool) {
	symbol = normalize(symbol)

	m.mu.Lock()
	r, ok := m.ranges[symbol]
	if !ok || !price.IsPositive() || r.Contains(price) {
		m.mu.Unlock()
		return EscapeSignal{}, false
	}
	r.Analytics.Escapes++
	signal := EscapeSignal{
		Symbol:     symbol,
		Price:      price,
		Direction:  "above",
		Range:      *r,
		DetectedAt: m.now().UTC(),
	}
	if price.LessThan(r.Min) {
		signal.Direction = "below"
	}
	handler := m.onEscape
	m.mu.Unlock()

	metrics.IncRangeEvent(symbol, EventEscape)
	m.log.WithComponent(component).WithFields(logger.Fields{
		"symbol":    symbol,
		"price":     price.String(),
		"direction": signal.Direction,
		"min":       signal.Range.Min.String(),
		"max":       signal.Range.Max.String(),
	}).Warn("price escaped liquidity range")
	m.record(ctx, EventEscape, signal.Range)

	if handler != nil {
		handler(ctx, signal)
	}
	return signal, true
}

// Refresh pulls the oracle price for symbol, runs escape detection and then
// Rebalance with no fee or slippage. A non-positive threshold uses the
// configured one.
func (m *Manager) Refresh(ctx context.Context, symbol string, threshold float64) (*models.LiquidityRange, error) {
	symbol = normalize(symbol)
	if _, ok := m.Range(symbol); !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	if m.prices == nil {
		return nil, fmt.Errorf("%s: %w", symbol, ErrPriceUnavailable)
	}
	price, ok := m.prices.GetPrice(ctx, symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrPriceUnavailable)
	}
	if threshold <= 0 {
		threshold = m.cfg.Threshold
	}

	m.HandleEscape(ctx, symbol, price.Value)
	return m.Rebalance(ctx, symbol, price.Value, decimal.Zero, decimal.Zero, threshold)
}

func (m *Manager) Range(symbol string) (models.LiquidityRange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ranges[normalize(symbol)]
	if !ok {
		return models.LiquidityRange{}, false
	}
	return *r, true
}

func (m *Manager) Analytics(symbol string) (models.RangeAnalytics, bool) {
	r, ok := m.Range(symbol)
	return r.Analytics, ok
}

// Symbols lists managed symbols in sorted order.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.ranges))
	for s := range m.ranges {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *Manager) record(ctx context.Context, event string, r models.LiquidityRange) {
	if m.sink != nil {
		m.sink.RecordRange(ctx, event, r)
	}
}
