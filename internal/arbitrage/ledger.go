package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hedgeflow/internal/execution"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const (
	ledgerComponent = "position_ledger"

	// Minimum output accepted on hedge swaps, as a fraction of the quoted amount.
	swapMinOutFraction = 0.995
)

var (
	ErrActivePositionExists = errors.New("position already open for symbol")
	ErrPositionNotFound     = errors.New("position not found")
	ErrPositionClosed       = errors.New("position already closed")
	ErrCloseInProgress      = errors.New("position close already in progress")
	ErrInvalidOpportunity   = errors.New("invalid opportunity")
)

var year = decimal.NewFromInt(int64(365 * 24 * time.Hour))

// Position events passed to the PositionSink.
const (
	EventOpened      = "opened"
	EventOpenFailed  = "open_failed"
	EventRejected    = "rejected"
	EventClosing     = "closing"
	EventClosed      = "closed"
	EventCloseFailed = "close_failed"
)

// PositionSink receives every ledger transition.
type PositionSink interface {
	RecordPosition(ctx context.Context, event string, pos models.ArbitragePosition)
}

// PnLSummary aggregates estimated funding carry across the ledger.
type PnLSummary struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Total      decimal.Decimal `json:"total"`
	Active     int             `json:"active"`
	Closing    int             `json:"closing"`
	Closed     int             `json:"closed"`
}

// Ledger tracks at most one live position per symbol. A symbol is reserved
// before the hedge leg is sent so concurrent opens cannot both proceed, and a
// record is only created once the hedge leg returns a transaction hash.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*models.ArbitragePosition
	live      map[string]string // symbol -> id of the active or closing position
	reserved  map[string]struct{}
	unwinding map[string]struct{}

	perp        execution.PerpExecutor
	swap        execution.SwapExecutor
	prices      PriceSource
	sink        PositionSink
	stableToken string
	leverage    float64

	now   func() time.Time
	newID func() string
	log   *logger.Log
}

type LedgerOption func(*Ledger)

func WithPositionSink(sink PositionSink) LedgerOption {
	return func(l *Ledger) { l.sink = sink }
}

// WithPriceSource enables mark-to-market for unrealized P&L.
func WithPriceSource(prices PriceSource) LedgerOption {
	return func(l *Ledger) { l.prices = prices }
}

func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func WithLedgerLogger(log *logger.Log) LedgerOption {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

func withIDs(newID func() string) LedgerOption {
	return func(l *Ledger) { l.newID = newID }
}

// NewLedger builds a ledger whose short hedge legs go to perp and long hedge
// legs are bought with stableToken through swap.
func NewLedger(perp execution.PerpExecutor, swap execution.SwapExecutor, stableToken string, leverage float64, opts ...LedgerOption) *Ledger {
	if stableToken == "" {
		stableToken = "USDC"
	}
	if leverage <= 0 {
		leverage = 1
	}
	l := &Ledger{
		positions:   make(map[string]*models.ArbitragePosition),
		live:        make(map[string]string),
		reserved:    make(map[string]struct{}),
		unwinding:   make(map[string]struct{}),
		perp:        perp,
		swap:        swap,
		stableToken: stableToken,
		leverage:    leverage,
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
		log:         logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func validateOpportunity(opp models.ArbitrageOpportunity) error {
	switch {
	case strings.TrimSpace(opp.Symbol) == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidOpportunity)
	case !opp.CEXSide.Valid() || opp.DEXSide != opp.CEXSide.Opposite():
		return fmt.Errorf("%w: sides %q/%q are not complementary", ErrInvalidOpportunity, opp.CEXSide, opp.DEXSide)
	case !opp.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive", ErrInvalidOpportunity)
	case opp.DEXSide == models.SideLong && !opp.EntryPrice.IsPositive():
		return fmt.Errorf("%w: long hedge needs an entry price", ErrInvalidOpportunity)
	}
	return nil
}

// Open executes the hedge leg for opp and records an active position. It
// fails with ErrActivePositionExists, without side effects, while another
// position for the symbol is being opened, active or closing.
func (l *Ledger) Open(ctx context.Context, opp models.ArbitrageOpportunity) (models.ArbitragePosition, error) {
	if err := validateOpportunity(opp); err != nil {
		return models.ArbitragePosition{}, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(opp.Symbol))
	log := l.log.WithComponent(ledgerComponent).WithFields(logger.Fields{
		"symbol":   symbol,
		"dex_side": string(opp.DEXSide),
	})

	l.mu.Lock()
	if _, busy := l.reserved[symbol]; busy {
		l.mu.Unlock()
		return l.reject(log, symbol)
	}
	if _, busy := l.live[symbol]; busy {
		l.mu.Unlock()
		return l.reject(log, symbol)
	}
	l.reserved[symbol] = struct{}{}
	l.mu.Unlock()

	hash, err := l.openHedge(ctx, symbol, opp)
	if err != nil {
		l.mu.Lock()
		delete(l.reserved, symbol)
		l.mu.Unlock()

		log.WithError(err).Warn("hedge leg failed, no position recorded")
		metrics.IncPositionEvent(EventOpenFailed)
		l.emit(ctx, EventOpenFailed, models.ArbitragePosition{
			Symbol:         symbol,
			CEXSide:        opp.CEXSide,
			DEXSide:        opp.DEXSide,
			TargetExchange: opp.TargetExchange,
			HedgeExchange:  opp.HedgeExchange,
			Size:           opp.Size,
			EntryPrice:     opp.EntryPrice,
			ExpectedReturn: opp.ExpectedReturn,
		})
		return models.ArbitragePosition{}, err
	}

	pos := &models.ArbitragePosition{
		ID:             l.newID(),
		Symbol:         symbol,
		CEXSide:        opp.CEXSide,
		DEXSide:        opp.DEXSide,
		TargetExchange: opp.TargetExchange,
		HedgeExchange:  opp.HedgeExchange,
		Size:           opp.Size,
		EntryPrice:     opp.EntryPrice,
		ExpectedReturn: opp.ExpectedReturn,
		EntryTime:      l.now().UTC(),
		Status:         models.PositionActive,
		HedgeTxHash:    hash.Hex(),
		NetPnL:         decimal.Zero,
	}

	l.mu.Lock()
	delete(l.reserved, symbol)
	l.positions[pos.ID] = pos
	l.live[symbol] = pos.ID
	snapshot := *pos
	liveCount := len(l.live)
	l.mu.Unlock()

	metrics.IncPositionEvent(EventOpened)
	metrics.SetActivePositions(liveCount)
	log.WithFields(logger.Fields{"id": snapshot.ID, "tx": snapshot.HedgeTxHash}).Info("position opened")
	l.emit(ctx, EventOpened, snapshot)
	return snapshot, nil
}

func (l *Ledger) reject(log *logger.Entry, symbol string) (models.ArbitragePosition, error) {
	log.Warn("open rejected, symbol already has a position")
	metrics.IncPositionEvent(EventRejected)
	return models.ArbitragePosition{}, fmt.Errorf("%s: %w", symbol, ErrActivePositionExists)
}

func (l *Ledger) openHedge(ctx context.Context, symbol string, opp models.ArbitrageOpportunity) (common.Hash, error) {
	if opp.DEXSide == models.SideShort {
		if l.perp == nil {
			return common.Hash{}, &execution.Error{Collaborator: "perp", Operation: "open", Err: errors.New("not configured")}
		}
		hash, err := l.perp.OpenPerpPosition(ctx, symbol, opp.Size, models.SideShort, l.leverage)
		return execution.Confirm("perp", "open", hash, err)
	}

	if l.swap == nil {
		return common.Hash{}, &execution.Error{Collaborator: "swap", Operation: "buy", Err: errors.New("not configured")}
	}
	hash, err := l.swap.ExecuteSwap(ctx, execution.SwapRequest{
		TokenIn:      l.stableToken,
		TokenOut:     symbol,
		AmountIn:     opp.Size.Mul(opp.EntryPrice),
		MinAmountOut: opp.Size.Mul(decimal.NewFromFloat(swapMinOutFraction)),
	})
	return execution.Confirm("swap", "buy", hash, err)
}

// Close moves a position to closing, unwinds the hedge leg and marks it
// closed with its realized P&L. A failed unwind leaves the position closing;
// calling Close again retries the unwind.
func (l *Ledger) Close(ctx context.Context, id string) (models.ArbitragePosition, error) {
	log := l.log.WithComponent(ledgerComponent).WithFields(logger.Fields{"id": id})

	l.mu.Lock()
	pos, ok := l.positions[id]
	if !ok {
		l.mu.Unlock()
		return models.ArbitragePosition{}, fmt.Errorf("%s: %w", id, ErrPositionNotFound)
	}
	switch pos.Status {
	case models.PositionClosed:
		snapshot := *pos
		l.mu.Unlock()
		return snapshot, fmt.Errorf("%s: %w", id, ErrPositionClosed)
	case models.PositionClosing:
		if _, busy := l.unwinding[id]; busy {
			l.mu.Unlock()
			return models.ArbitragePosition{}, fmt.Errorf("%s: %w", id, ErrCloseInProgress)
		}
	}
	transitioned := pos.Status == models.PositionActive
	pos.Status = models.PositionClosing
	l.unwinding[id] = struct{}{}
	snapshot := *pos
	l.mu.Unlock()

	if transitioned {
		metrics.IncPositionEvent(EventClosing)
		l.emit(ctx, EventClosing, snapshot)
	}

	hash, err := l.closeHedge(ctx, snapshot)
	if err != nil {
		l.mu.Lock()
		delete(l.unwinding, id)
		l.mu.Unlock()

		log.WithError(err).Warn("unwind failed, position left closing")
		metrics.IncPositionEvent(EventCloseFailed)
		l.emit(ctx, EventCloseFailed, snapshot)
		return snapshot, err
	}

	exit := l.now().UTC()
	l.mu.Lock()
	pos.Status = models.PositionClosed
	pos.ExitTime = exit
	pos.CloseTxHash = hash.Hex()
	pos.NetPnL = carry(pos.Notional(), pos.ExpectedReturn, exit.Sub(pos.EntryTime))
	delete(l.unwinding, id)
	if l.live[pos.Symbol] == id {
		delete(l.live, pos.Symbol)
	}
	snapshot = *pos
	liveCount := len(l.live)
	l.mu.Unlock()

	metrics.IncPositionEvent(EventClosed)
	metrics.SetActivePositions(liveCount)
	log.WithFields(logger.Fields{
		"symbol":  snapshot.Symbol,
		"net_pnl": snapshot.NetPnL.String(),
		"tx":      snapshot.CloseTxHash,
	}).Info("position closed")
	l.emit(ctx, EventClosed, snapshot)
	return snapshot, nil
}

func (l *Ledger) closeHedge(ctx context.Context, pos models.ArbitragePosition) (common.Hash, error) {
	if pos.DEXSide == models.SideShort {
		if l.perp == nil {
			return common.Hash{}, &execution.Error{Collaborator: "perp", Operation: "close", Err: errors.New("not configured")}
		}
		size := pos.Size
		hash, err := l.perp.ClosePerpPosition(ctx, pos.Symbol, &size)
		return execution.Confirm("perp", "close", hash, err)
	}

	if l.swap == nil {
		return common.Hash{}, &execution.Error{Collaborator: "swap", Operation: "sell", Err: errors.New("not configured")}
	}
	price := pos.EntryPrice
	if l.prices != nil {
		if p, ok := l.prices.GetPrice(ctx, pos.Symbol); ok {
			price = p.Value
		}
	}
	hash, err := l.swap.ExecuteSwap(ctx, execution.SwapRequest{
		TokenIn:      pos.Symbol,
		TokenOut:     l.stableToken,
		AmountIn:     pos.Size,
		MinAmountOut: pos.Size.Mul(price).Mul(decimal.NewFromFloat(swapMinOutFraction)),
	})
	return execution.Confirm("swap", "sell", hash, err)
}

// Get returns a copy of the position.
func (l *Ledger) Get(id string) (models.ArbitragePosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[id]
	if !ok {
		return models.ArbitragePosition{}, false
	}
	return *pos, true
}

// GetActive returns active positions ordered by entry time.
func (l *Ledger) GetActive() []models.ArbitragePosition {
	return l.filter(func(p *models.ArbitragePosition) bool { return p.Status == models.PositionActive })
}

// Positions returns every position the ledger has recorded.
func (l *Ledger) Positions() []models.ArbitragePosition {
	return l.filter(func(*models.ArbitragePosition) bool { return true })
}

func (l *Ledger) filter(keep func(*models.ArbitragePosition) bool) []models.ArbitragePosition {
	l.mu.Lock()
	out := make([]models.ArbitragePosition, 0, len(l.positions))
	for _, p := range l.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Summary reports realized carry of closed positions and estimated carry of
// live ones, marked at the oracle price when one is available.
func (l *Ledger) Summary(ctx context.Context) PnLSummary {
	now := l.now()
	summary := PnLSummary{Realized: decimal.Zero, Unrealized: decimal.Zero}

	for _, pos := range l.Positions() {
		switch pos.Status {
		case models.PositionClosed:
			summary.Closed++
			summary.Realized = summary.Realized.Add(pos.NetPnL)
			continue
		case models.PositionClosing:
			summary.Closing++
		default:
			summary.Active++
		}

		notional := pos.Notional()
		if l.prices != nil {
			if p, ok := l.prices.GetPrice(ctx, pos.Symbol); ok {
				notional = pos.Size.Mul(p.Value)
			}
		}
		summary.Unrealized = summary.Unrealized.Add(carry(notional, pos.ExpectedReturn, now.Sub(pos.EntryTime)))
	}
	summary.Total = summary.Realized.Add(summary.Unrealized)
	return summary
}

// carry estimates funding collected on notional at an annual rate over held.
func carry(notional decimal.Decimal, annualRate float64, held time.Duration) decimal.Decimal {
	if held <= 0 {
		return decimal.Zero
	}
	return notional.
		Mul(decimal.NewFromFloat(annualRate)).
		Mul(decimal.NewFromInt(int64(held))).
		Div(year).
		Round(8)
}

func (l *Ledger) emit(ctx context.Context, event string, pos models.ArbitragePosition) {
	if l.sink != nil {
		l.sink.RecordPosition(ctx, event, pos)
	}
}
