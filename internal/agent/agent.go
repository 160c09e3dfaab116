// Package agent is the narrow command adapter a host framework calls. Each
// Command maps to one decision-core operation and always yields a Result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/internal/arbitrage"
	"hedgeflow/internal/execution"
	"hedgeflow/internal/liquidity"
	"hedgeflow/internal/risk"
	"hedgeflow/internal/venue"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const component = "agent"

const (
	ActionPrice     = "price"
	ActionFunding   = "funding"
	ActionScan      = "scan"
	ActionOpen      = "open"
	ActionClose     = "close"
	ActionPositions = "positions"
	ActionPnL       = "pnl"
	ActionInitRange = "init_range"
	ActionRebalance = "rebalance"
	ActionEscape    = "escape"
	ActionRisk      = "risk"
	ActionHedge     = "hedge"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrUnavailable     = errors.New("action not available")
	ErrMissingArgument = errors.New("missing argument")
	ErrNoPrice         = errors.New("no price available")
	ErrNoOpportunity   = errors.New("no opportunity above threshold")
)

// Command is one structured request. Only the fields relevant to Action are
// read.
type Command struct {
	Action      string                       `json:"action"`
	Symbol      string                       `json:"symbol,omitempty"`
	ID          string                       `json:"id,omitempty"`
	TokenA      string                       `json:"token_a,omitempty"`
	TokenB      string                       `json:"token_b,omitempty"`
	Price       decimal.Decimal              `json:"price"`
	Min         decimal.Decimal              `json:"min"`
	Max         decimal.Decimal              `json:"max"`
	Amount      decimal.Decimal              `json:"amount"`
	Fee         decimal.Decimal              `json:"fee"`
	Slippage    decimal.Decimal              `json:"slippage"`
	Threshold   float64                      `json:"threshold,omitempty"`
	Hours       float64                      `json:"hours,omitempty"`
	Preference  string                       `json:"preference,omitempty"`
	Execute     bool                         `json:"execute,omitempty"`
	Opportunity *models.ArbitrageOpportunity `json:"opportunity,omitempty"`
}

// Result codes classify a failed command.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeUnavailable     = "unavailable"
	CodeFailed          = "failed"
)

type Result struct {
	Action string      `json:"action"`
	OK     bool        `json:"ok"`
	Code   string      `json:"code,omitempty"`
	Error  string      `json:"error,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// HedgeDecision is the outcome of risk scoring plus strategy selection.
type HedgeDecision struct {
	Symbol   string                    `json:"symbol"`
	Risk     models.ILRiskMetrics      `json:"risk"`
	Strategy models.ProtectionStrategy `json:"strategy"`
	Venue    string                    `json:"venue,omitempty"`
	TxHash   string                    `json:"tx_hash,omitempty"`
	Error    string                    `json:"error,omitempty"`
	At       time.Time                 `json:"at"`
}

type EscapeResult struct {
	Escaped bool                    `json:"escaped"`
	Signal  *liquidity.EscapeSignal `json:"signal,omitempty"`
	Hedge   *HedgeDecision          `json:"hedge,omitempty"`
}

type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (models.Price, bool)
}

type FundingSource interface {
	GetFundingRates(ctx context.Context, asset string) []models.FundingRate
}

type OpportunityScanner interface {
	ScanOpportunities(ctx context.Context) ([]models.ArbitrageOpportunity, error)
	Evaluate(ctx context.Context, symbol string) (models.ArbitrageOpportunity, bool)
}

type PositionLedger interface {
	Open(ctx context.Context, opp models.ArbitrageOpportunity) (models.ArbitragePosition, error)
	Close(ctx context.Context, id string) (models.ArbitragePosition, error)
	Positions() []models.ArbitragePosition
	Summary(ctx context.Context) arbitrage.PnLSummary
}

type RangeManager interface {
	InitPosition(ctx context.Context, symbol string, min, max, amount decimal.Decimal) error
	Rebalance(ctx context.Context, symbol string, newPrice, fee, slippage decimal.Decimal, threshold float64) (*models.LiquidityRange, error)
	HandleEscape(ctx context.Context, symbol string, price decimal.Decimal) (liquidity.EscapeSignal, bool)
	Range(symbol string) (models.LiquidityRange, bool)
}

type RiskModel interface {
	CalculateRisk(pos models.LiquidityPosition) models.ILRiskMetrics
}

type StrategySelector interface {
	SelectStrategy(ctx context.Context, m models.ILRiskMetrics, preference string) (models.ProtectionStrategy, error)
}

type HedgeVenues interface {
	DefaultExecutor(ctx context.Context) (execution.PerpExecutor, venue.Venue, error)
}

// Deps holds the collaborators. A nil field disables the actions using it.
type Deps struct {
	Prices   PriceSource
	Funding  FundingSource
	Scanner  OpportunityScanner
	Ledger   PositionLedger
	Ranges   RangeManager
	Risk     RiskModel
	Selector StrategySelector
	Venues   HedgeVenues
}

type Agent struct {
	deps        Deps
	stableToken string
	now         func() time.Time
	log         *logger.Log

	mu     sync.Mutex
	hedges map[string]HedgeDecision
}

type Option func(*Agent)

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithLogger(log *logger.Log) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

func New(deps Deps, stableToken string, opts ...Option) *Agent {
	if stableToken == "" {
		stableToken = "USDC"
	}
	a := &Agent{
		deps:        deps,
		stableToken: strings.ToUpper(stableToken),
		now:         time.Now,
		log:         logger.GetLogger(),
		hedges:      make(map[string]HedgeDecision),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle runs one command. Failures are reported in the Result, never
// returned or panicked.
func (a *Agent) Handle(ctx context.Context, cmd Command) (res Result) {
	action := strings.ToLower(strings.TrimSpace(cmd.Action))
	cmd.Symbol = strings.ToUpper(strings.TrimSpace(cmd.Symbol))
	log := a.log.WithComponent(component).WithFields(logger.Fields{"action": action, "symbol": cmd.Symbol})
	start := a.now()

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("command panicked")
			res = Result{Action: action, Code: CodeFailed, Error: fmt.Sprintf("internal error: %v", r)}
		}
		fields := logger.Fields{"ok": res.OK}
		if res.Error != "" {
			fields["error"] = res.Error
		}
		logger.LogPerformanceEntry(log, component, action, a.now().Sub(start), fields)
	}()

	data, err := a.dispatch(ctx, action, cmd)
	if err != nil {
		return Result{Action: action, Code: Classify(err), Error: err.Error()}
	}
	return Result{Action: action, OK: true, Data: data}
}

func (a *Agent) dispatch(ctx context.Context, action string, cmd Command) (interface{}, error) {
	switch action {
	case ActionPrice:
		return a.price(ctx, cmd)
	case ActionFunding:
		return a.funding(ctx, cmd)
	case ActionScan:
		if a.deps.Scanner == nil {
			return nil, unavailable(action)
		}
		return a.deps.Scanner.ScanOpportunities(ctx)
	case ActionOpen:
		return a.open(ctx, cmd)
	case ActionClose:
		if a.deps.Ledger == nil {
			return nil, unavailable(action)
		}
		if cmd.ID == "" {
			return nil, missing("id")
		}
		return a.deps.Ledger.Close(ctx, cmd.ID)
	case ActionPositions:
		if a.deps.Ledger == nil {
			return nil, unavailable(action)
		}
		return a.deps.Ledger.Positions(), nil
	case ActionPnL:
		if a.deps.Ledger == nil {
			return nil, unavailable(action)
		}
		return a.deps.Ledger.Summary(ctx), nil
	case ActionInitRange:
		return a.initRange(ctx, cmd)
	case ActionRebalance:
		return a.rebalance(ctx, cmd)
	case ActionEscape:
		return a.escape(ctx, cmd)
	case ActionRisk:
		if a.deps.Risk == nil {
			return nil, unavailable(action)
		}
		pos, err := a.position(cmd)
		if err != nil {
			return nil, err
		}
		return a.deps.Risk.CalculateRisk(pos), nil
	case ActionHedge:
		return a.hedge(ctx, cmd)
	default:
		return nil, fmt.Errorf("%q: %w", action, ErrUnknownAction)
	}
}

// Classify maps an error from any collaborator to a result code.
func Classify(err error) string {
	switch {
	case anyOf(err, ErrUnknownAction, ErrMissingArgument, arbitrage.ErrInvalidOpportunity,
		liquidity.ErrInvalidRange, liquidity.ErrInvalidPrice, liquidity.ErrInvalidThreshold,
		risk.ErrUnknownPreference, risk.ErrUnknownRiskLevel, venue.ErrUnknownPreference):
		return CodeInvalidArgument
	case anyOf(err, ErrNoPrice, ErrNoOpportunity, arbitrage.ErrPositionNotFound,
		liquidity.ErrUnknownSymbol, liquidity.ErrPriceUnavailable):
		return CodeNotFound
	case anyOf(err, arbitrage.ErrActivePositionExists, arbitrage.ErrPositionClosed, arbitrage.ErrCloseInProgress):
		return CodeConflict
	case anyOf(err, ErrUnavailable, venue.ErrVenueNotConfigured, liquidity.ErrPlacerNotAvailable):
		return CodeUnavailable
	default:
		return CodeFailed
	}
}

func anyOf(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func unavailable(action string) error {
	return fmt.Errorf("%s: %w", action, ErrUnavailable)
}

func missing(arg string) error {
	return fmt.Errorf("%s: %w", arg, ErrMissingArgument)
}

func (a *Agent) price(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Prices == nil {
		return nil, unavailable(ActionPrice)
	}
	if cmd.Symbol == "" {
		return nil, missing("symbol")
	}
	price, ok := a.deps.Prices.GetPrice(ctx, cmd.Symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", cmd.Symbol, ErrNoPrice)
	}
	return price, nil
}

func (a *Agent) funding(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Funding == nil {
		return nil, unavailable(ActionFunding)
	}
	if cmd.Symbol == "" {
		return nil, missing("symbol")
	}
	rates := a.deps.Funding.GetFundingRates(ctx, cmd.Symbol)
	if rates == nil {
		rates = []models.FundingRate{}
	}
	return rates, nil
}

// open uses the supplied opportunity or evaluates the symbol afresh.
func (a *Agent) open(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Ledger == nil {
		return nil, unavailable(ActionOpen)
	}
	var opp models.ArbitrageOpportunity
	switch {
	case cmd.Opportunity != nil:
		opp = *cmd.Opportunity
	case cmd.Symbol == "":
		return nil, missing("symbol")
	case a.deps.Scanner == nil:
		return nil, unavailable(ActionOpen)
	default:
		var ok bool
		if opp, ok = a.deps.Scanner.Evaluate(ctx, cmd.Symbol); !ok {
			return nil, fmt.Errorf("%s: %w", cmd.Symbol, ErrNoOpportunity)
		}
	}
	return a.deps.Ledger.Open(ctx, opp)
}

func (a *Agent) initRange(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Ranges == nil {
		return nil, unavailable(ActionInitRange)
	}
	if cmd.Symbol == "" {
		return nil, missing("symbol")
	}
	if err := a.deps.Ranges.InitPosition(ctx, cmd.Symbol, cmd.Min, cmd.Max, cmd.Amount); err != nil {
		return nil, err
	}
	r, _ := a.deps.Ranges.Range(cmd.Symbol)
	return r, nil
}

func (a *Agent) rebalance(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Ranges == nil {
		return nil, unavailable(ActionRebalance)
	}
	if cmd.Symbol == "" {
		return nil, missing("symbol")
	}
	r, err := a.deps.Ranges.Rebalance(ctx, cmd.Symbol, cmd.Price, cmd.Fee, cmd.Slippage, cmd.Threshold)
	if err != nil {
		return nil, err
	}
	if r == nil {
		current, _ := a.deps.Ranges.Range(cmd.Symbol)
		return map[string]interface{}{"rebalanced": false, "range": current}, nil
	}
	return map[string]interface{}{"rebalanced": true, "range": *r}, nil
}

// escape runs raw-bound detection. When the range manager reports an escape
// its handler (OnEscape) has already stored a hedge decision for the symbol.
func (a *Agent) escape(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Ranges == nil {
		return nil, unavailable(ActionEscape)
	}
	if cmd.Symbol == "" {
		return nil, missing("symbol")
	}
	signal, escaped := a.deps.Ranges.HandleEscape(ctx, cmd.Symbol, cmd.Price)
	if !escaped {
		return EscapeResult{}, nil
	}
	out := EscapeResult{Escaped: true, Signal: &signal}
	if d, ok := a.LastHedge(cmd.Symbol); ok {
		out.Hedge = &d
	}
	return out, nil
}

// position builds the risk model input from a command. Hours backdates the
// opening time.
func (a *Agent) position(cmd Command) (models.LiquidityPosition, error) {
	tokenA := strings.ToUpper(strings.TrimSpace(cmd.TokenA))
	if tokenA == "" {
		tokenA = cmd.Symbol
	}
	if tokenA == "" {
		return models.LiquidityPosition{}, missing("token_a")
	}
	tokenB := strings.ToUpper(strings.TrimSpace(cmd.TokenB))
	if tokenB == "" {
		tokenB = a.stableToken
	}
	pos := models.LiquidityPosition{
		TokenA:       tokenA,
		TokenB:       tokenB,
		Value:        cmd.Amount,
		CurrentPrice: cmd.Price,
	}
	if cmd.Hours > 0 {
		pos.OpenedAt = a.now().Add(-time.Duration(cmd.Hours * float64(time.Hour)))
	}
	return pos, nil
}

func (a *Agent) hedge(ctx context.Context, cmd Command) (interface{}, error) {
	if a.deps.Risk == nil || a.deps.Selector == nil {
		return nil, unavailable(ActionHedge)
	}
	pos, err := a.position(cmd)
	if err != nil {
		return nil, err
	}
	d, err := a.decide(ctx, pos, cmd.Preference)
	if err != nil {
		return nil, err
	}
	if cmd.Execute {
		if err := a.execute(ctx, &d, cmd.Amount); err != nil {
			return nil, err
		}
	}
	a.remember(d)
	return d, nil
}

func (a *Agent) decide(ctx context.Context, pos models.LiquidityPosition, preference string) (HedgeDecision, error) {
	m := a.deps.Risk.CalculateRisk(pos)
	strategy, err := a.deps.Selector.SelectStrategy(ctx, m, preference)
	if err != nil {
		return HedgeDecision{}, err
	}
	return HedgeDecision{Symbol: pos.TokenA, Risk: m, Strategy: strategy, At: a.now()}, nil
}

// execute opens a short perp of amount × hedge ratio on the resolved venue.
// REBALANCE_ONLY places no hedge; an options collar has no executor.
func (a *Agent) execute(ctx context.Context, d *HedgeDecision, amount decimal.Decimal) error {
	switch d.Strategy.Type {
	case models.StrategyPerpHedge:
	case models.StrategyRebalanceOnly:
		return nil
	default:
		return unavailable(strings.ToLower(string(d.Strategy.Type)) + " execution")
	}
	if !amount.IsPositive() {
		return missing("amount")
	}
	if a.deps.Venues == nil {
		return unavailable("hedge execution")
	}
	exec, v, err := a.deps.Venues.DefaultExecutor(ctx)
	if err != nil {
		return err
	}
	size := amount.Mul(decimal.NewFromFloat(d.Strategy.HedgeRatio))
	hash, err := exec.OpenPerpPosition(ctx, d.Symbol, size, models.SideShort, 1)
	if hash, err = execution.Confirm(string(v), "open_perp_position", hash, err); err != nil {
		return err
	}
	d.Venue = string(v)
	d.TxHash = hash.Hex()
	return nil
}

// OnEscape is the range manager's escape handler: score the position that
// left its band and pick a fallback hedge.
func (a *Agent) OnEscape(ctx context.Context, signal liquidity.EscapeSignal) {
	log := a.log.WithComponent(component).WithFields(logger.Fields{
		"symbol":    signal.Symbol,
		"direction": signal.Direction,
		"price":     signal.Price.String(),
	})
	if a.deps.Risk == nil || a.deps.Selector == nil {
		log.Warn("range escaped but no hedge selector is configured")
		return
	}

	mid := signal.Range.Min.Add(signal.Range.Max).Div(decimal.NewFromInt(2))
	pos := models.LiquidityPosition{
		TokenA:       signal.Symbol,
		TokenB:       a.stableToken,
		Value:        signal.Range.Amount,
		EntryPrice:   mid,
		CurrentPrice: signal.Price,
		OpenedAt:     signal.Range.UpdatedAt,
	}
	d, err := a.decide(ctx, pos, "")
	if err != nil {
		d = HedgeDecision{Symbol: signal.Symbol, Error: err.Error(), At: a.now()}
		log.WithError(err).Error("fallback hedge selection failed")
	} else {
		log.WithFields(logger.Fields{
			"strategy":   string(d.Strategy.Type),
			"risk_level": string(d.Risk.RiskLevel),
		}).Warn("range escaped, fallback hedge selected")
	}
	a.remember(d)
}

func (a *Agent) remember(d HedgeDecision) {
	a.mu.Lock()
	a.hedges[d.Symbol] = d
	a.mu.Unlock()
}

// LastHedge returns the most recent hedge decision for symbol.
func (a *Agent) LastHedge(symbol string) (HedgeDecision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.hedges[strings.ToUpper(symbol)]
	return d, ok
}
