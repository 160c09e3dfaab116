package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hedgeflow/config"
	"hedgeflow/internal/arbitrage"
	"hedgeflow/internal/execution"
	"hedgeflow/internal/liquidity"
	"hedgeflow/internal/risk"
	"hedgeflow/internal/venue"
	"hedgeflow/models"
)

var testNow = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type fakePrices map[string]models.Price

func (f fakePrices) GetPrice(_ context.Context, symbol string) (models.Price, bool) {
	p, ok := f[symbol]
	return p, ok
}

type fakeFunding map[string][]models.FundingRate

func (f fakeFunding) GetFundingRates(_ context.Context, asset string) []models.FundingRate {
	return f[asset]
}

type fakeScanner struct {
	opps []models.ArbitrageOpportunity
	err  error
}

func (f *fakeScanner) ScanOpportunities(context.Context) ([]models.ArbitrageOpportunity, error) {
	return f.opps, f.err
}

func (f *fakeScanner) Evaluate(_ context.Context, symbol string) (models.ArbitrageOpportunity, bool) {
	for _, o := range f.opps {
		if o.Symbol == symbol {
			return o, true
		}
	}
	return models.ArbitrageOpportunity{}, false
}

type fakeLedger struct {
	mu     sync.Mutex
	opened []models.ArbitrageOpportunity
	closed []string
	err    error
}

func (f *fakeLedger) Open(_ context.Context, opp models.ArbitrageOpportunity) (models.ArbitragePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.ArbitragePosition{}, f.err
	}
	f.opened = append(f.opened, opp)
	return models.ArbitragePosition{ID: "pos-1", Symbol: opp.Symbol, Status: models.PositionActive}, nil
}

func (f *fakeLedger) Close(_ context.Context, id string) (models.ArbitragePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "pos-1" {
		return models.ArbitragePosition{}, arbitrage.ErrPositionNotFound
	}
	f.closed = append(f.closed, id)
	return models.ArbitragePosition{ID: id, Status: models.PositionClosed}, nil
}

func (f *fakeLedger) Positions() []models.ArbitragePosition {
	return []models.ArbitragePosition{{ID: "pos-1", Symbol: "ETH"}}
}

func (f *fakeLedger) Summary(context.Context) arbitrage.PnLSummary {
	return arbitrage.PnLSummary{Active: 1, Total: decimal.NewFromInt(10)}
}

type recordingPerp struct {
	mu     sync.Mutex
	symbol string
	size   decimal.Decimal
	side   models.Side
}

func (r *recordingPerp) OpenPerpPosition(_ context.Context, symbol string, size decimal.Decimal, side models.Side, _ float64) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbol, r.size, r.side = symbol, size, side
	return common.HexToHash("0x01"), nil
}

func (r *recordingPerp) ClosePerpPosition(context.Context, string, *decimal.Decimal) (common.Hash, error) {
	return common.HexToHash("0x02"), nil
}

type harness struct {
	agent  *Agent
	ledger *fakeLedger
	ranges *liquidity.Manager
	perp   *recordingPerp
}

func newHarness(venueCfg config.VenueConfig) *harness {
	perp := &recordingPerp{}
	router := venue.NewRouter(venueCfg, venue.WithExecutor(venue.Onchain, perp))
	riskCfg := config.RiskConfig{ILVolatilityFactor: 0.1, FundingCostEstimate: 0.1, CollarCostEstimate: 0.05, RebalanceCost: 0.002}
	ranges := liquidity.NewManager(config.LiquidityConfig{DefaultVolatility: 0.1, Threshold: 0.02}, execution.NewPaper("onchain"), liquidity.WithClock(clock))
	ledger := &fakeLedger{}

	a := New(Deps{
		Prices: fakePrices{"ETH": {Symbol: "ETH", Value: decimal.NewFromInt(2000), Source: models.SourceCEX}},
		Funding: fakeFunding{"ETH": {
			{Exchange: "binance", Symbol: "ETH", Rate: 0.1},
			{Exchange: "bybit", Symbol: "ETH", Rate: 0.05},
		}},
		Scanner:  &fakeScanner{opps: []models.ArbitrageOpportunity{{Symbol: "ETH", ExpectedReturn: 0.2}}},
		Ledger:   ledger,
		Ranges:   ranges,
		Risk:     risk.NewModel(riskCfg, risk.WithModelClock(clock)),
		Selector: risk.NewSelector(riskCfg, router, nil),
		Venues:   router,
	}, "usdc", WithClock(clock))
	ranges.SetEscapeHandler(a.OnEscape)
	return &harness{agent: a, ledger: ledger, ranges: ranges, perp: perp}
}

func TestHandleReadActions(t *testing.T) {
	h := newHarness(config.VenueConfig{Geography: "EU"})
	ctx := context.Background()

	res := h.agent.Handle(ctx, Command{Action: "price", Symbol: "eth"})
	if !res.OK || res.Data.(models.Price).Value.String() != "2000" {
		t.Fatalf("price result = %+v", res)
	}
	res = h.agent.Handle(ctx, Command{Action: "FUNDING", Symbol: "ETH"})
	if !res.OK || len(res.Data.([]models.FundingRate)) != 2 {
		t.Fatalf("funding result = %+v", res)
	}
	res = h.agent.Handle(ctx, Command{Action: "funding", Symbol: "DOGE"})
	if !res.OK || len(res.Data.([]models.FundingRate)) != 0 {
		t.Fatalf("funding for unknown asset = %+v", res)
	}
	res = h.agent.Handle(ctx, Command{Action: "scan"})
	if !res.OK || len(res.Data.([]models.ArbitrageOpportunity)) != 1 {
		t.Fatalf("scan result = %+v", res)
	}
	res = h.agent.Handle(ctx, Command{Action: "positions"})
	if !res.OK {
		t.Fatalf("positions result = %+v", res)
	}
	res = h.agent.Handle(ctx, Command{Action: "pnl"})
	if !res.OK || res.Data.(arbitrage.PnLSummary).Active != 1 {
		t.Fatalf("pnl result = %+v", res)
	}
}

func TestHandleErrors(t *testing.T) {
	h := newHarness(config.VenueConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"unknown action", Command{Action: "teleport"}, "unknown action"},
		{"price without symbol", Command{Action: "price"}, "missing argument"},
		{"price unavailable", Command{Action: "price", Symbol: "BTC"}, "no price available"},
		{"close without id", Command{Action: "close"}, "missing argument"},
		{"close unknown", Command{Action: "close", ID: "nope"}, "position not found"},
		{"open without opportunity", Command{Action: "open", Symbol: "SOL"}, "no opportunity"},
		{"bad range", Command{Action: "init_range", Symbol: "ETH", Min: decimal.NewFromInt(5), Max: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)}, "range requires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.agent.Handle(ctx, tt.cmd)
			if res.OK || !strings.Contains(res.Error, tt.want) {
				t.Fatalf("result = %+v, want error containing %q", res, tt.want)
			}
		})
	}
}

func TestHandleUnavailableActions(t *testing.T) {
	a := New(Deps{}, "")
	for _, action := range []string{"price", "funding", "scan", "open", "close", "positions", "pnl", "init_range", "rebalance", "escape", "risk", "hedge"} {
		res := a.Handle(context.Background(), Command{Action: action, Symbol: "ETH", ID: "x", TokenA: "ETH"})
		if res.OK || !strings.Contains(res.Error, ErrUnavailable.Error()) {
			t.Fatalf("%s: result = %+v", action, res)
		}
	}
}

func TestOpenEvaluatesSymbolOrUsesGivenOpportunity(t *testing.T) {
	h := newHarness(config.VenueConfig{})
	ctx := context.Background()

	res := h.agent.Handle(ctx, Command{Action: "open", Symbol: "eth"})
	if !res.OK {
		t.Fatalf("open result = %+v", res)
	}
	res = h.agent.Handle(ctx, Command{Action: "open", Opportunity: &models.ArbitrageOpportunity{Symbol: "BTC"}})
	if !res.OK {
		t.Fatalf("open with opportunity = %+v", res)
	}
	if len(h.ledger.opened) != 2 || h.ledger.opened[0].ExpectedReturn != 0.2 || h.ledger.opened[1].Symbol != "BTC" {
		t.Fatalf("ledger opens = %+v", h.ledger.opened)
	}

	h.ledger.err = arbitrage.ErrActivePositionExists
	res = h.agent.Handle(ctx, Command{Action: "open", Symbol: "ETH"})
	if res.OK || !strings.Contains(res.Error, arbitrage.ErrActivePositionExists.Error()) {
		t.Fatalf("duplicate open = %+v", res)
	}
}

func TestRangeLifecycle(t *testing.T) {
	h := newHarness(config.VenueConfig{})
	ctx := context.Background()

	res := h.agent.Handle(ctx, Command{Action: "init_range", Symbol: "ETH", Min: decimal.NewFromInt(1800), Max: decimal.NewFromInt(2200), Amount: decimal.NewFromInt(5)})
	if !res.OK {
		t.Fatalf("init_range = %+v", res)
	}

	res = h.agent.Handle(ctx, Command{Action: "rebalance", Symbol: "ETH", Price: decimal.NewFromInt(2199), Threshold: 0.02})
	data := res.Data.(map[string]interface{})
	if !res.OK || data["rebalanced"] != false {
		t.Fatalf("in-range rebalance = %+v", res)
	}

	res = h.agent.Handle(ctx, Command{Action: "rebalance", Symbol: "ETH", Price: decimal.NewFromInt(2250), Threshold: 0.02})
	data = res.Data.(map[string]interface{})
	r := data["range"].(models.LiquidityRange)
	if !res.OK || data["rebalanced"] != true || !r.Min.Equal(decimal.NewFromInt(2025)) || !r.Max.Equal(decimal.NewFromInt(2475)) {
		t.Fatalf("rebalance = %+v", res)
	}
}

func TestEscapeSelectsFallbackHedge(t *testing.T) {
	h := newHarness(config.VenueConfig{Geography: "EU"})
	ctx := context.Background()
	if err := h.ranges.InitPosition(ctx, "ETH", decimal.NewFromInt(1800), decimal.NewFromInt(2200), decimal.NewFromInt(5)); err != nil {
		t.Fatalf("InitPosition: %v", err)
	}

	res := h.agent.Handle(ctx, Command{Action: "escape", Symbol: "ETH", Price: decimal.NewFromInt(2100)})
	if !res.OK || res.Data.(EscapeResult).Escaped {
		t.Fatalf("in-band escape check = %+v", res)
	}

	res = h.agent.Handle(ctx, Command{Action: "escape", Symbol: "ETH", Price: decimal.NewFromInt(2500)})
	if !res.OK {
		t.Fatalf("escape = %+v", res)
	}
	out := res.Data.(EscapeResult)
	if !out.Escaped || out.Signal.Direction != "above" || out.Hedge == nil {
		t.Fatalf("escape result = %+v", out)
	}
	if out.Hedge.Risk.RiskLevel != models.RiskLevelHigh || out.Hedge.Strategy.Type != models.StrategyPerpHedge {
		t.Fatalf("hedge decision = %+v", out.Hedge)
	}
	if out.Hedge.Strategy.Provider != string(venue.Onchain) {
		t.Fatalf("provider = %q", out.Hedge.Strategy.Provider)
	}
}

func TestEscapeRecordsSelectionFailure(t *testing.T) {
	h := newHarness(config.VenueConfig{Preference: "COINBASE_ONLY"})
	ctx := context.Background()
	_ = h.ranges.InitPosition(ctx, "ETH", decimal.NewFromInt(1800), decimal.NewFromInt(2200), decimal.NewFromInt(5))

	res := h.agent.Handle(ctx, Command{Action: "escape", Symbol: "ETH", Price: decimal.NewFromInt(1000)})
	out := res.Data.(EscapeResult)
	if !out.Escaped || out.Hedge == nil || !strings.Contains(out.Hedge.Error, "venue not configured") {
		t.Fatalf("escape result = %+v", out)
	}
}

func TestRiskAndHedge(t *testing.T) {
	h := newHarness(config.VenueConfig{Geography: "ASIA"})
	ctx := context.Background()

	res := h.agent.Handle(ctx, Command{Action: "risk", TokenA: "sei", Hours: 24})
	m := res.Data.(models.ILRiskMetrics)
	if !res.OK || m.RiskLevel != models.RiskLevelCritical || m.TimeInPosition != 24*time.Hour {
		t.Fatalf("risk = %+v", res)
	}

	res = h.agent.Handle(ctx, Command{Action: "hedge", TokenA: "SEI", Hours: 24, Amount: decimal.NewFromInt(1000), Execute: true})
	if !res.OK {
		t.Fatalf("hedge = %+v", res)
	}
	d := res.Data.(HedgeDecision)
	if d.Strategy.Type != models.StrategyPerpHedge || d.Venue != "onchain" || d.TxHash == "" {
		t.Fatalf("hedge decision = %+v", d)
	}
	if h.perp.symbol != "SEI" || h.perp.side != models.SideShort || !h.perp.size.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("perp call = %s %s %s", h.perp.symbol, h.perp.side, h.perp.size)
	}
	if last, ok := h.agent.LastHedge("sei"); !ok || last.TxHash != d.TxHash {
		t.Fatalf("LastHedge = %+v, %v", last, ok)
	}

	res = h.agent.Handle(ctx, Command{Action: "hedge", TokenA: "SEI", Hours: 24, Execute: true})
	if res.OK || !strings.Contains(res.Error, "amount") {
		t.Fatalf("hedge without amount = %+v", res)
	}
}

func TestHedgeExecutionRejectsOptionsCollar(t *testing.T) {
	h := newHarness(config.VenueConfig{Geography: "EU"})
	res := h.agent.Handle(context.Background(), Command{
		Action:     "hedge",
		TokenA:     "SEI",
		Hours:      24,
		Amount:     decimal.NewFromInt(1000),
		Preference: "options",
		Execute:    true,
	})
	if res.OK || res.Code != CodeUnavailable || !strings.Contains(res.Error, "options_collar execution") {
		t.Fatalf("options collar execution = %+v", res)
	}
	if h.perp.symbol != "" {
		t.Fatalf("perp executor called for an options collar: %s", h.perp.symbol)
	}
	if _, ok := h.agent.LastHedge("SEI"); ok {
		t.Fatal("failed execution should not be remembered")
	}
}

func TestCommandDecodesFromJSON(t *testing.T) {
	var cmd Command
	body := `{"action":"rebalance","symbol":"ETH","price":"2250.5","fee":1.25,"threshold":0.02}`
	if err := json.Unmarshal([]byte(body), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.Price.String() != "2250.5" || cmd.Fee.String() != "1.25" || cmd.Threshold != 0.02 {
		t.Fatalf("decoded = %+v", cmd)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{missing("symbol"), CodeInvalidArgument},
		{fmt.Errorf("wrap: %w", liquidity.ErrInvalidRange), CodeInvalidArgument},
		{arbitrage.ErrPositionNotFound, CodeNotFound},
		{fmt.Errorf("ETH: %w", arbitrage.ErrActivePositionExists), CodeConflict},
		{&venue.ConfigError{Venue: venue.Coinbase, Reason: "x", Err: venue.ErrVenueNotConfigured}, CodeUnavailable},
		{&execution.Error{Collaborator: "perp", Operation: "open", Err: execution.ErrNoTransaction}, CodeFailed},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
