package main

import (
	"context"
	"fmt"

	"hedgeflow/config"
	"hedgeflow/internal/agent"
	"hedgeflow/internal/arbitrage"
	"hedgeflow/internal/execution"
	"hedgeflow/internal/funding"
	"hedgeflow/internal/journal"
	"hedgeflow/internal/liquidity"
	"hedgeflow/internal/oracle"
	"hedgeflow/internal/risk"
	"hedgeflow/internal/venue"
	"hedgeflow/logger"
)

// app is the wired decision core. Execution collaborators are paper
// implementations; real signers plug in through the execution interfaces.
type app struct {
	cfg     *config.Config
	log     *logger.Log
	oracle  *oracle.Aggregator
	funding *funding.Collector
	scanner *arbitrage.Scanner
	ledger  *arbitrage.Ledger
	ranges  *liquidity.Manager
	router  *venue.Router
	journal journal.Sink
	agent   *agent.Agent

	closeOracle func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Log) (*app, error) {
	prices, closeOracle, err := oracle.NewFromConfig(ctx, cfg.Oracle, log)
	if err != nil {
		return nil, fmt.Errorf("build price oracle: %w", err)
	}

	sink, err := journal.NewFromConfig(ctx, cfg.Journal, log)
	if err != nil {
		closeOracle()
		return nil, fmt.Errorf("build journal: %w", err)
	}

	onchain := execution.NewPaper(string(venue.Onchain))
	router := venue.NewRouter(cfg.Venue,
		venue.WithExecutor(venue.Onchain, onchain),
		venue.WithExecutor(venue.Coinbase, execution.NewPaper(string(venue.Coinbase))),
		venue.WithLogger(log),
	)

	rates := funding.NewFromConfig(cfg.Funding, log)
	scanner := arbitrage.NewScanner(cfg.Arbitrage, rates, prices,
		arbitrage.WithOpportunitySink(sink),
		arbitrage.WithScannerLogger(log),
	)
	ledger := arbitrage.NewLedger(onchain, onchain, cfg.Arbitrage.StableToken, cfg.Arbitrage.Leverage,
		arbitrage.WithPositionSink(sink),
		arbitrage.WithPriceSource(prices),
		arbitrage.WithLedgerLogger(log),
	)
	ranges := liquidity.NewManager(cfg.Liquidity, onchain,
		liquidity.WithPriceSource(prices),
		liquidity.WithRangeSink(sink),
		liquidity.WithLogger(log),
	)

	a := agent.New(agent.Deps{
		Prices:   prices,
		Funding:  rates,
		Scanner:  scanner,
		Ledger:   ledger,
		Ranges:   ranges,
		Risk:     risk.NewModel(cfg.Risk),
		Selector: risk.NewSelector(cfg.Risk, router, log),
		Venues:   router,
	}, cfg.Arbitrage.StableToken, agent.WithLogger(log))
	ranges.SetEscapeHandler(a.OnEscape)

	return &app{
		cfg:         cfg,
		log:         log,
		oracle:      prices,
		funding:     rates,
		scanner:     scanner,
		ledger:      ledger,
		ranges:      ranges,
		router:      router,
		journal:     sink,
		agent:       a,
		closeOracle: closeOracle,
	}, nil
}

func (a *app) Close() {
	a.journal.Stop()
	a.closeOracle()
}

// tick runs one scan and refreshes every managed range.
func (a *app) tick(ctx context.Context) {
	log := a.log.WithComponent("scheduler")

	res := a.agent.Handle(ctx, agent.Command{Action: agent.ActionScan})
	if !res.OK {
		log.WithFields(logger.Fields{"error": res.Error}).Warn("scheduled scan failed")
	}

	for _, symbol := range a.ranges.Symbols() {
		if _, err := a.ranges.Refresh(ctx, symbol, 0); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("range refresh failed")
		}
	}
}
