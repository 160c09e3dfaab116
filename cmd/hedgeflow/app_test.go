package main

import (
	"context"
	"testing"

	"hedgeflow/config"
	"hedgeflow/internal/agent"
	"hedgeflow/logger"
	"hedgeflow/models"
)

func TestNewAppWiresCore(t *testing.T) {
	cfg := config.Default()
	cfg.Venue.Geography = "EU"

	a, err := newApp(context.Background(), &cfg, logger.Logger())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	if got := a.funding.Venues(); len(got) != 4 {
		t.Fatalf("funding venues = %v", got)
	}
	if got := a.oracle.Sources(); len(got) != 1 || got[0] != "binance-spot" {
		t.Fatalf("oracle sources = %v", got)
	}

	res := a.agent.Handle(context.Background(), agent.Command{Action: agent.ActionHedge, TokenA: "SEI", TokenB: "USDC", Hours: 24})
	if !res.OK {
		t.Fatalf("hedge = %+v", res)
	}
	d := res.Data.(agent.HedgeDecision)
	if d.Strategy.Type != models.StrategyPerpHedge || d.Strategy.Provider != "onchain" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestNewAppRejectsEmptyOracle(t *testing.T) {
	cfg := config.Default()
	cfg.Oracle.CEX.Enabled = false
	if _, err := newApp(context.Background(), &cfg, logger.Logger()); err == nil {
		t.Fatal("expected error with no price sources")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd(context.Background())
	for _, name := range []string{"serve", "price", "funding", "scan", "risk"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %s not registered: %v", name, err)
		}
	}
	risk, _, _ := root.Find([]string{"risk"})
	if f := risk.Flags().Lookup("hours"); f == nil || f.DefValue != "24" {
		t.Fatal("risk --hours flag missing")
	}
}
