package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"hedgeflow/config"
	"hedgeflow/internal/agent"
	"hedgeflow/internal/api"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(ctx).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(ctx context.Context) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "hedgeflow",
		Short:        "Funding arbitrage, liquidity range and hedge decisions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yml", "path to configuration file")

	// setup loads configuration and wires the core for one subcommand.
	setup := func() (*app, error) {
		log := logger.GetLogger()
		cfg, err := config.LoadConfig(config.ResolveConfigPath(configPath))
		if err != nil {
			return nil, err
		}
		if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
			return nil, fmt.Errorf("configure logger: %w", err)
		}
		log.WithFields(logger.Fields{
			"service":     cfg.App.Name,
			"version":     cfg.App.Version,
			"environment": config.AppEnvironment(),
		}).Info("starting hedgeflow")
		return newApp(ctx, cfg, log)
	}

	root.AddCommand(
		serveCmd(ctx, setup),
		oneShotCmd(ctx, setup, "price SYMBOL", "Resolve one trustworthy price", agent.ActionPrice),
		oneShotCmd(ctx, setup, "funding SYMBOL", "Annualized funding rates per venue", agent.ActionFunding),
		scanCmd(ctx, setup),
		riskCmd(ctx, setup),
	)
	return root
}

func printResult(res agent.Result) error {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !res.OK {
		return fmt.Errorf("%s: %s", res.Action, res.Error)
	}
	return nil
}

func oneShotCmd(ctx context.Context, setup func() (*app, error), use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			return printResult(a.agent.Handle(ctx, agent.Command{Action: action, Symbol: args[0]}))
		},
	}
}

func scanCmd(ctx context.Context, setup func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Rank funding arbitrage opportunities across venues",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			return printResult(a.agent.Handle(ctx, agent.Command{Action: agent.ActionScan}))
		},
	}
}

func riskCmd(ctx context.Context, setup func() (*app, error)) *cobra.Command {
	var (
		hours      float64
		preference string
	)
	cmd := &cobra.Command{
		Use:   "risk TOKEN_A TOKEN_B",
		Short: "Score impermanent-loss risk and select a protection strategy",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			return printResult(a.agent.Handle(ctx, agent.Command{
				Action:     agent.ActionHedge,
				TokenA:     args[0],
				TokenB:     args[1],
				Hours:      hours,
				Preference: preference,
			}))
		},
	}
	cmd.Flags().Float64Var(&hours, "hours", 24, "hours the position has been held")
	cmd.Flags().StringVar(&preference, "preference", "", "conservative, balanced, aggressive or options")
	return cmd
}

func serveCmd(ctx context.Context, setup func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic scan loop",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log := a.log.WithComponent("main")

	if a.cfg.Metrics.Prometheus {
		metrics.Init()
	}
	metrics.Configure(a.cfg.Metrics)
	if a.cfg.Metrics.CloudWatch.Enabled {
		cw := a.cfg.Metrics.CloudWatch
		metrics.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	if err := a.journal.Start(ctx); err != nil {
		return fmt.Errorf("start journal: %w", err)
	}

	srv, err := api.NewServer(a.cfg.Server, a.agent, a.log)
	if err != nil {
		return err
	}
	// errCh stays nil without a server so its select case never fires.
	var errCh chan error
	if srv != nil {
		errCh = make(chan error, 1)
		go func() { errCh <- srv.Run(ctx) }()
	}

	interval := a.cfg.Arbitrage.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithFields(logger.Fields{
		"scan_interval": interval.String(),
		"address":       srv.Address(),
	}).Info("hedgeflow serving")
	a.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			if errCh == nil {
				return nil
			}
			return <-errCh
		case err := <-errCh:
			if err != nil {
				log.WithError(err).Error("HTTP server stopped")
			}
			return err
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}
