package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	"hedgeflow/config"
	"hedgeflow/logger"
)

// NewFromConfig wires the enabled sources in their fixed priority order:
// primary feed, multi-oracle composite, Pyth, CEX. The returned closer
// releases the RPC connection when one was opened.
func NewFromConfig(ctx context.Context, cfg config.OracleConfig, log *logger.Log) (*Aggregator, func(), error) {
	if log == nil {
		log = logger.GetLogger()
	}
	closer := func() {}
	var sources []Source

	if cfg.PrimaryFeed.Enabled {
		if cfg.PrimaryFeed.URL == "" {
			return nil, closer, fmt.Errorf("oracle.primary_feed.url is required when enabled")
		}
		sources = append(sources, NewPrimaryFeed(cfg.PrimaryFeed.URL, cfg.PrimaryFeed.Timeout))
	}

	if cfg.MultiOracle.Enabled {
		client, err := ethclient.DialContext(ctx, cfg.MultiOracle.RPCURL)
		if err != nil {
			return nil, closer, fmt.Errorf("dial oracle rpc: %w", err)
		}
		closer = client.Close

		members, err := multiOracleMembers(client, cfg.MultiOracle.Feeds)
		if err != nil {
			client.Close()
			return nil, func() {}, err
		}
		sources = append(sources, NewMultiOracle(cfg.MaxPriceAge, members...))
	}

	if cfg.Pyth.Enabled {
		sources = append(sources, NewPyth(cfg.Pyth.URL, cfg.Pyth.PriceIDs, cfg.Pyth.Timeout))
	}

	if cfg.CEX.Enabled {
		sources = append(sources, NewCEX(cfg.CEX.URL, cfg.CEX.Timeout))
	}

	if len(sources) == 0 {
		return nil, closer, fmt.Errorf("no price sources enabled")
	}

	agg := NewAggregator(cfg, sources, WithLogger(log))
	log.WithComponent(component).WithFields(logger.Fields{
		"sources": strings.Join(agg.Sources(), ","),
		"ttl":     cfg.RefreshInterval.String(),
	}).Info("price oracle configured")
	return agg, closer, nil
}

// multiOracleMembers turns per-symbol contract lists into ordered members:
// member i reads the i-th contract configured for each symbol.
func multiOracleMembers(caller ContractCaller, feeds map[string][]string) ([]Source, error) {
	depth := 0
	for _, addrs := range feeds {
		if len(addrs) > depth {
			depth = len(addrs)
		}
	}

	members := make([]Source, 0, depth)
	for i := 0; i < depth; i++ {
		slot := make(map[string]string)
		for symbol, addrs := range feeds {
			if i < len(addrs) {
				slot[symbol] = addrs[i]
			}
		}
		member, err := NewChainlink(fmt.Sprintf("oracle-%d", i+1), caller, slot)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}
