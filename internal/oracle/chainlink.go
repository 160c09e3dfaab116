package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"hedgeflow/models"
)

const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

var aggregatorABI = mustParseABI(aggregatorV3ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse aggregator abi: %v", err))
	}
	return parsed
}

// ContractCaller is the read-only subset of an RPC client. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Chainlink reads AggregatorV3-compatible contracts (Chainlink, API3 dAPI
// proxies and similar).
type Chainlink struct {
	name     string
	caller   ContractCaller
	feeds    map[string]common.Address
	decimals sync.Map // common.Address -> uint8
}

func NewChainlink(name string, caller ContractCaller, feeds map[string]string) (*Chainlink, error) {
	if caller == nil {
		return nil, fmt.Errorf("chainlink source %s needs a contract caller", name)
	}
	parsed := make(map[string]common.Address, len(feeds))
	for symbol, addr := range feeds {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("feed %s: invalid address %q", symbol, addr)
		}
		parsed[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}
	return &Chainlink{name: name, caller: caller, feeds: parsed}, nil
}

func (c *Chainlink) Name() string             { return c.name }
func (c *Chainlink) Kind() models.PriceSource { return models.SourceChainlink }

func (c *Chainlink) FetchPrice(ctx context.Context, symbol string) (models.Price, error) {
	feed, ok := c.feeds[symbol]
	if !ok {
		return models.Price{}, ErrUnsupportedSymbol
	}

	decimals, err := c.feedDecimals(ctx, feed)
	if err != nil {
		return models.Price{}, err
	}

	out, err := c.call(ctx, feed, "latestRoundData")
	if err != nil {
		return models.Price{}, err
	}
	if len(out) != 5 {
		return models.Price{}, fmt.Errorf("latestRoundData returned %d values", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return models.Price{}, fmt.Errorf("unexpected answer type %T", out[1])
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return models.Price{}, fmt.Errorf("unexpected updatedAt type %T", out[3])
	}

	return models.Price{
		Symbol:     symbol,
		Value:      decimal.NewFromBigInt(answer, -int32(decimals)),
		Timestamp:  time.Unix(updatedAt.Int64(), 0).UTC(),
		Source:     models.SourceChainlink,
		Provider:   c.name,
		Confidence: 0.9,
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	if v, ok := c.decimals.Load(feed); ok {
		return v.(uint8), nil
	}
	out, err := c.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals returned %d values", len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	c.decimals.Store(feed, d)
	return d, nil
}

func (c *Chainlink) call(ctx context.Context, feed common.Address, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, feed.Hex(), err)
	}
	out, err := aggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}
