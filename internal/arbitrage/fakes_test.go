package arbitrage

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"hedgeflow/internal/execution"
	"hedgeflow/models"
)

type fakeRates struct {
	rates map[string][]models.FundingRate
	block bool
	panic map[string]bool
}

func (f *fakeRates) GetFundingRates(ctx context.Context, asset string) []models.FundingRate {
	if f.block {
		<-ctx.Done()
		return nil
	}
	if f.panic[asset] {
		panic("venue client exploded")
	}
	return f.rates[asset]
}

type fakePrices map[string]string

func (f fakePrices) GetPrice(_ context.Context, symbol string) (models.Price, bool) {
	v, ok := f[symbol]
	if !ok {
		return models.Price{}, false
	}
	return models.Price{Symbol: symbol, Value: decimal.RequireFromString(v), Timestamp: time.Now(), Confidence: 1}, true
}

type fakePerp struct {
	mu       sync.Mutex
	opens    int
	closes   int
	openErr  error
	closeErr error
	zeroHash bool
	delay    time.Duration
	lastSide models.Side
	lastSize decimal.Decimal
}

func (f *fakePerp) OpenPerpPosition(_ context.Context, symbol string, size decimal.Decimal, side models.Side, _ float64) (common.Hash, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.lastSide = side
	f.lastSize = size
	if f.openErr != nil {
		return common.Hash{}, f.openErr
	}
	if f.zeroHash {
		return common.Hash{}, nil
	}
	return crypto.Keccak256Hash([]byte("open" + symbol)), nil
}

func (f *fakePerp) ClosePerpPosition(_ context.Context, symbol string, _ *decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closeErr != nil {
		return common.Hash{}, f.closeErr
	}
	return crypto.Keccak256Hash([]byte("close" + symbol)), nil
}

type fakeSwap struct {
	mu       sync.Mutex
	requests []execution.SwapRequest
	err      error
}

func (f *fakeSwap) ExecuteSwap(_ context.Context, req execution.SwapRequest) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return crypto.Keccak256Hash([]byte(req.TokenIn + req.TokenOut)), nil
}

type recordedEvent struct {
	event string
	pos   models.ArbitragePosition
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
	opps   [][]models.ArbitrageOpportunity
}

func (r *recordingSink) RecordPosition(_ context.Context, event string, pos models.ArbitragePosition) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{event, pos})
	r.mu.Unlock()
}

func (r *recordingSink) RecordOpportunities(_ context.Context, opps []models.ArbitrageOpportunity) {
	r.mu.Lock()
	r.opps = append(r.opps, opps)
	r.mu.Unlock()
}

func (r *recordingSink) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.event)
	}
	return names
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return "pos-" + strconv.FormatInt(n.Add(1), 10)
	}
}
