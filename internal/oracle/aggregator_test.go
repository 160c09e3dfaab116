package oracle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"hedgeflow/config"
	"hedgeflow/internal/metrics"
	"hedgeflow/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	name  string
	kind  models.PriceSource
	calls atomic.Int32
	fetch func(ctx context.Context, symbol string) (models.Price, error)
}

func (f *fakeSource) Name() string             { return f.name }
func (f *fakeSource) Kind() models.PriceSource { return f.kind }

func (f *fakeSource) FetchPrice(ctx context.Context, symbol string) (models.Price, error) {
	f.calls.Add(1)
	return f.fetch(ctx, symbol)
}

func fixedSource(name string, kind models.PriceSource, clock *fakeClock, value string) *fakeSource {
	return &fakeSource{name: name, kind: kind, fetch: func(_ context.Context, symbol string) (models.Price, error) {
		return models.Price{Value: decimal.RequireFromString(value), Timestamp: clock.Now(), Confidence: 0.9}, nil
	}}
}

func failingSource(name string, err error) *fakeSource {
	return &fakeSource{name: name, kind: models.SourcePrimaryFeed, fetch: func(context.Context, string) (models.Price, error) {
		return models.Price{}, err
	}}
}

func testConfig() config.OracleConfig {
	return config.OracleConfig{
		RefreshInterval: 30 * time.Second,
		MaxPriceAge:     5 * time.Minute,
		CircuitBreaker:  config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	}
}

func TestGetPriceUsesPriorityOrder(t *testing.T) {
	clock := newFakeClock()
	primary := fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "100")
	pyth := fixedSource("pyth", models.SourcePyth, clock, "101")

	agg := NewAggregator(testConfig(), []Source{primary, pyth}, WithClock(clock.Now))
	price, ok := agg.GetPrice(context.Background(), "btc")
	if !ok {
		t.Fatalf("expected price")
	}
	if price.Source != models.SourcePrimaryFeed || !price.Value.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected price: %+v", price)
	}
	if price.Symbol != "BTC" {
		t.Fatalf("symbol = %q, want BTC", price.Symbol)
	}
	if pyth.calls.Load() != 0 {
		t.Fatalf("lower priority source should not be called")
	}
}

func TestGetPriceFallsBackOnInvalidQuotes(t *testing.T) {
	clock := newFakeClock()
	tests := []struct {
		name  string
		first *fakeSource
	}{
		{"error", failingSource("primary-feed", errors.New("connection refused"))},
		{"zero", fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "0")},
		{"negative", fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "-3")},
		{"stale", &fakeSource{name: "primary-feed", fetch: func(context.Context, string) (models.Price, error) {
			return models.Price{Value: decimal.NewFromInt(100), Timestamp: clock.Now().Add(-time.Hour)}, nil
		}}},
		{"panic", &fakeSource{name: "primary-feed", fetch: func(context.Context, string) (models.Price, error) {
			panic("boom")
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := fixedSource("binance-spot", models.SourceCEX, clock, "99.5")
			agg := NewAggregator(testConfig(), []Source{tt.first, fallback}, WithClock(clock.Now))

			price, ok := agg.GetPrice(context.Background(), "ETH")
			if !ok {
				t.Fatalf("expected fallback price")
			}
			if price.Source != models.SourceCEX {
				t.Fatalf("source = %s, want cex", price.Source)
			}
			if tt.first.calls.Load() != 1 {
				t.Fatalf("first source calls = %d", tt.first.calls.Load())
			}
		})
	}
}

func TestGetPriceAllSourcesFail(t *testing.T) {
	clock := newFakeClock()
	agg := NewAggregator(testConfig(), []Source{
		failingSource("primary-feed", errors.New("down")),
		fixedSource("pyth", models.SourcePyth, clock, "0"),
	}, WithClock(clock.Now))

	if _, ok := agg.GetPrice(context.Background(), "SEI"); ok {
		t.Fatalf("expected no price")
	}
	if _, ok := agg.cache.get("SEI"); ok {
		t.Fatalf("failed lookup must not be cached")
	}
}

func TestGetPriceServesCacheWithinTTL(t *testing.T) {
	clock := newFakeClock()
	src := fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "42")
	agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))

	first, ok := agg.GetPrice(context.Background(), "BTC")
	if !ok {
		t.Fatalf("expected price")
	}
	clock.Advance(29 * time.Second)
	second, ok := agg.GetPrice(context.Background(), "BTC")
	if !ok || !second.Value.Equal(first.Value) {
		t.Fatalf("expected cached price")
	}
	if src.calls.Load() != 1 {
		t.Fatalf("source called %d times within TTL", src.calls.Load())
	}

	clock.Advance(2 * time.Second)
	if _, ok := agg.GetPrice(context.Background(), "BTC"); !ok {
		t.Fatalf("expected refreshed price")
	}
	if src.calls.Load() != 2 {
		t.Fatalf("expired entry should trigger a fetch, calls = %d", src.calls.Load())
	}
}

func TestGetPriceCacheProperty(t *testing.T) {
	clock := newFakeClock()
	for _, value := range []string{"0.0001", "1", "1800.25", "65000", "1e9"} {
		src := fixedSource("primary-feed", models.SourcePrimaryFeed, clock, value)
		agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))
		agg.GetPrice(context.Background(), "X")
		agg.GetPrice(context.Background(), "X")
		if src.calls.Load() != 1 {
			t.Fatalf("value %s: second call hit the source", value)
		}
	}
}

func TestInvalidate(t *testing.T) {
	clock := newFakeClock()
	src := fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "42")
	agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))

	agg.GetPrice(context.Background(), "BTC")
	agg.Invalidate("btc")
	agg.GetPrice(context.Background(), "BTC")
	if src.calls.Load() != 2 {
		t.Fatalf("invalidate should force a fetch, calls = %d", src.calls.Load())
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	clock := newFakeClock()
	release := make(chan struct{})
	src := &fakeSource{name: "primary-feed", fetch: func(context.Context, string) (models.Price, error) {
		<-release
		return models.Price{Value: decimal.NewFromInt(7), Timestamp: clock.Now()}, nil
	}}
	agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := agg.GetPrice(context.Background(), "BTC")
			results <- ok
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Fatalf("expected every caller to get a price")
		}
	}
	if src.calls.Load() != 1 {
		t.Fatalf("source called %d times, want 1", src.calls.Load())
	}
}

func TestCircuitBreakerSkipsFailingSource(t *testing.T) {
	clock := newFakeClock()
	bad := failingSource("primary-feed", errors.New("timeout"))
	good := fixedSource("pyth", models.SourcePyth, clock, "10")
	agg := NewAggregator(testConfig(), []Source{bad, good}, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		if _, ok := agg.GetPrice(context.Background(), "BTC"); !ok {
			t.Fatalf("expected fallback price on attempt %d", i)
		}
		agg.Invalidate("BTC")
	}
	if bad.calls.Load() != 3 {
		t.Fatalf("open breaker should stop calls after 3 failures, got %d", bad.calls.Load())
	}
}

func TestUnsupportedSymbolDoesNotTripBreaker(t *testing.T) {
	clock := newFakeClock()
	partial := failingSource("pyth", ErrUnsupportedSymbol)
	fallback := fixedSource("binance-spot", models.SourceCEX, clock, "3")
	agg := NewAggregator(testConfig(), []Source{partial, fallback}, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		agg.GetPrice(context.Background(), "SEI")
		agg.Invalidate("SEI")
	}
	if partial.calls.Load() != 5 {
		t.Fatalf("unsupported symbol should keep the breaker closed, calls = %d", partial.calls.Load())
	}
}

func TestGetPrices(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "primary-feed", fetch: func(_ context.Context, symbol string) (models.Price, error) {
		if symbol == "DOGE" {
			return models.Price{}, ErrUnsupportedSymbol
		}
		return models.Price{Value: decimal.NewFromInt(5), Timestamp: clock.Now()}, nil
	}}
	agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))

	prices := agg.GetPrices(context.Background(), []string{"BTC", "eth", "DOGE"})
	if len(prices) != 2 {
		t.Fatalf("got %d prices, want 2", len(prices))
	}
	if _, ok := prices["ETH"]; !ok {
		t.Fatalf("ETH missing: %v", prices)
	}
}

func TestRateLimitedSourceIsSkipped(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}

	limited := fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "1")
	fallback := fixedSource("binance-spot", models.SourceCEX, clock, "2")
	agg := NewAggregator(cfg, []Source{limited, fallback}, WithClock(clock.Now))

	agg.GetPrice(context.Background(), "BTC")
	agg.Invalidate("BTC")
	price, ok := agg.GetPrice(context.Background(), "BTC")
	if !ok || price.Source != models.SourceCEX {
		t.Fatalf("expected fallback after rate limit, got %+v", price)
	}
	if limited.calls.Load() != 1 {
		t.Fatalf("limited source calls = %d, want 1", limited.calls.Load())
	}
}

// slowSource answers after delay unless ctx ends first.
func slowSource(name string, kind models.PriceSource, clock *fakeClock, delay time.Duration, value string) *fakeSource {
	return &fakeSource{name: name, kind: kind, fetch: func(ctx context.Context, _ string) (models.Price, error) {
		select {
		case <-ctx.Done():
			return models.Price{}, ctx.Err()
		case <-time.After(delay):
			return models.Price{Value: decimal.RequireFromString(value), Timestamp: clock.Now(), Confidence: 0.9}, nil
		}
	}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCallerTimeoutsKeepPrimarySource(t *testing.T) {
	clock := newFakeClock()
	primary := slowSource("primary-feed", models.SourcePrimaryFeed, clock, 20*time.Millisecond, "100")
	pyth := fixedSource("pyth", models.SourcePyth, clock, "101")
	agg := NewAggregator(testConfig(), []Source{primary, pyth}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
		if _, ok := agg.GetPrice(ctx, "BTC"); ok {
			t.Fatalf("call %d: expected no price before the deadline", i)
		}
		cancel()
	}

	waitFor(t, func() bool { _, ok := agg.cache.get("BTC"); return ok })
	price, ok := agg.GetPrice(context.Background(), "BTC")
	if !ok || price.Source != models.SourcePrimaryFeed || !price.Value.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("price = %+v ok=%v, want primary feed quote", price, ok)
	}
	if pyth.calls.Load() != 0 {
		t.Fatalf("fallback called %d times while primary was healthy", pyth.calls.Load())
	}
	if state := agg.sources[0].breaker.State(); state != gobreaker.StateClosed {
		t.Fatalf("primary breaker = %s, want closed", state)
	}
}

func TestSharedResolutionOutlivesShortDeadline(t *testing.T) {
	clock := newFakeClock()
	src := slowSource("primary-feed", models.SourcePrimaryFeed, clock, 30*time.Millisecond, "2500")
	agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))

	short := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		_, ok := agg.GetPrice(ctx, "ETH")
		short <- ok
	}()
	waitFor(t, func() bool { return src.calls.Load() == 1 })

	price, ok := agg.GetPrice(context.Background(), "ETH")
	if !ok || !price.Value.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("live caller got %+v ok=%v", price, ok)
	}
	if <-short {
		t.Fatal("caller with an expired deadline should get no price")
	}
	if src.calls.Load() != 1 {
		t.Fatalf("source called %d times, want 1", src.calls.Load())
	}
}

func TestGuardedSourceIgnoresResolverDeadline(t *testing.T) {
	clock := newFakeClock()
	src := slowSource("primary-feed", models.SourcePrimaryFeed, clock, 50*time.Millisecond, "1")
	g := newGuardedSource(src, testConfig(), clock.Now)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_, err := g.fetch(ctx, "BTC")
		cancel()
		if !errors.Is(err, errCallerDone) {
			t.Fatalf("attempt %d: err = %v, want errCallerDone", i, err)
		}
	}
	if state := g.breaker.State(); state != gobreaker.StateClosed {
		t.Fatalf("breaker = %s after deadline-only failures", state)
	}

	calls := src.calls.Load()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.fetch(ctx, "BTC"); !errors.Is(err, errCallerDone) {
		t.Fatalf("cancelled ctx err = %v", err)
	}
	if src.calls.Load() != calls {
		t.Fatal("source should not be called with a finished context")
	}

	if _, err := g.fetch(context.Background(), "BTC"); err != nil {
		t.Fatalf("healthy fetch: %v", err)
	}
}

func TestAbandonedResolutionIsNotAMissingPrice(t *testing.T) {
	clock := newFakeClock()
	agg := NewAggregator(testConfig(), []Source{fixedSource("primary-feed", models.SourcePrimaryFeed, clock, "1")}, WithClock(clock.Now))

	var (
		mu   sync.Mutex
		seen []string
	)
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		if m.Fields["symbol"] == "ABANDON" {
			mu.Lock()
			seen = append(seen, m.Name)
			mu.Unlock()
		}
	})
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := agg.resolve(ctx, "ABANDON"); ok {
		t.Fatal("expected no price from a cancelled resolution")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 0 {
		t.Fatalf("unexpected metrics %v", seen)
	}
}

func TestCacheHonoursQuoteAge(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{name: "primary-feed", fetch: func(context.Context, string) (models.Price, error) {
		return models.Price{Value: decimal.NewFromInt(9), Timestamp: clock.Now().Add(-4*time.Minute - 50*time.Second)}, nil
	}}
	agg := NewAggregator(testConfig(), []Source{src}, WithClock(clock.Now))

	if _, ok := agg.GetPrice(context.Background(), "SEI"); !ok {
		t.Fatal("expected price")
	}
	clock.Advance(5 * time.Second)
	agg.GetPrice(context.Background(), "SEI")
	if src.calls.Load() != 1 {
		t.Fatalf("fresh quote should be cached, calls = %d", src.calls.Load())
	}

	clock.Advance(6 * time.Second)
	agg.GetPrice(context.Background(), "SEI")
	if src.calls.Load() != 2 {
		t.Fatalf("quote past max age was served from cache, calls = %d", src.calls.Load())
	}
}
