package liquidity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/config"
	"hedgeflow/internal/execution"
	"hedgeflow/models"
)

type fakePlacer struct {
	mu      sync.Mutex
	calls   int
	err     error
	orderID string
	lastMin decimal.Decimal
	lastMax decimal.Decimal
}

func (f *fakePlacer) PlaceRangeOrder(_ context.Context, _ string, min, max, _ decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMin, f.lastMax = min, max
	if f.err != nil {
		return "", f.err
	}
	if f.orderID != "" {
		return f.orderID, nil
	}
	return "order-1", nil
}

type fakePrices map[string]string

func (f fakePrices) GetPrice(_ context.Context, symbol string) (models.Price, bool) {
	v, ok := f[symbol]
	if !ok {
		return models.Price{}, false
	}
	return models.Price{Symbol: symbol, Value: decimal.RequireFromString(v), Timestamp: time.Now()}, true
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T, placer execution.RangeOrderPlacer, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(config.LiquidityConfig{DefaultVolatility: 0.1, Threshold: 0.02}, placer, opts...)
	if err := m.InitPosition(context.Background(), "eth", d("1800"), d("2200"), d("10")); err != nil {
		t.Fatalf("InitPosition() error = %v", err)
	}
	return m
}

func TestRebalanceHysteresisScenario(t *testing.T) {
	placer := &fakePlacer{}
	m := newTestManager(t, placer)

	r, err := m.Rebalance(context.Background(), "ETH", d("2199"), d("1"), d("0.5"), 0.02)
	if err != nil || r != nil {
		t.Fatalf("Rebalance(2199) = %v, %v; want nil, nil", r, err)
	}
	r, err = m.Rebalance(context.Background(), "ETH", d("2244"), d("1"), d("0.5"), 0.02)
	if err != nil || r != nil {
		t.Fatalf("Rebalance(2244) at the bound = %v, %v; want nil, nil", r, err)
	}
	if placer.calls != 0 {
		t.Fatalf("placer should not be called inside the bounds")
	}

	r, err = m.Rebalance(context.Background(), "ETH", d("2250"), d("1.25"), d("0.5"), 0.02)
	if err != nil {
		t.Fatalf("Rebalance(2250) error = %v", err)
	}
	if r == nil {
		t.Fatalf("expected a rebalance")
	}
	if r.Analytics.Rebalances != 1 {
		t.Fatalf("rebalances = %d, want 1", r.Analytics.Rebalances)
	}
	if !r.Min.Equal(d("2025")) || !r.Max.Equal(d("2475")) {
		t.Fatalf("band = [%s, %s], want [2025, 2475]", r.Min, r.Max)
	}
	if !r.Analytics.Fees.Equal(d("1.25")) || !r.Analytics.Slippage.Equal(d("0.5")) {
		t.Fatalf("analytics = %+v", r.Analytics)
	}
	if r.OrderID != "order-1" {
		t.Fatalf("order id = %q", r.OrderID)
	}
}

func TestRebalanceIsIdempotentInRange(t *testing.T) {
	m := newTestManager(t, &fakePlacer{})

	for i := 0; i < 2; i++ {
		if r, err := m.Rebalance(context.Background(), "ETH", d("2100"), d("1"), d("1"), 0.02); err != nil || r != nil {
			t.Fatalf("call %d: Rebalance() = %v, %v", i, r, err)
		}
	}
	a, _ := m.Analytics("ETH")
	if a.Rebalances != 0 || !a.Fees.IsZero() || !a.Slippage.IsZero() {
		t.Fatalf("in-range calls changed analytics: %+v", a)
	}

	if _, err := m.Rebalance(context.Background(), "ETH", d("3000"), d("1"), d("0"), 0.02); err != nil {
		t.Fatalf("Rebalance(3000) error = %v", err)
	}
	if r, err := m.Rebalance(context.Background(), "ETH", d("3000"), d("1"), d("0"), 0.02); err != nil || r != nil {
		t.Fatalf("repeat at the new center = %v, %v", r, err)
	}
	a, _ = m.Analytics("ETH")
	if a.Rebalances != 1 {
		t.Fatalf("rebalances = %d, want 1", a.Rebalances)
	}
}

func TestRebalancePlacerFailureKeepsBand(t *testing.T) {
	tests := []struct {
		name   string
		placer *fakePlacer
	}{
		{"error", &fakePlacer{err: errors.New("pool paused")}},
		{"empty order id", &fakePlacer{orderID: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.placer)

			r, err := m.Rebalance(context.Background(), "ETH", d("2500"), d("1"), d("1"), 0.02)
			var execErr *execution.Error
			if !errors.As(err, &execErr) || r != nil {
				t.Fatalf("Rebalance() = %v, %v; want *execution.Error", r, err)
			}
			got, _ := m.Range("ETH")
			if !got.Min.Equal(d("1800")) || !got.Max.Equal(d("2200")) || got.Analytics.Rebalances != 0 {
				t.Fatalf("band changed after failed placement: %+v", got)
			}
		})
	}
}

func TestRebalanceErrors(t *testing.T) {
	m := newTestManager(t, &fakePlacer{})
	ctx := context.Background()

	if _, err := m.Rebalance(ctx, "BTC", d("100"), d("0"), d("0"), 0.02); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("error = %v, want ErrUnknownSymbol", err)
	}
	if _, err := m.Rebalance(ctx, "ETH", d("0"), d("0"), d("0"), 0.02); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("error = %v, want ErrInvalidPrice", err)
	}
	if _, err := m.Rebalance(ctx, "ETH", d("100"), d("0"), d("0"), -0.1); !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("error = %v, want ErrInvalidThreshold", err)
	}

	noPlacer := NewManager(config.LiquidityConfig{}, nil)
	if err := noPlacer.InitPosition(ctx, "ETH", d("1"), d("2"), d("1")); err != nil {
		t.Fatalf("InitPosition() error = %v", err)
	}
	if _, err := noPlacer.Rebalance(ctx, "ETH", d("10"), d("0"), d("0"), 0); !errors.Is(err, ErrPlacerNotAvailable) {
		t.Fatalf("error = %v, want ErrPlacerNotAvailable", err)
	}
}

func TestInitPositionValidation(t *testing.T) {
	tests := []struct {
		name             string
		symbol           string
		min, max, amount string
	}{
		{"min equals max", "ETH", "2000", "2000", "1"},
		{"inverted", "ETH", "2200", "1800", "1"},
		{"zero min", "ETH", "0", "1800", "1"},
		{"zero amount", "ETH", "1800", "2200", "0"},
		{"no symbol", " ", "1800", "2200", "1"},
	}
	m := NewManager(config.LiquidityConfig{}, &fakePlacer{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.InitPosition(context.Background(), tt.symbol, d(tt.min), d(tt.max), d(tt.amount))
			if !errors.Is(err, ErrInvalidRange) {
				t.Fatalf("error = %v, want ErrInvalidRange", err)
			}
		})
	}
	if len(m.Symbols()) != 0 {
		t.Fatalf("invalid ranges must not be stored")
	}
}

func TestPerSymbolVolatility(t *testing.T) {
	cfg := config.LiquidityConfig{DefaultVolatility: 0.1, Volatility: map[string]float64{"SEI": 0.25}}
	m := NewManager(cfg, &fakePlacer{})
	if err := m.InitPosition(context.Background(), "SEI", d("0.4"), d("0.6"), d("1000")); err != nil {
		t.Fatalf("InitPosition() error = %v", err)
	}
	r, err := m.Rebalance(context.Background(), "SEI", d("1"), d("0"), d("0"), 0)
	if err != nil || r == nil {
		t.Fatalf("Rebalance() = %v, %v", r, err)
	}
	if !r.Min.Equal(d("0.75")) || !r.Max.Equal(d("1.25")) {
		t.Fatalf("band = [%s, %s], want [0.75, 1.25]", r.Min, r.Max)
	}
}

func TestHandleEscape(t *testing.T) {
	var signals []EscapeSignal
	m := newTestManager(t, &fakePlacer{}, WithEscapeHandler(func(_ context.Context, s EscapeSignal) {
		signals = append(signals, s)
	}))

	if _, escaped := m.HandleEscape(context.Background(), "ETH", d("2200")); escaped {
		t.Fatalf("upper bound is inside the raw range")
	}
	sig, escaped := m.HandleEscape(context.Background(), "ETH", d("2201"))
	if !escaped || sig.Direction != "above" {
		t.Fatalf("HandleEscape(2201) = %+v, %v", sig, escaped)
	}
	sig, escaped = m.HandleEscape(context.Background(), "ETH", d("1700"))
	if !escaped || sig.Direction != "below" {
		t.Fatalf("HandleEscape(1700) = %+v, %v", sig, escaped)
	}
	if len(signals) != 2 {
		t.Fatalf("handler called %d times, want 2", len(signals))
	}
	if _, escaped := m.HandleEscape(context.Background(), "BTC", d("1")); escaped {
		t.Fatalf("unknown symbol cannot escape")
	}

	a, _ := m.Analytics("ETH")
	if a.Escapes != 2 || a.Rebalances != 0 {
		t.Fatalf("analytics = %+v", a)
	}
}

func TestRefresh(t *testing.T) {
	placer := &fakePlacer{}
	escapes := 0
	m := newTestManager(t, placer,
		WithPriceSource(fakePrices{"ETH": "2250"}),
		WithEscapeHandler(func(context.Context, EscapeSignal) { escapes++ }),
	)

	r, err := m.Refresh(context.Background(), "eth", 0)
	if err != nil || r == nil {
		t.Fatalf("Refresh() = %v, %v", r, err)
	}
	if escapes != 1 || placer.calls != 1 {
		t.Fatalf("escapes = %d placer calls = %d", escapes, placer.calls)
	}
	if !r.Analytics.Fees.IsZero() {
		t.Fatalf("refresh should not book fees")
	}

	if _, err := m.Refresh(context.Background(), "BTC", 0); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("error = %v, want ErrUnknownSymbol", err)
	}

	noPrice := newTestManager(t, placer, WithPriceSource(fakePrices{}))
	if _, err := noPrice.Refresh(context.Background(), "ETH", 0); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("error = %v, want ErrPriceUnavailable", err)
	}
}

func TestBandInvariantHolds(t *testing.T) {
	m := newTestManager(t, &fakePlacer{})
	for _, p := range []string{"0.0001", "5", "2500", "90000", "12", "1e6"} {
		if _, err := m.Rebalance(context.Background(), "ETH", d(p), d("0"), d("0"), 0.02); err != nil {
			t.Fatalf("Rebalance(%s) error = %v", p, err)
		}
		r, _ := m.Range("ETH")
		if !r.Min.IsPositive() || !r.Min.LessThan(r.Max) {
			t.Fatalf("price %s produced band [%s, %s]", p, r.Min, r.Max)
		}
	}
}
