package funding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"hedgeflow/internal/symbols"
	"hedgeflow/models"
)

type bybitTickers struct {
	List []struct {
		Symbol          string `json:"symbol"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

// Bybit reads the linear perpetual ticker, which carries the current funding
// rate of the running interval.
type Bybit struct {
	client        *bybit.Client
	intervalHours float64
	confidence    float64
}

func NewBybit(baseURL string, intervalHours, confidence float64, timeout time.Duration) *Bybit {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.bybit.com"
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &Bybit{client: client, intervalHours: intervalHours, confidence: confidence}
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) FetchFundingRate(ctx context.Context, asset string) (models.FundingRate, error) {
	pair := symbols.ForVenue("bybit", asset)
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   pair,
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return models.FundingRate{}, fmt.Errorf("bybit tickers %s: %w", pair, err)
	}
	if resp == nil {
		return models.FundingRate{}, fmt.Errorf("bybit tickers %s: empty response", pair)
	}
	if resp.RetCode != 0 {
		return models.FundingRate{}, fmt.Errorf("bybit tickers %s: %d %s", pair, resp.RetCode, resp.RetMsg)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return models.FundingRate{}, fmt.Errorf("bybit tickers %s: %w", pair, err)
	}
	var tickers bybitTickers
	if err := json.Unmarshal(payload, &tickers); err != nil {
		return models.FundingRate{}, fmt.Errorf("decode bybit tickers: %w", err)
	}

	for _, t := range tickers.List {
		if t.Symbol != pair {
			continue
		}
		raw, err := strconv.ParseFloat(t.FundingRate, 64)
		if err != nil {
			return models.FundingRate{}, fmt.Errorf("parse bybit funding rate %q: %w", t.FundingRate, err)
		}
		var next time.Time
		if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
			next = time.UnixMilli(ms).UTC()
		}
		return annualized(b.Name(), asset, raw, b.intervalHours, b.confidence, next), nil
	}
	return models.FundingRate{}, fmt.Errorf("bybit tickers have no entry for %s", pair)
}
