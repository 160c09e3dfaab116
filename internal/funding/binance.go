package funding

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"hedgeflow/internal/symbols"
	"hedgeflow/models"
)

// Binance reads lastFundingRate from the USD-M premium index.
type Binance struct {
	client        *futures.Client
	intervalHours float64
	confidence    float64
}

func NewBinance(baseURL string, intervalHours, confidence float64, timeout time.Duration) *Binance {
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		client.SetApiEndpoint(base)
	}
	return &Binance{client: client, intervalHours: intervalHours, confidence: confidence}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) FetchFundingRate(ctx context.Context, asset string) (models.FundingRate, error) {
	pair := symbols.ForVenue("binance", asset)
	res, err := b.client.NewPremiumIndexService().Symbol(pair).Do(ctx)
	if err != nil {
		return models.FundingRate{}, fmt.Errorf("binance premium index %s: %w", pair, err)
	}
	for _, idx := range res {
		if idx == nil || idx.Symbol != pair {
			continue
		}
		raw, err := strconv.ParseFloat(idx.LastFundingRate, 64)
		if err != nil {
			return models.FundingRate{}, fmt.Errorf("parse binance funding rate %q: %w", idx.LastFundingRate, err)
		}
		var next time.Time
		if idx.NextFundingTime > 0 {
			next = time.UnixMilli(idx.NextFundingTime).UTC()
		}
		return annualized(b.Name(), asset, raw, b.intervalHours, b.confidence, next), nil
	}
	return models.FundingRate{}, fmt.Errorf("binance premium index has no entry for %s", pair)
}
