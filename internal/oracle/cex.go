package oracle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"hedgeflow/internal/symbols"
	"hedgeflow/models"
)

// CEX uses the Binance spot ticker as the last resort in the chain.
type CEX struct {
	client *binance.Client
	now    func() time.Time
}

func NewCEX(baseURL string, timeout time.Duration) *CEX {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &CEX{client: client, now: time.Now}
}

func (c *CEX) Name() string             { return "binance-spot" }
func (c *CEX) Kind() models.PriceSource { return models.SourceCEX }

func (c *CEX) FetchPrice(ctx context.Context, symbol string) (models.Price, error) {
	pair := symbols.ForVenue("binance-spot", symbol)
	prices, err := c.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return models.Price{}, fmt.Errorf("binance ticker %s: %w", pair, err)
	}
	for _, p := range prices {
		if p == nil || p.Symbol != pair {
			continue
		}
		value, err := decimal.NewFromString(p.Price)
		if err != nil {
			return models.Price{}, fmt.Errorf("parse binance price %q: %w", p.Price, err)
		}
		return models.Price{
			Symbol:     symbol,
			Value:      value,
			Timestamp:  c.now().UTC(),
			Source:     models.SourceCEX,
			Provider:   c.Name(),
			Confidence: 0.7,
		}, nil
	}
	return models.Price{}, ErrUnsupportedSymbol
}
