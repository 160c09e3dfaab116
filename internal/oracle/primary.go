package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/models"
)

type primaryQuote struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  int64           `json:"timestamp"`
	Confidence *float64        `json:"confidence"`
}

// PrimaryFeed reads the protocol's own price endpoint:
// GET {base}/v1/prices/{symbol} -> {"symbol","price","timestamp","confidence"}.
type PrimaryFeed struct {
	baseURL string
	client  *http.Client
}

func NewPrimaryFeed(baseURL string, timeout time.Duration) *PrimaryFeed {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PrimaryFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *PrimaryFeed) Name() string             { return "primary-feed" }
func (p *PrimaryFeed) Kind() models.PriceSource { return models.SourcePrimaryFeed }

func (p *PrimaryFeed) FetchPrice(ctx context.Context, symbol string) (models.Price, error) {
	endpoint := fmt.Sprintf("%s/v1/prices/%s", p.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Price{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Price{}, fmt.Errorf("primary feed request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Price{}, ErrUnsupportedSymbol
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.Price{}, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Price{}, fmt.Errorf("primary feed status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var quote primaryQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return models.Price{}, fmt.Errorf("decode primary feed quote: %w", err)
	}

	confidence := 0.95
	if quote.Confidence != nil {
		confidence = *quote.Confidence
	}
	ts := time.Unix(quote.Timestamp, 0).UTC()
	if quote.Timestamp > 1e12 {
		ts = time.UnixMilli(quote.Timestamp).UTC()
	}

	return models.Price{
		Symbol:     symbol,
		Value:      quote.Price,
		Timestamp:  ts,
		Source:     models.SourcePrimaryFeed,
		Provider:   p.Name(),
		Confidence: confidence,
	}, nil
}
