package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/models"
)

type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// Pyth reads the latest parsed update from a Hermes endpoint. priceIDs maps
// symbols to Pyth feed ids.
type Pyth struct {
	baseURL  string
	priceIDs map[string]string
	client   *http.Client
}

func NewPyth(baseURL string, priceIDs map[string]string, timeout time.Duration) *Pyth {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ids := make(map[string]string, len(priceIDs))
	for symbol, id := range priceIDs {
		ids[strings.ToUpper(symbol)] = strings.TrimPrefix(strings.ToLower(id), "0x")
	}
	return &Pyth{
		baseURL:  strings.TrimRight(baseURL, "/"),
		priceIDs: ids,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *Pyth) Name() string             { return "pyth" }
func (p *Pyth) Kind() models.PriceSource { return models.SourcePyth }

func (p *Pyth) FetchPrice(ctx context.Context, symbol string) (models.Price, error) {
	id, ok := p.priceIDs[symbol]
	if !ok {
		return models.Price{}, ErrUnsupportedSymbol
	}

	query := url.Values{}
	query.Add("ids[]", id)
	query.Set("parsed", "true")
	endpoint := fmt.Sprintf("%s/v2/updates/price/latest?%s", p.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Price{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return models.Price{}, fmt.Errorf("hermes request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return models.Price{}, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return models.Price{}, fmt.Errorf("hermes status %d", resp.StatusCode)
	}

	var payload hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.Price{}, fmt.Errorf("decode hermes response: %w", err)
	}
	if len(payload.Parsed) == 0 {
		return models.Price{}, fmt.Errorf("hermes returned no update for %s", symbol)
	}

	update := payload.Parsed[0].Price
	raw, err := strconv.ParseInt(update.Price, 10, 64)
	if err != nil {
		return models.Price{}, fmt.Errorf("parse pyth price %q: %w", update.Price, err)
	}
	conf, _ := strconv.ParseUint(update.Conf, 10, 64)

	return models.Price{
		Symbol:     symbol,
		Value:      decimal.New(raw, update.Expo),
		Timestamp:  time.Unix(update.PublishTime, 0).UTC(),
		Source:     models.SourcePyth,
		Provider:   p.Name(),
		Confidence: pythConfidence(raw, conf),
	}, nil
}

// pythConfidence maps the published confidence interval to [0,1]: a band as
// wide as the price gives 0.
func pythConfidence(price int64, conf uint64) float64 {
	if price <= 0 {
		return 0
	}
	c := 1 - float64(conf)/float64(price)
	return math.Max(0, math.Min(1, c))
}
