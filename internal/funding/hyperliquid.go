package funding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hedgeflow/internal/symbols"
	"hedgeflow/models"
)

type hyperliquidMeta struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type hyperliquidAssetCtx struct {
	Funding string `json:"funding"`
	MarkPx  string `json:"markPx"`
}

// Hyperliquid reads hourly funding from the on-chain perps info endpoint.
// The next settlement is the top of the next hour.
type Hyperliquid struct {
	baseURL       string
	client        *http.Client
	intervalHours float64
	confidence    float64
	now           func() time.Time
}

func NewHyperliquid(baseURL string, intervalHours, confidence float64, timeout time.Duration) *Hyperliquid {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.hyperliquid.xyz"
	}
	if intervalHours <= 0 {
		intervalHours = 1
	}
	return &Hyperliquid{
		baseURL:       base,
		client:        &http.Client{Timeout: timeout},
		intervalHours: intervalHours,
		confidence:    confidence,
		now:           time.Now,
	}
}

func (h *Hyperliquid) Name() string { return "hyperliquid" }

func (h *Hyperliquid) FetchFundingRate(ctx context.Context, asset string) (models.FundingRate, error) {
	body := bytes.NewBufferString(`{"type":"metaAndAssetCtxs"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/info", body)
	if err != nil {
		return models.FundingRate{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return models.FundingRate{}, fmt.Errorf("hyperliquid info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.FundingRate{}, fmt.Errorf("hyperliquid info status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parts []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&parts); err != nil {
		return models.FundingRate{}, fmt.Errorf("decode hyperliquid info: %w", err)
	}
	if len(parts) != 2 {
		return models.FundingRate{}, fmt.Errorf("hyperliquid info: expected 2 parts, got %d", len(parts))
	}
	var meta hyperliquidMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return models.FundingRate{}, fmt.Errorf("decode hyperliquid meta: %w", err)
	}
	var ctxs []hyperliquidAssetCtx
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return models.FundingRate{}, fmt.Errorf("decode hyperliquid asset contexts: %w", err)
	}

	coin := symbols.ForVenue("hyperliquid", asset)
	for i, u := range meta.Universe {
		if !strings.EqualFold(u.Name, coin) {
			continue
		}
		if i >= len(ctxs) {
			break
		}
		raw, err := strconv.ParseFloat(ctxs[i].Funding, 64)
		if err != nil {
			return models.FundingRate{}, fmt.Errorf("parse hyperliquid funding %q: %w", ctxs[i].Funding, err)
		}
		next := h.now().UTC().Truncate(time.Hour).Add(time.Hour)
		return annualized(h.Name(), asset, raw, h.intervalHours, h.confidence, next), nil
	}
	return models.FundingRate{}, fmt.Errorf("hyperliquid has no perp for %s", coin)
}
