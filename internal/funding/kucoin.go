package funding

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/fundingfees"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"hedgeflow/internal/symbols"
	"hedgeflow/models"
)

type kucoinFundingAPI interface {
	GetCurrentFundingRate(req *fundingfees.GetCurrentFundingRateReq, ctx context.Context) (*fundingfees.GetCurrentFundingRateResp, error)
}

// Kucoin reads the current funding rate of a USDT-margined contract. The
// interval comes from the reported granularity.
type Kucoin struct {
	fundingAPI    kucoinFundingAPI
	intervalHours float64
	confidence    float64
}

func NewKucoin(baseURL string, intervalHours, confidence float64, timeout time.Duration) *Kucoin {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api-futures.kucoin.com"
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(base).
		WithTransportOption(transportOpt).
		Build()

	client := api.NewClient(option)
	return &Kucoin{
		fundingAPI:    client.RestService().GetFuturesService().GetFundingFeesAPI(),
		intervalHours: intervalHours,
		confidence:    confidence,
	}
}

func (k *Kucoin) Name() string { return "kucoin" }

func (k *Kucoin) FetchFundingRate(ctx context.Context, asset string) (models.FundingRate, error) {
	contract := symbols.ForVenue("kucoin", asset)
	req := fundingfees.NewGetCurrentFundingRateReqBuilder().SetSymbol(contract).Build()
	resp, err := k.fundingAPI.GetCurrentFundingRate(req, ctx)
	if err != nil {
		return models.FundingRate{}, fmt.Errorf("kucoin funding rate %s: %w", contract, err)
	}
	if resp == nil {
		return models.FundingRate{}, fmt.Errorf("kucoin funding rate %s: empty response", contract)
	}

	interval := granularityHours(int64(resp.Granularity))
	if interval <= 0 {
		interval = k.intervalHours
	}
	var next time.Time
	if resp.FundingTime > 0 {
		next = time.UnixMilli(int64(resp.FundingTime)).UTC()
	}
	return annualized(k.Name(), asset, resp.Value, interval, k.confidence, next), nil
}

// granularityHours converts KuCoin's funding granularity in milliseconds.
func granularityHours(ms int64) float64 {
	if ms <= 0 {
		return 0
	}
	return float64(ms) / float64(time.Hour/time.Millisecond)
}
