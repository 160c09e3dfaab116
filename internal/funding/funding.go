package funding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hedgeflow/config"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const (
	component = "funding_collector"

	// DefaultIntervalHours is the funding cadence assumed when a venue does
	// not report one: three settlements a day.
	DefaultIntervalHours = 8.0
)

var ErrInvalidRate = errors.New("invalid funding rate")

// Venue returns the current funding rate for one asset on one exchange. The
// returned rate must already be annualized.
type Venue interface {
	Name() string
	FetchFundingRate(ctx context.Context, asset string) (models.FundingRate, error)
}

// Annualize converts a per-interval funding rate to an annual fraction.
func Annualize(raw, intervalHours float64) float64 {
	if intervalHours <= 0 {
		intervalHours = DefaultIntervalHours
	}
	return raw * (24 / intervalHours) * 365
}

// PeriodsPerYear returns the number of funding settlements per year.
func PeriodsPerYear(intervalHours float64) float64 {
	return Annualize(1, intervalHours)
}

type limitedVenue struct {
	Venue
	limiter *rate.Limiter
}

// Collector fans out to every venue for an asset. A venue that errors, panics,
// times out or returns an invalid rate is absent from the result.
type Collector struct {
	venues  []limitedVenue
	timeout time.Duration
	log     *logger.Log
}

type Option func(*Collector)

func WithLogger(log *logger.Log) Option {
	return func(c *Collector) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRateLimit throttles calls to the named venue.
func WithRateLimit(venue string, cfg config.RateLimitConfig) Option {
	return func(c *Collector) {
		if cfg.RequestsPerSecond <= 0 {
			return
		}
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = 1
		}
		for i := range c.venues {
			if c.venues[i].Name() == venue {
				c.venues[i].limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
			}
		}
	}
}

func NewCollector(venues []Venue, timeout time.Duration, opts ...Option) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Collector{timeout: timeout, log: logger.GetLogger()}
	for _, v := range venues {
		if v != nil {
			c.venues = append(c.venues, limitedVenue{Venue: v})
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Venues returns the configured venue names.
func (c *Collector) Venues() []string {
	names := make([]string, 0, len(c.venues))
	for _, v := range c.venues {
		names = append(names, v.Name())
	}
	return names
}

// GetFundingRates returns the annualized rate from every venue that answered
// within the venue timeout, ordered by venue name.
func (c *Collector) GetFundingRates(ctx context.Context, asset string) []models.FundingRate {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		rates = make([]models.FundingRate, 0, len(c.venues))
	)
	for _, v := range c.venues {
		wg.Add(1)
		go func(v limitedVenue) {
			defer wg.Done()
			fr, ok := c.fetch(ctx, v, asset)
			if !ok {
				return
			}
			mu.Lock()
			rates = append(rates, fr)
			mu.Unlock()
		}(v)
	}
	wg.Wait()

	sort.Slice(rates, func(i, j int) bool { return rates[i].Exchange < rates[j].Exchange })
	return rates
}

func (c *Collector) fetch(parent context.Context, v limitedVenue, asset string) (models.FundingRate, bool) {
	log := c.log.WithComponent(component).WithFields(logger.Fields{"venue": v.Name(), "symbol": asset})

	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	start := time.Now()
	fr, err := c.safeFetch(ctx, v, asset)
	if err == nil {
		err = validate(fr)
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			outcome = "timeout"
		}
		log.WithError(err).WithFields(logger.Fields{"outcome": outcome}).Warn("funding venue absent")
		metrics.IncFundingFetch(v.Name(), outcome)
		metrics.EmitSoftFailure(c.log, component, metrics.SoftFailureFundingVenue, v.Name(), asset, outcome)
		return models.FundingRate{}, false
	}

	metrics.IncFundingFetch(v.Name(), "ok")
	logger.LogPerformanceEntry(log, component, "fetch_funding", time.Since(start), nil)
	return fr, true
}

func (c *Collector) safeFetch(ctx context.Context, v limitedVenue, asset string) (fr models.FundingRate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("venue %s panicked: %v", v.Name(), r)
		}
	}()
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return models.FundingRate{}, err
		}
	}
	fr, err = v.FetchFundingRate(ctx, asset)
	if err != nil {
		return models.FundingRate{}, err
	}
	if fr.Exchange == "" {
		fr.Exchange = v.Name()
	}
	fr.Symbol = asset
	return fr, nil
}

func validate(fr models.FundingRate) error {
	if math.IsNaN(fr.Rate) || math.IsInf(fr.Rate, 0) {
		return fmt.Errorf("%s: %w: rate %v", fr.Exchange, ErrInvalidRate, fr.Rate)
	}
	if fr.Confidence < 0 || fr.Confidence > 1 {
		return fmt.Errorf("%s: %w: confidence %v", fr.Exchange, ErrInvalidRate, fr.Confidence)
	}
	return nil
}

// annualized builds a FundingRate from a venue-native per-interval rate.
func annualized(exchange, asset string, raw, intervalHours, confidence float64, next time.Time) models.FundingRate {
	if intervalHours <= 0 {
		intervalHours = DefaultIntervalHours
	}
	return models.FundingRate{
		Exchange:        exchange,
		Symbol:          asset,
		Rate:            Annualize(raw, intervalHours),
		RawRate:         raw,
		IntervalHours:   intervalHours,
		NextFundingTime: next,
		Confidence:      confidence,
	}
}
