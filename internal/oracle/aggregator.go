package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hedgeflow/config"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
	"hedgeflow/models"
)

const (
	component             = "price_oracle"
	defaultResolveTimeout = 20 * time.Second
)

// Aggregator resolves one trustworthy price per symbol by walking a fixed
// priority chain of sources. The first valid quote wins and is cached for the
// refresh interval.
type Aggregator struct {
	sources        []*guardedSource
	cache          *priceCache
	group          singleflight.Group
	resolveTimeout time.Duration
	now            func() time.Time
	log            *logger.Log
}

type Option func(*Aggregator)

// WithClock overrides the time source used for staleness and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithResolveTimeout bounds one shared walk of the source chain. The walk
// runs detached from any single caller.
func WithResolveTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.resolveTimeout = d
		}
	}
}

func WithLogger(log *logger.Log) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAggregator builds an aggregator over sources in priority order.
func NewAggregator(cfg config.OracleConfig, sources []Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		resolveTimeout: defaultResolveTimeout,
		now:            time.Now,
		log:            logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	ttl := cfg.RefreshInterval
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	a.cache = newPriceCache(ttl, cfg.MaxPriceAge, a.now)

	for _, src := range sources {
		if src == nil {
			continue
		}
		a.sources = append(a.sources, newGuardedSource(src, cfg, a.now))
	}
	return a
}

// Sources returns the source names in priority order.
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.sources))
	for _, src := range a.sources {
		names = append(names, src.Name())
	}
	return names
}

// GetPrice returns the cached or freshly resolved price for symbol. The
// boolean is false when every source failed or ctx ended first; no error is
// surfaced. Concurrent misses share one resolution that does not inherit any
// caller's cancellation, so a caller leaving early never fails the others.
func (a *Aggregator) GetPrice(ctx context.Context, symbol string) (models.Price, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return models.Price{}, false
	}

	if price, ok := a.cache.get(symbol); ok {
		metrics.IncPriceCacheHit()
		return price, true
	}

	ch := a.group.DoChan(symbol, func() (interface{}, error) {
		if price, ok := a.cache.get(symbol); ok {
			return price, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.resolveTimeout)
		defer cancel()
		price, ok := a.resolve(rctx, symbol)
		if !ok {
			return nil, nil
		}
		a.cache.set(symbol, price)
		return price, nil
	})

	select {
	case <-ctx.Done():
		return models.Price{}, false
	case res := <-ch:
		price, ok := res.Val.(models.Price)
		return price, ok
	}
}

// GetPrices resolves several symbols concurrently. Symbols without a price
// are absent from the result.
func (a *Aggregator) GetPrices(ctx context.Context, symbols []string) map[string]models.Price {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]models.Price, len(symbols))
	)
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if price, ok := a.GetPrice(ctx, symbol); ok {
				mu.Lock()
				out[price.Symbol] = price
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()
	return out
}

// Invalidate drops the cached price for symbol.
func (a *Aggregator) Invalidate(symbol string) {
	a.cache.delete(strings.ToUpper(strings.TrimSpace(symbol)))
}

func (a *Aggregator) resolve(ctx context.Context, symbol string) (models.Price, bool) {
	log := a.log.WithComponent(component).WithFields(logger.Fields{"symbol": symbol})

	for _, src := range a.sources {
		if ctx.Err() != nil {
			break
		}
		start := a.now()
		price, err := src.fetch(ctx, symbol)
		if err != nil {
			if errors.Is(err, errCallerDone) {
				break
			}
			reason := failureReason(err)
			entry := log.WithFields(logger.Fields{"source": src.Name(), "reason": reason}).WithError(err)
			if reason == "unsupported" {
				entry.Debug("price source has no feed for symbol")
			} else {
				entry.Warn("price source failed, trying next")
				metrics.IncPriceSourceFailure(src.Name(), reason)
				metrics.EmitSoftFailure(a.log, component, metrics.SoftFailurePriceSource, src.Name(), symbol, reason)
			}
			continue
		}

		price.Symbol = symbol
		logger.LogPerformanceEntry(log, component, "fetch_price", a.now().Sub(start), logger.Fields{"source": src.Name()})
		log.WithFields(logger.Fields{
			"source":     string(price.Source),
			"provider":   price.Provider,
			"price":      price.Value.String(),
			"confidence": price.Confidence,
		}).Debug("price resolved")
		return price, true
	}

	if err := ctx.Err(); err != nil {
		log.WithError(err).Debug("price resolution abandoned")
		return models.Price{}, false
	}

	log.Warn("all price sources failed")
	metrics.IncPriceUnavailable(symbol)
	metrics.EmitSoftFailure(a.log, component, metrics.SoftFailurePriceMissing, "", symbol, "all_sources_failed")
	return models.Price{}, false
}
