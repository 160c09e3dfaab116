package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"hedgeflow/config"
	"hedgeflow/models"
)

var (
	// ErrUnsupportedSymbol means the source has no feed for the symbol. It
	// never counts against the source's circuit breaker.
	ErrUnsupportedSymbol = errors.New("symbol not supported by source")
	ErrRateLimited       = errors.New("source rate limit reached")

	// errCallerDone marks a fetch abandoned because the resolving context
	// ended. The source is not at fault, so the breaker records no failure.
	errCallerDone = errors.New("price resolution context done")
)

// Source is one price provider in the fallback chain.
type Source interface {
	Name() string
	Kind() models.PriceSource
	FetchPrice(ctx context.Context, symbol string) (models.Price, error)
}

// guardedSource wraps a Source with a limiter, a circuit breaker and panic
// recovery. Invalid quotes count as breaker failures.
type guardedSource struct {
	Source
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	maxAge  time.Duration
	now     func() time.Time
}

func newGuardedSource(src Source, cfg config.OracleConfig, now func() time.Time) *guardedSource {
	threshold := cfg.CircuitBreaker.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	settings := gobreaker.Settings{
		Name:        src.Name(),
		MaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		Timeout:     cfg.CircuitBreaker.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnsupportedSymbol) || errors.Is(err, errCallerDone)
		},
	}

	var limiter *rate.Limiter
	if rps := cfg.RateLimit.RequestsPerSecond; rps > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &guardedSource{
		Source:  src,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: limiter,
		maxAge:  cfg.MaxPriceAge,
		now:     now,
	}
}

func (g *guardedSource) fetch(ctx context.Context, symbol string) (models.Price, error) {
	if err := ctx.Err(); err != nil {
		return models.Price{}, fmt.Errorf("%w: %w", errCallerDone, err)
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return models.Price{}, ErrRateLimited
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		price, err := safeFetch(ctx, g.Source, symbol)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %w", errCallerDone, ctxErr)
			}
			return nil, err
		}
		if err := price.Validate(g.now(), g.maxAge); err != nil {
			return nil, err
		}
		return price, nil
	})
	if err != nil {
		return models.Price{}, err
	}
	return res.(models.Price), nil
}

func safeFetch(ctx context.Context, src Source, symbol string) (price models.Price, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()
	price, err = src.FetchPrice(ctx, symbol)
	if err != nil {
		return models.Price{}, err
	}
	if price.Symbol == "" {
		price.Symbol = symbol
	}
	if price.Source == "" {
		price.Source = src.Kind()
	}
	if price.Provider == "" {
		price.Provider = src.Name()
	}
	return price, nil
}

// failureReason buckets a source error for metric labels.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedSymbol):
		return "unsupported"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, models.ErrStalePrice):
		return "stale"
	case errors.Is(err, models.ErrNonPositivePrice), errors.Is(err, models.ErrInvalidConfidence):
		return "invalid"
	case errors.Is(err, errCallerDone):
		return "abandoned"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
