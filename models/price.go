package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource names the provider family a Price came from.
type PriceSource string

const (
	SourcePrimaryFeed PriceSource = "primary-feed"
	SourcePyth        PriceSource = "pyth"
	SourceChainlink   PriceSource = "chainlink"
	SourceCEX         PriceSource = "cex"
	SourceMultiOracle PriceSource = "yei-multi-oracle"
)

var (
	ErrNonPositivePrice  = errors.New("price must be greater than zero")
	ErrStalePrice        = errors.New("price is stale")
	ErrInvalidConfidence = errors.New("confidence must be within [0,1]")
)

// Price is a validated quote for one asset.
type Price struct {
	Symbol     string          `json:"symbol"`
	Value      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     PriceSource     `json:"source"`
	Provider   string          `json:"provider,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Validate rejects zero, negative and stale prices. A zero maxAge disables the
// staleness check. decimal values are always finite; sources that parse
// floats must reject NaN and Inf before building a Price.
func (p Price) Validate(now time.Time, maxAge time.Duration) error {
	if !p.Value.IsPositive() {
		return fmt.Errorf("%s: %w", p.Value.String(), ErrNonPositivePrice)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%v: %w", p.Confidence, ErrInvalidConfidence)
	}
	if maxAge > 0 {
		if p.Timestamp.IsZero() {
			return fmt.Errorf("missing timestamp: %w", ErrStalePrice)
		}
		if age := now.Sub(p.Timestamp); age > maxAge {
			return fmt.Errorf("age %s exceeds %s: %w", age.Round(time.Millisecond), maxAge, ErrStalePrice)
		}
	}
	return nil
}

// Float returns the price as a float64 for ratio math.
func (p Price) Float() float64 {
	f, _ := p.Value.Float64()
	return f
}
