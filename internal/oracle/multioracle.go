package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hedgeflow/models"
)

// MultiOracle asks several on-chain oracles in order and returns the first
// valid answer. There is no vote and no averaging.
type MultiOracle struct {
	members []Source
	maxAge  time.Duration
	now     func() time.Time
}

func NewMultiOracle(maxAge time.Duration, members ...Source) *MultiOracle {
	return &MultiOracle{members: members, maxAge: maxAge, now: time.Now}
}

func (m *MultiOracle) Name() string             { return "multi-oracle" }
func (m *MultiOracle) Kind() models.PriceSource { return models.SourceMultiOracle }

func (m *MultiOracle) FetchPrice(ctx context.Context, symbol string) (models.Price, error) {
	var failures []string
	supported := false
	for _, member := range m.members {
		price, err := safeFetch(ctx, member, symbol)
		if err == nil {
			err = price.Validate(m.now(), m.maxAge)
		}
		if err == nil {
			price.Source = models.SourceMultiOracle
			price.Provider = member.Name()
			return price, nil
		}
		if errors.Is(err, ErrUnsupportedSymbol) {
			continue
		}
		supported = true
		failures = append(failures, fmt.Sprintf("%s: %v", member.Name(), err))
	}
	if !supported {
		return models.Price{}, ErrUnsupportedSymbol
	}
	return models.Price{}, fmt.Errorf("every oracle failed: %s", strings.Join(failures, "; "))
}
