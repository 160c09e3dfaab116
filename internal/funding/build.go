package funding

import (
	"hedgeflow/config"
	"hedgeflow/logger"
)

// NewFromConfig builds a collector over the enabled venues.
func NewFromConfig(cfg config.FundingConfig, log *logger.Log) *Collector {
	if log == nil {
		log = logger.GetLogger()
	}
	interval := func(v config.FundingVenueConfig) float64 {
		if v.IntervalHours > 0 {
			return v.IntervalHours
		}
		if cfg.DefaultIntervalHours > 0 {
			return cfg.DefaultIntervalHours
		}
		return DefaultIntervalHours
	}

	var (
		venues []Venue
		opts   = []Option{WithLogger(log)}
	)
	add := func(v Venue, vc config.FundingVenueConfig) {
		venues = append(venues, v)
		opts = append(opts, WithRateLimit(v.Name(), vc.RateLimit))
	}

	if c := cfg.Binance; c.Enabled {
		add(NewBinance(c.URL, interval(c), c.Confidence, cfg.VenueTimeout), c)
	}
	if c := cfg.Bybit; c.Enabled {
		add(NewBybit(c.URL, interval(c), c.Confidence, cfg.VenueTimeout), c)
	}
	if c := cfg.Kucoin; c.Enabled {
		add(NewKucoin(c.URL, interval(c), c.Confidence, cfg.VenueTimeout), c)
	}
	if c := cfg.Hyperliquid; c.Enabled {
		hours := c.IntervalHours
		if hours <= 0 {
			hours = 1
		}
		add(NewHyperliquid(c.URL, hours, c.Confidence, cfg.VenueTimeout), c)
	}

	collector := NewCollector(venues, cfg.VenueTimeout, opts...)
	log.WithComponent(component).WithFields(logger.Fields{
		"venues":  collector.Venues(),
		"timeout": cfg.VenueTimeout.String(),
	}).Info("funding collector configured")
	return collector
}
