// Decision counters exposed in Prometheus text format:
//
//	hedgeflow_price_source_failures_total{source,reason}
//	hedgeflow_price_cache_hits_total
//	hedgeflow_price_unavailable_total{symbol}
//	hedgeflow_funding_fetches_total{venue,outcome}
//	hedgeflow_opportunities_total{symbol}
//	hedgeflow_symbols_skipped_total{symbol,reason}
//	hedgeflow_position_events_total{event}
//	hedgeflow_active_positions
//	hedgeflow_range_events_total{symbol,event}
//	hedgeflow_strategy_selections_total{type,risk_level}
//	hedgeflow_scan_duration_seconds
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hedgeflow"

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	priceSourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_source_failures_total",
		Help:      "Price source calls that failed or returned an invalid quote",
	}, []string{"source", "reason"})

	priceCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_cache_hits_total",
		Help:      "Price lookups served from the cache",
	})

	priceUnavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_unavailable_total",
		Help:      "Price lookups where every source failed",
	}, []string{"symbol"})

	fundingFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "funding_fetches_total",
		Help:      "Funding rate fetches by venue and outcome",
	}, []string{"venue", "outcome"})

	opportunities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "opportunities_total",
		Help:      "Arbitrage opportunities above the return threshold",
	}, []string{"symbol"})

	symbolsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "symbols_skipped_total",
		Help:      "Symbols skipped during a scan",
	}, []string{"symbol", "reason"})

	positionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "position_events_total",
		Help:      "Position ledger transitions and failures",
	}, []string{"event"})

	activePositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_positions",
		Help:      "Positions currently active or closing",
	})

	rangeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "range_events_total",
		Help:      "Liquidity range rebalances and escapes",
	}, []string{"symbol", "event"})

	strategySelections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "strategy_selections_total",
		Help:      "Protection strategies selected",
	}, []string{"type", "risk_level"})

	scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Wall time of a full opportunity scan",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	registry.MustRegister(
		priceSourceFailures,
		priceCacheHits,
		priceUnavailable,
		fundingFetches,
		opportunities,
		symbolsSkipped,
		positionEvents,
		activePositions,
		rangeEvents,
		strategySelections,
		scanDuration,
	)
}

// Init adds the Go runtime and process collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func Registry() *prometheus.Registry {
	return registry
}

func IncPriceSourceFailure(source, reason string) {
	priceSourceFailures.WithLabelValues(source, reason).Inc()
}

func IncPriceCacheHit() {
	priceCacheHits.Inc()
}

func IncPriceUnavailable(symbol string) {
	priceUnavailable.WithLabelValues(symbol).Inc()
}

func IncFundingFetch(venue, outcome string) {
	fundingFetches.WithLabelValues(venue, outcome).Inc()
}

func IncOpportunity(symbol string) {
	opportunities.WithLabelValues(symbol).Inc()
}

func IncSymbolSkipped(symbol, reason string) {
	symbolsSkipped.WithLabelValues(symbol, reason).Inc()
}

func IncPositionEvent(event string) {
	positionEvents.WithLabelValues(event).Inc()
}

func SetActivePositions(n int) {
	activePositions.Set(float64(n))
}

func IncRangeEvent(symbol, event string) {
	rangeEvents.WithLabelValues(symbol, event).Inc()
}

func IncStrategySelection(strategyType, riskLevel string) {
	strategySelections.WithLabelValues(strategyType, riskLevel).Inc()
}

func ObserveScanDuration(seconds float64) {
	scanDuration.Observe(seconds)
}
