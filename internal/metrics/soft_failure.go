package metrics

import "hedgeflow/logger"

// SoftFailure names the metric emitted when a data point is dropped without
// surfacing an error to the caller.
type SoftFailure string

const (
	SoftFailurePriceSource   SoftFailure = "price_source_failure"
	SoftFailurePriceMissing  SoftFailure = "price_unavailable"
	SoftFailureFundingVenue  SoftFailure = "funding_venue_absent"
	SoftFailureSymbolSkipped SoftFailure = "symbol_skipped"
	SoftFailureRateLimited   SoftFailure = "rate_limited"
)

// EmitSoftFailure logs and emits a counter for one degraded data point.
// source, symbol and reason are attached as fields when set.
func EmitSoftFailure(log *logger.Log, component string, failure SoftFailure, source, symbol, reason string) {
	fields := logger.Fields{}
	if source != "" {
		fields["source"] = source
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if reason != "" {
		fields["reason"] = reason
	}

	EmitMetric(log, component, string(failure), 1, "counter", fields)
}
