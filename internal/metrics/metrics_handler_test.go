package metrics

import (
	"testing"
	"time"

	"hedgeflow/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"venue": "binance", "unit": "count"}
	EmitMetric(logger.Logger(), "funding_collector", "venue_latency", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "funding_collector" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "venue_latency" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Type != "gauge" {
			t.Fatalf("unexpected metric type: %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "position_ledger", "position_opened", 1, "", nil)

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	called := false
	id := RegisterMetricHandler(func(Metric) { called = true })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "component", "", 1, "counter", nil)

	if called {
		t.Fatal("handler should not receive metrics without a name")
	}
}

func TestUnregisterMetricHandler(t *testing.T) {
	resetMetricHandlers()

	calls := 0
	id := RegisterMetricHandler(func(Metric) { calls++ })
	EmitMetric(nil, "c", "m", 1, "counter", nil)
	UnregisterMetricHandler(id)
	EmitMetric(nil, "c", "m", 1, "counter", nil)

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}

func TestEmitSoftFailureFields(t *testing.T) {
	resetMetricHandlers()

	var got Metric
	id := RegisterMetricHandler(func(m Metric) { got = m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitSoftFailure(nil, "oracle", SoftFailurePriceSource, "pyth", "BTC", "stale")

	if got.Name != string(SoftFailurePriceSource) {
		t.Fatalf("metric name = %q", got.Name)
	}
	if got.Fields["source"] != "pyth" || got.Fields["symbol"] != "BTC" || got.Fields["reason"] != "stale" {
		t.Fatalf("unexpected fields: %v", got.Fields)
	}
	if got.Value != 1 {
		t.Fatalf("value = %v, want 1", got.Value)
	}
}
