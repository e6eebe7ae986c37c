package txn

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelComponent: "fabricpm",
		labelTransport: "mem",
	}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.ReceiveError("receive_error", errors.New("boom"), base)

	reqAttrs := map[string]string{
		labelComponent: "fabricpm",
		labelTransport: "mem",
		labelAttribute: "ClassPortInfo",
	}
	metrics.RequestCompleted(reqAttrs)
	metrics.RequestRetried(reqAttrs)
	metrics.RequestTimedOut(reqAttrs)
	metrics.ResponseDropped("decode", base)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"fabricpm.txn.dispatcher.started": 1,
		"fabricpm.txn.dispatcher.stopped": 1,
		"fabricpm.txn.receive_errors":     1,
		"fabricpm.txn.requests.completed": 1,
		"fabricpm.txn.requests.retried":   1,
		"fabricpm.txn.requests.timed_out": 1,
		"fabricpm.txn.responses.dropped":  1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
